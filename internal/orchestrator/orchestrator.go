// Package orchestrator drives the approve/approve/act transaction sequence
// for pool creation, liquidity provision and swaps. Every transition is gated
// on a confirmed receipt.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/dexroute/internal/amount"
	"github.com/ggonzalez94/dexroute/internal/chain"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"go.uber.org/zap"
)

const DefaultReceiptTimeout = 3 * time.Minute

type State string

const (
	StateIdle            State = "idle"
	StateApprovingTokenA State = "approving_token_a"
	StateApprovingTokenB State = "approving_token_b"
	StateActing          State = "acting"
	StateSucceeded       State = "succeeded"
	StateFailed          State = "failed"
)

type Step string

const (
	StepApproveA Step = "approve_a"
	StepApproveB Step = "approve_b"
	StepAct      Step = "act"
)

// stateFor is the state that performs step.
func stateFor(step Step) State {
	switch step {
	case StepApproveA:
		return StateApprovingTokenA
	case StepApproveB:
		return StateApprovingTokenB
	default:
		return StateActing
	}
}

type Approvals struct {
	A bool `json:"a"`
	B bool `json:"b"`
}

type TxHashes struct {
	ApproveA string `json:"approve_a,omitempty"`
	ApproveB string `json:"approve_b,omitempty"`
	Act      string `json:"act,omitempty"`
}

// Session is a point-in-time copy of the orchestration state.
type Session struct {
	ID         string           `json:"session_id"`
	Action     model.ActionKind `json:"action"`
	DEX        string           `json:"dex"`
	Spender    string           `json:"spender"`
	Pair       string           `json:"pair"`
	AmountA    string           `json:"amount_a"`
	AmountB    string           `json:"amount_b,omitempty"`
	State      State            `json:"state"`
	Approvals  Approvals        `json:"approvals"`
	TxHashes   TxHashes         `json:"tx_hashes"`
	Pending    bool             `json:"pending"`
	FailedStep Step             `json:"failed_step,omitempty"`
	Error      *model.ErrorBody `json:"error,omitempty"`
	UpdatedAt  string           `json:"updated_at"`
}

type Options struct {
	ReceiptTimeout time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Metrics
}

// Orchestrator owns at most one session. All methods are safe for concurrent
// use; receipt waits happen outside the lock so Snapshot stays responsive.
type Orchestrator struct {
	reg     *registry.Registry
	reader  chain.Reader
	wallet  chain.Wallet
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	session *session
	now     func() time.Time
}

type session struct {
	id         string
	action     model.ActionKind
	dex        registry.DEX
	pair       model.Pair
	amountA    *big.Int
	amountB    *big.Int
	state      State
	approvals  Approvals
	txHashes   TxHashes
	pending    bool
	failedStep Step
	err        error
	updatedAt  time.Time
}

func New(reg *registry.Registry, reader chain.Reader, wallet chain.Wallet, opts Options) *Orchestrator {
	if opts.ReceiptTimeout <= 0 {
		opts.ReceiptTimeout = DefaultReceiptTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Orchestrator{
		reg:     reg,
		reader:  reader,
		wallet:  wallet,
		opts:    opts,
		log:     opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Begin starts a new session for intent, replacing any settled session.
func (o *Orchestrator) Begin(intent model.Intent) (Session, error) {
	next, err := o.newSession(intent)
	if err != nil {
		return Session{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.guardMutation("start a new session"); err != nil {
		return Session{}, err
	}
	o.session = next
	o.log.Info("session started",
		zap.String("session_id", next.id),
		zap.String("action", string(next.action)),
		zap.String("dex", next.dex.ID),
		zap.String("pair", next.pair.String()),
	)
	return o.snapshotLocked(), nil
}

// SelectPair changes the DEX or token pair. The session returns to Idle with
// approvals cleared; amounts are re-read against the new token decimals.
func (o *Orchestrator) SelectPair(dexID, tokenA, tokenB string) (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, clierr.New(clierr.CodeInvalidTransition, "no active session")
	}
	if err := o.guardMutation("change the pair"); err != nil {
		return Session{}, err
	}
	s := o.session
	if dexID == "" {
		dexID = s.dex.ID
	}
	dex, ok := o.reg.DEX(dexID)
	if !ok {
		return Session{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown dex %q", dexID))
	}
	pair, err := o.reg.Pair(tokenA, tokenB)
	if err != nil {
		return Session{}, clierr.Wrap(clierr.CodeUsage, "resolve pair", err)
	}
	amountA := rescale(s.amountA, s.pair.A.Decimals, pair.A.Decimals)
	if amountA == nil || amountA.Sign() == 0 {
		return Session{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount is below the smallest unit of %s", pair.A.Symbol))
	}
	amountB := rescale(s.amountB, s.pair.B.Decimals, pair.B.Decimals)
	if s.amountB != nil && s.amountB.Sign() > 0 && amountB.Sign() == 0 {
		return Session{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("amount is below the smallest unit of %s", pair.B.Symbol))
	}
	s.dex = dex
	s.amountA = amountA
	s.amountB = amountB
	s.pair = pair
	o.resetLocked()
	return o.snapshotLocked(), nil
}

// Advance performs the step for the current state. A step whose token is
// already approved on-chain completes without a transaction.
func (o *Orchestrator) Advance(ctx context.Context) (Session, error) {
	o.mu.Lock()
	s := o.session
	if s == nil {
		o.mu.Unlock()
		return Session{}, clierr.New(clierr.CodeInvalidTransition, "no active session")
	}
	if s.pending {
		step := o.currentStepLocked()
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.metrics.Transaction(string(step), "rejected")
		return snap, clierr.New(clierr.CodeConcurrentSubmission, fmt.Sprintf("%s transaction already pending", step))
	}
	switch s.state {
	case StateSucceeded:
		o.mu.Unlock()
		return o.Snapshot(), clierr.New(clierr.CodeInvalidTransition, "session already succeeded")
	case StateFailed:
		o.mu.Unlock()
		return o.Snapshot(), clierr.New(clierr.CodeInvalidTransition, "session failed; retry the step or reset")
	case StateIdle:
		o.setStateLocked(StateApprovingTokenA)
	}
	step := o.currentStepLocked()
	s.pending = true
	o.mu.Unlock()

	err := o.runStep(ctx, s, step)

	o.mu.Lock()
	defer o.mu.Unlock()
	s.pending = false
	if err != nil {
		s.failedStep = step
		s.err = err
		o.setStateLocked(StateFailed)
		o.metrics.Transaction(string(step), "failed")
		o.log.Warn("session step failed", zap.String("session_id", s.id), zap.String("step", string(step)), zap.Error(err))
		return o.snapshotLocked(), err
	}
	switch step {
	case StepApproveA:
		s.approvals.A = true
		o.setStateLocked(StateApprovingTokenB)
	case StepApproveB:
		s.approvals.B = true
		o.setStateLocked(StateActing)
	case StepAct:
		o.setStateLocked(StateSucceeded)
	}
	return o.snapshotLocked(), nil
}

// Run advances until the session succeeds or a step fails.
func (o *Orchestrator) Run(ctx context.Context) (Session, error) {
	for {
		snap, err := o.Advance(ctx)
		if err != nil || snap.State == StateSucceeded {
			return snap, err
		}
	}
}

// Retry re-runs the step a failed session stopped at.
func (o *Orchestrator) Retry(ctx context.Context) (Session, error) {
	o.mu.Lock()
	s := o.session
	if s == nil || s.state != StateFailed {
		o.mu.Unlock()
		return o.Snapshot(), clierr.New(clierr.CodeInvalidTransition, "only a failed session can be retried")
	}
	o.setStateLocked(stateFor(s.failedStep))
	s.failedStep = ""
	s.err = nil
	o.mu.Unlock()
	return o.Advance(ctx)
}

// Reset returns the session to Idle with approvals cleared.
func (o *Orchestrator) Reset() (Session, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session == nil {
		return Session{}, clierr.New(clierr.CodeInvalidTransition, "no active session")
	}
	if o.session.pending {
		return o.snapshotLocked(), clierr.New(clierr.CodeConcurrentSubmission, "cannot reset while a transaction is pending")
	}
	o.resetLocked()
	return o.snapshotLocked(), nil
}

// Close discards the session.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.session != nil && o.session.pending {
		return clierr.New(clierr.CodeConcurrentSubmission, "cannot close while a transaction is pending")
	}
	o.session = nil
	return nil
}

func (o *Orchestrator) Snapshot() Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

func (o *Orchestrator) runStep(ctx context.Context, s *session, step Step) error {
	switch step {
	case StepApproveA:
		return o.approve(ctx, s, step, s.pair.A, s.amountA)
	case StepApproveB:
		// A swap only spends token A; amountB is the minimum output.
		if s.action == model.ActionSwap {
			o.metrics.Transaction(string(step), "skipped")
			return nil
		}
		return o.approve(ctx, s, step, s.pair.B, s.amountB)
	default:
		return o.act(ctx, s)
	}
}

func (o *Orchestrator) approve(ctx context.Context, s *session, step Step, token model.Token, required *big.Int) error {
	if required == nil || required.Sign() == 0 {
		o.metrics.Transaction(string(step), "skipped")
		return nil
	}
	allowance, err := o.allowance(ctx, token.Address, s.dex.Contract)
	if err != nil {
		return clierr.Wrap(clierr.CodeApprovalFailed, fmt.Sprintf("read %s allowance", token.Symbol), err)
	}
	if allowance.Cmp(required) >= 0 {
		o.log.Info("allowance sufficient, skipping approval",
			zap.String("session_id", s.id),
			zap.String("token", token.Symbol),
			zap.String("allowance", allowance.String()),
		)
		o.metrics.Transaction(string(step), "skipped")
		return nil
	}
	data, err := registry.ERC20ABI.Pack("approve", s.dex.Contract, required)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, "pack approve calldata", err)
	}
	return o.submit(ctx, s, step, token.Address, data, clierr.CodeApprovalFailed)
}

func (o *Orchestrator) act(ctx context.Context, s *session) error {
	data, err := actionCalldata(s)
	if err != nil {
		return clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("pack %s calldata", s.action), err)
	}
	return o.submit(ctx, s, StepAct, s.dex.Contract, data, clierr.CodeActionFailed)
}

func actionCalldata(s *session) ([]byte, error) {
	a, b := s.pair.A.Address, s.pair.B.Address
	amountB := s.amountB
	if amountB == nil {
		amountB = new(big.Int)
	}
	switch s.action {
	case model.ActionCreatePool:
		return registry.PoolManagerABI.Pack("createPool", a, b, s.amountA, amountB)
	case model.ActionAddLiquidity:
		return registry.PoolManagerABI.Pack("addLiquidity", a, b, s.amountA, amountB)
	case model.ActionSwap:
		return registry.PoolManagerABI.Pack("swap", a, b, s.amountA, amountB)
	default:
		return nil, fmt.Errorf("unsupported action %q", s.action)
	}
}

// submit sends one transaction and blocks until its receipt or the receipt
// timeout. The hash is recorded as soon as the transaction is broadcast.
func (o *Orchestrator) submit(ctx context.Context, s *session, step Step, to common.Address, data []byte, failCode clierr.Code) error {
	hash, err := o.wallet.SubmitTransaction(ctx, to, data)
	if err != nil {
		if clierr.Is(err, clierr.CodeSigner) {
			return err
		}
		return clierr.Wrap(failCode, fmt.Sprintf("submit %s transaction", step), err)
	}
	o.mu.Lock()
	switch step {
	case StepApproveA:
		s.txHashes.ApproveA = hash.Hex()
	case StepApproveB:
		s.txHashes.ApproveB = hash.Hex()
	case StepAct:
		s.txHashes.Act = hash.Hex()
	}
	s.updatedAt = o.now()
	o.mu.Unlock()
	o.metrics.Transaction(string(step), "submitted")
	o.log.Info("transaction submitted", zap.String("session_id", s.id), zap.String("step", string(step)), zap.String("tx_hash", hash.Hex()))

	waitCtx, cancel := context.WithTimeout(ctx, o.opts.ReceiptTimeout)
	defer cancel()
	receipt, err := o.wallet.WaitForReceipt(waitCtx, hash)
	if err != nil {
		if clierr.Is(err, clierr.CodeActionTimeout) {
			return clierr.Wrap(clierr.CodeActionTimeout, fmt.Sprintf("%s transaction %s not confirmed within %s", step, hash.Hex(), o.opts.ReceiptTimeout), err)
		}
		return clierr.Wrap(failCode, fmt.Sprintf("track %s transaction %s", step, hash.Hex()), err)
	}
	if !receipt.Success {
		return clierr.New(failCode, fmt.Sprintf("%s transaction %s reverted", step, hash.Hex()))
	}
	o.metrics.Transaction(string(step), "confirmed")
	return nil
}

func (o *Orchestrator) allowance(ctx context.Context, token, spender common.Address) (*big.Int, error) {
	out, err := o.reader.ReadContract(ctx, token, registry.ERC20ABI, "allowance", o.wallet.Address(), spender)
	if err != nil {
		return nil, err
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("allowance returned %d values", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("allowance returned %T", out[0])
	}
	return v, nil
}

func (o *Orchestrator) newSession(intent model.Intent) (*session, error) {
	if intent.Pair.A.Address == intent.Pair.B.Address {
		return nil, clierr.New(clierr.CodeUsage, "token pair must contain two distinct tokens")
	}
	var dex registry.DEX
	if intent.DEX == "" {
		dex = o.reg.DefaultDEX()
	} else {
		var ok bool
		if dex, ok = o.reg.DEX(intent.DEX); !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown dex %q", intent.DEX))
		}
	}
	amountA, err := amount.Positive(intent.AmountA, intent.Pair.A.Decimals)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "amount a", err)
	}
	var amountB *big.Int
	switch intent.Action {
	case model.ActionCreatePool, model.ActionAddLiquidity:
		if amountB, err = amount.Positive(intent.AmountB, intent.Pair.B.Decimals); err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "amount b", err)
		}
	case model.ActionSwap:
		// AmountB on a swap is the minimum output and may be omitted.
		if intent.AmountB != "" {
			if amountB, err = amount.ToBaseUnits(intent.AmountB, intent.Pair.B.Decimals); err != nil {
				return nil, clierr.Wrap(clierr.CodeUsage, "min amount out", err)
			}
		}
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported action %q", intent.Action))
	}
	return &session{
		id:        newSessionID(),
		action:    intent.Action,
		dex:       dex,
		pair:      intent.Pair,
		amountA:   amountA,
		amountB:   amountB,
		state:     StateIdle,
		updatedAt: o.now(),
	}, nil
}

// guardMutation rejects structural changes while a transaction is in flight
// or the final action step has started.
func (o *Orchestrator) guardMutation(what string) error {
	s := o.session
	if s == nil {
		return nil
	}
	if s.pending {
		return clierr.New(clierr.CodeConcurrentSubmission, fmt.Sprintf("cannot %s while a transaction is pending", what))
	}
	if s.state == StateActing {
		return clierr.New(clierr.CodeInvalidTransition, fmt.Sprintf("cannot %s while acting", what))
	}
	return nil
}

func (o *Orchestrator) resetLocked() {
	s := o.session
	s.approvals = Approvals{}
	s.txHashes = TxHashes{}
	s.failedStep = ""
	s.err = nil
	o.setStateLocked(StateIdle)
}

func (o *Orchestrator) setStateLocked(state State) {
	s := o.session
	if s.state != state {
		o.log.Debug("session transition",
			zap.String("session_id", s.id),
			zap.String("from", string(s.state)),
			zap.String("to", string(state)),
		)
	}
	s.state = state
	s.updatedAt = o.now()
}

func (o *Orchestrator) currentStepLocked() Step {
	switch o.session.state {
	case StateApprovingTokenB:
		return StepApproveB
	case StateActing:
		return StepAct
	default:
		return StepApproveA
	}
}

func (o *Orchestrator) snapshotLocked() Session {
	s := o.session
	if s == nil {
		return Session{}
	}
	snap := Session{
		ID:         s.id,
		Action:     s.action,
		DEX:        s.dex.ID,
		Spender:    s.dex.Contract.Hex(),
		Pair:       s.pair.String(),
		AmountA:    amount.Format(s.amountA, s.pair.A.Decimals),
		State:      s.state,
		Approvals:  s.approvals,
		TxHashes:   s.txHashes,
		Pending:    s.pending,
		FailedStep: s.failedStep,
		UpdatedAt:  s.updatedAt.UTC().Format(time.RFC3339),
	}
	if s.amountB != nil {
		snap.AmountB = amount.Format(s.amountB, s.pair.B.Decimals)
	}
	if s.err != nil {
		body := &model.ErrorBody{Code: int(clierr.CodeInternal), Type: clierr.CodeInternal.String(), Message: s.err.Error()}
		if typed, ok := clierr.As(s.err); ok {
			body.Code = int(typed.Code)
			body.Type = typed.Code.String()
		}
		snap.Error = body
	}
	return snap
}

// rescale keeps the human-readable amount when the token changes decimals.
func rescale(v *big.Int, from, to int) *big.Int {
	if v == nil || from == to {
		return v
	}
	out := new(big.Int).Set(v)
	if to > from {
		return out.Mul(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil))
	}
	return out.Quo(out, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil))
}

func newSessionID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "ses-unknown"
	}
	return fmt.Sprintf("ses_%s", hex.EncodeToString(b))
}
