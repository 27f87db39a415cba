package app

import (
	"github.com/ggonzalez94/dexroute/internal/chain/signer"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/orchestrator"
	"github.com/ggonzalez94/dexroute/internal/schema"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type executionArgs struct {
	tokenA      string
	tokenB      string
	amountA     string
	amountB     string
	dex         string
	keySource   string
	fromAddress string
	attempts    int
}

func (s *runtimeState) newSwapCommand() *cobra.Command {
	var args executionArgs
	cmd := &cobra.Command{
		Use:         "swap",
		Short:       "Approve the input token if needed and swap on one venue",
		Annotations: map[string]string{schema.AnnotationSubmits: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.runExecution(cmd, model.ActionSwap, args)
		},
	}
	cmd.Flags().StringVar(&args.tokenA, "from", "", "Input token symbol or address")
	cmd.Flags().StringVar(&args.tokenB, "to", "", "Output token symbol or address")
	cmd.Flags().StringVar(&args.amountA, "amount", "", "Input amount in decimal units")
	cmd.Flags().StringVar(&args.amountB, "min-out", "", "Minimum output amount in decimal units")
	addExecutionFlags(cmd, &args)
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func (s *runtimeState) newAddLiquidityCommand() *cobra.Command {
	return s.newLiquidityCommand("add-liquidity", "Approve both tokens if needed and add liquidity to an existing pool", model.ActionAddLiquidity)
}

func (s *runtimeState) newCreatePoolCommand() *cobra.Command {
	return s.newLiquidityCommand("create-pool", "Approve both tokens if needed and create a pool with initial liquidity", model.ActionCreatePool)
}

func (s *runtimeState) newLiquidityCommand(use, short string, action model.ActionKind) *cobra.Command {
	var args executionArgs
	cmd := &cobra.Command{
		Use:         use,
		Short:       short,
		Annotations: map[string]string{schema.AnnotationSubmits: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return s.runExecution(cmd, action, args)
		},
	}
	cmd.Flags().StringVar(&args.tokenA, "token-a", "", "First token symbol or address")
	cmd.Flags().StringVar(&args.tokenB, "token-b", "", "Second token symbol or address")
	cmd.Flags().StringVar(&args.amountA, "amount-a", "", "Amount of token A in decimal units")
	cmd.Flags().StringVar(&args.amountB, "amount-b", "", "Amount of token B in decimal units")
	addExecutionFlags(cmd, &args)
	_ = cmd.MarkFlagRequired("token-a")
	_ = cmd.MarkFlagRequired("token-b")
	_ = cmd.MarkFlagRequired("amount-a")
	_ = cmd.MarkFlagRequired("amount-b")
	return cmd
}

func addExecutionFlags(cmd *cobra.Command, args *executionArgs) {
	cmd.Flags().StringVar(&args.dex, "dex", "", "Venue to execute on (default: registry default)")
	cmd.Flags().StringVar(&args.keySource, "key-source", string(signer.KeySourceAuto), "Signer key source (auto|env|file|keystore)")
	cmd.Flags().StringVar(&args.fromAddress, "from-address", "", "Expected signer address")
	cmd.Flags().IntVar(&args.attempts, "attempts", 1, "Attempts per failed step before giving up")
}

// runExecution drives one session to completion. A failed session is
// attached to the error envelope so submitted hashes are not lost.
func (s *runtimeState) runExecution(cmd *cobra.Command, action model.ActionKind, args executionArgs) error {
	if args.attempts < 1 {
		return clierr.New(clierr.CodeUsage, "--attempts must be at least 1")
	}
	reg, err := s.registry()
	if err != nil {
		return err
	}
	pair, err := reg.Pair(args.tokenA, args.tokenB)
	if err != nil {
		return clierr.Wrap(clierr.CodeUsage, "resolve pair", err)
	}
	dexID := args.dex
	if dexID == "" {
		dexID = s.defaultDEX(reg).ID
	}
	intent := model.Intent{Action: action, Pair: pair, AmountA: args.amountA, AmountB: args.amountB, DEX: dexID}

	ctx := cmd.Context()
	wallet, err := s.chainWallet(ctx, args.keySource, args.fromAddress)
	if err != nil {
		return err
	}
	orch := orchestrator.New(reg, wallet, wallet, orchestrator.Options{
		ReceiptTimeout: s.settings.ReceiptTimeout,
		Logger:         s.log.Named("orchestrator"),
		Metrics:        s.metrics,
	})
	defer func() { _ = orch.Close() }()
	if _, err := orch.Begin(intent); err != nil {
		return err
	}

	session, err := orch.Run(ctx)
	for attempt := 1; err != nil && attempt < args.attempts && session.State == orchestrator.StateFailed; attempt++ {
		s.log.Warn("retrying failed step",
			zap.String("session_id", session.ID),
			zap.String("step", string(session.FailedStep)),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		session, err = orch.Retry(ctx)
		if err == nil && session.State != orchestrator.StateSucceeded {
			session, err = orch.Run(ctx)
		}
	}
	if err != nil {
		s.lastData = session
		return err
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), session, nil)
}
