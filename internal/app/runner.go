package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ggonzalez94/dexroute/internal/cache"
	"github.com/ggonzalez94/dexroute/internal/chain"
	"github.com/ggonzalez94/dexroute/internal/chain/signer"
	"github.com/ggonzalez94/dexroute/internal/config"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/metrics"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/out"
	"github.com/ggonzalez94/dexroute/internal/policy"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"github.com/ggonzalez94/dexroute/internal/schema"
	"github.com/ggonzalez94/dexroute/internal/version"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
	}
}

type runtimeState struct {
	runner   *Runner
	flags    config.GlobalFlags
	settings config.Settings
	root     *cobra.Command
	log      *zap.Logger
	metrics  *metrics.Metrics
	cache    *cache.Store
	reg      *registry.Registry
	reader   *chain.Client
	wallet   *chain.Client

	lastCommand  string
	lastWarnings []string
	lastSources  []model.SourceReport
	lastDegraded bool
	// lastData is attached to the error envelope, e.g. a failed session.
	lastData any
}

func (r *Runner) Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state := &runtimeState{runner: r, log: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	if err != nil {
		state.renderError("", err)
	}
	state.close()
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "DEX route analysis and transaction orchestration",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			p := policy.Policy{Allow: settings.EnableCommands, ReadOnly: settings.ReadOnly}
			if err := p.Check(path); err != nil {
				return err
			}

			log, err := newLogger(settings.LogLevel, s.runner.stderr)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "configure logger", err)
			}
			s.log = log.With(zap.String("command", path))
			if s.metrics == nil {
				s.metrics = metrics.New(prometheus.NewRegistry())
			}

			if settings.CacheEnabled && shouldOpenCache(path) && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	cmd.PersistentFlags().BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	cmd.PersistentFlags().BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	cmd.PersistentFlags().StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	cmd.PersistentFlags().StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	cmd.PersistentFlags().BoolVar(&s.flags.ReadOnly, "read-only", false, "Block commands that submit transactions")
	cmd.PersistentFlags().StringVar(&s.flags.LogLevel, "log-level", "", "Log level written to stderr (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&s.flags.Timeout, "timeout", "", "Per-source request timeout")
	cmd.PersistentFlags().IntVar(&s.flags.Retries, "retries", -1, "Retries per source request")
	cmd.PersistentFlags().BoolVar(&s.flags.NoCache, "no-cache", false, "Disable source cache reads and writes")
	cmd.PersistentFlags().StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")
	cmd.PersistentFlags().StringVar(&s.flags.RegistryPath, "registry", "", "Path to token/DEX registry file")
	cmd.PersistentFlags().StringVar(&s.flags.RPCURL, "rpc-url", "", "JSON-RPC endpoint override")
	cmd.PersistentFlags().StringVar(&s.flags.ReceiptTimeout, "receipt-timeout", "", "Maximum wait for a transaction receipt")
	cmd.PersistentFlags().StringVar(&s.flags.DefaultDEX, "default-dex", "", "Venue used by fallback recommendations")

	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newRegistryCommand())
	cmd.AddCommand(s.newAnalyzeCommand())
	cmd.AddCommand(s.newPoolIDCommand())
	cmd.AddCommand(s.newSwapCommand())
	cmd.AddCommand(s.newAddLiquidityCommand())
	cmd.AddCommand(s.newCreatePoolCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
}

// newLogger writes JSON logs to w so stdout only carries envelopes.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), lvl)
	return zap.New(core), nil
}

func (s *runtimeState) registry() (*registry.Registry, error) {
	if s.reg != nil {
		return s.reg, nil
	}
	reg, err := registry.Load(s.settings.RegistryPath)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "load registry", err)
	}
	if s.settings.DefaultDEX != "" {
		if _, ok := reg.DEX(s.settings.DefaultDEX); !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("default dex %q is not in the registry", s.settings.DefaultDEX))
		}
	}
	s.reg = reg
	return reg, nil
}

func (s *runtimeState) defaultDEX(reg *registry.Registry) registry.DEX {
	if dex, ok := reg.DEX(s.settings.DefaultDEX); ok {
		return dex
	}
	return reg.DefaultDEX()
}

func (s *runtimeState) chainOptions() chain.Options {
	return chain.Options{
		RPCTimeout:         s.settings.RPCTimeout,
		PollInterval:       s.settings.PollInterval,
		GasMultiplier:      s.settings.GasMultiplier,
		MaxFeeGwei:         s.settings.MaxFeeGwei,
		MaxPriorityFeeGwei: s.settings.MaxPriorityFeeGwei,
		Simulate:           s.settings.Simulate,
	}
}

func (s *runtimeState) rpcURL(reg *registry.Registry) string {
	if strings.TrimSpace(s.settings.RPCURL) != "" {
		return s.settings.RPCURL
	}
	return reg.RPCURL()
}

// chainReader returns a read-only client; no key material is loaded.
func (s *runtimeState) chainReader(ctx context.Context) (*chain.Client, error) {
	if s.reader != nil {
		return s.reader, nil
	}
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	client, err := chain.Dial(ctx, s.rpcURL(reg), nil, s.chainOptions(), s.log.Named("chain"))
	if err != nil {
		return nil, err
	}
	s.reader = client
	return client, nil
}

// chainWallet loads the signer and checks it against expectAddress when set.
func (s *runtimeState) chainWallet(ctx context.Context, keySource, expectAddress string) (*chain.Client, error) {
	if s.wallet != nil {
		return s.wallet, nil
	}
	reg, err := s.registry()
	if err != nil {
		return nil, err
	}
	source, err := signer.ParseKeySource(keySource)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse --key-source", err)
	}
	txSigner, err := signer.Load(signer.Options{Source: source, ExpectedAddress: expectAddress})
	if errors.Is(err, signer.ErrAddressMismatch) {
		return nil, clierr.Wrap(clierr.CodeSigner, "signer address does not match --from-address", err)
	}
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "load signer", err)
	}
	s.log.Debug("signer loaded", zap.String("source", string(txSigner.Source())), zap.String("address", txSigner.Address().Hex()))
	client, err := chain.Dial(ctx, s.rpcURL(reg), txSigner, s.chainOptions(), s.log.Named("chain"))
	if err != nil {
		return nil, err
	}
	s.wallet = client
	return client, nil
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	if s.reader != nil {
		s.reader.Close()
	}
	if s.wallet != nil {
		s.wallet.Close()
	}
	_ = s.log.Sync()
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Sources:   s.lastSources,
			Degraded:  s.lastDegraded,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := clierr.CodeInternal.String()
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		typ = cErr.Code.String()
		message = cErr.Message
		if cErr.Cause != nil {
			message = fmt.Sprintf("%s: %v", cErr.Message, cErr.Cause)
		}
	}

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	var data any = []any{}
	if s.lastData != nil {
		data = s.lastData
	}
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    data,
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: s.lastWarnings,
		Meta: model.EnvelopeMeta{
			RequestID: newRequestID(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Sources:   s.lastSources,
			Degraded:  s.lastDegraded,
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func splitCSV(v string) []string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		norm := strings.ToLower(strings.TrimSpace(part))
		if norm != "" {
			out = append(out, norm)
		}
	}
	return out
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// shouldOpenCache limits the sqlite cache to commands that hit sources.
func shouldOpenCache(commandPath string) bool {
	return commandPath == "analyze"
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastSources = nil
	s.lastDegraded = false
	s.lastData = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, sources []model.SourceReport, degraded bool) {
	s.lastWarnings = append([]string(nil), warnings...)
	s.lastSources = append([]model.SourceReport(nil), sources...)
	s.lastDegraded = degraded
}
