package app

import (
	"fmt"
	"time"

	"github.com/ggonzalez94/dexroute/internal/aggregator"
	"github.com/ggonzalez94/dexroute/internal/analysis"
	clierr "github.com/ggonzalez94/dexroute/internal/errors"
	"github.com/ggonzalez94/dexroute/internal/httpx"
	"github.com/ggonzalez94/dexroute/internal/model"
	"github.com/ggonzalez94/dexroute/internal/poolid"
	"github.com/ggonzalez94/dexroute/internal/recommender"
	"github.com/ggonzalez94/dexroute/internal/registry"
	"github.com/ggonzalez94/dexroute/internal/sources"
	"github.com/ggonzalez94/dexroute/internal/validator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func (s *runtimeState) newAnalyzeCommand() *cobra.Command {
	var fromArg, toArg, amountArg, actionArg, dexesArg string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Rank DEX routes for a trade using live liquidity and the recommender",
		RunE: func(cmd *cobra.Command, _ []string) error {
			action, ok := model.ParseActionKind(actionArg)
			if !ok {
				return clierr.New(clierr.CodeUsage, "--action must be swap, add-liquidity or create-pool")
			}
			reg, err := s.registry()
			if err != nil {
				return err
			}
			pair, err := reg.Pair(fromArg, toArg)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "resolve pair", err)
			}
			allowed, err := allowedDEXes(reg, splitCSV(dexesArg))
			if err != nil {
				return err
			}
			svc, err := s.newAnalysisService(cmd, reg, allowed)
			if err != nil {
				return err
			}

			intent := model.Intent{Action: action, Pair: pair, AmountA: amountArg}
			result, err := svc.Analyze(cmd.Context(), intent)
			if err != nil {
				return err
			}
			warnings := analysisWarnings(result)
			s.captureCommandDiagnostics(warnings, result.Sources, result.Degraded)
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), result, warnings)
		},
	}
	cmd.Flags().StringVar(&fromArg, "from", "", "Input token symbol or address")
	cmd.Flags().StringVar(&toArg, "to", "", "Output token symbol or address")
	cmd.Flags().StringVar(&amountArg, "amount", "", "Amount of the input token in decimal units")
	cmd.Flags().StringVar(&actionArg, "action", string(model.ActionSwap), "Intended action (swap|add-liquidity|create-pool)")
	cmd.Flags().StringVar(&dexesArg, "dexes", "", "Restrict the recommender to these venues (comma-separated)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// newAnalysisService wires sources, recommender and validator for one run.
func (s *runtimeState) newAnalysisService(cmd *cobra.Command, reg *registry.Registry, allowed []string) (*analysis.Service, error) {
	reader, err := s.chainReader(cmd.Context())
	if err != nil {
		return nil, err
	}
	burst := int(s.settings.RateLimit)
	if burst < 1 {
		burst = 1
	}
	sourceHTTP := httpx.New(s.settings.Timeout, s.settings.Retries, httpx.WithRateLimit(s.settings.RateLimit, burst))
	built := sources.Build(reg, sources.BuildOptions{
		HTTP:         sourceHTTP,
		Reader:       reader,
		PriceAPIURL:  s.settings.PriceAPIURL,
		OracleMaxAge: s.settings.OracleMaxAge,
	})
	guarded := make([]sources.Source, 0, len(built))
	for _, src := range built {
		guarded = append(guarded, sources.Guard(src, sources.GuardOptions{
			FailureThreshold: s.settings.BreakerFailures,
			OpenTimeout:      s.settings.BreakerCooldown,
			Cache:            s.cache,
			CacheTTL:         s.settings.CacheTTL,
			Metrics:          s.metrics,
			Logger:           s.log.Named("sources"),
		}))
	}
	agg := aggregator.New(guarded, aggregator.Options{
		SourceTimeout: s.settings.Timeout * time.Duration(s.settings.Retries+1),
		Logger:        s.log.Named("aggregator"),
		Metrics:       s.metrics,
	})

	chat := recommender.NewChatClient(httpx.New(s.settings.RecommenderTimeout, 0), recommender.ChatConfig{
		Endpoint:    s.settings.RecommenderEndpoint,
		Model:       s.settings.RecommenderModel,
		APIKey:      s.settings.RecommenderAPIKey,
		MaxTokens:   s.settings.MaxTokens,
		Temperature: s.settings.Temperature,
	})
	rec := recommender.New(chat, reg, recommender.Options{
		Timeout:    s.settings.RecommenderTimeout,
		DefaultDEX: s.defaultDEX(reg).ID,
		Logger:     s.log.Named("recommender"),
		Metrics:    s.metrics,
	})
	val := validator.New(reg, reader, validator.Options{
		Logger:  s.log.Named("validator"),
		Metrics: s.metrics,
	})
	s.log.Debug("analysis wired", zap.Int("sources", len(guarded)), zap.Strings("dexes", allowed))
	return analysis.New(agg, rec, val, analysis.Options{
		AllowedDEXes: allowed,
		Logger:       s.log.Named("analysis"),
		Metrics:      s.metrics,
	}), nil
}

func allowedDEXes(reg *registry.Registry, filter []string) ([]string, error) {
	if len(filter) == 0 {
		return reg.DEXIDs(), nil
	}
	out := make([]string, 0, len(filter))
	for _, item := range filter {
		dex, ok := reg.DEX(item)
		if !ok {
			return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown dex %q", item))
		}
		out = append(out, dex.ID)
	}
	return out, nil
}

func analysisWarnings(result analysis.Result) []string {
	var warnings []string
	if result.Recommendation.Fallback {
		warnings = append(warnings, "recommender unavailable; showing the conservative fallback recommendation")
	}
	down := 0
	for _, src := range result.Sources {
		if src.Status != string(model.SourceStatusOK) {
			down++
		}
	}
	if result.Degraded {
		warnings = append(warnings, "no liquidity source returned data")
	} else if down > 0 {
		warnings = append(warnings, fmt.Sprintf("%d of %d liquidity sources unavailable", down, len(result.Sources)))
	}
	for _, diag := range result.Diagnostics {
		warnings = append(warnings, fmt.Sprintf("%s excluded: %s", diag.DEX, diag.Message))
	}
	if result.HeldFraction > 0 {
		warnings = append(warnings, fmt.Sprintf("%.0f%% of the order is held unallocated", result.HeldFraction*100))
	}
	return warnings
}

type poolIDResult struct {
	TokenA   string `json:"token_a"`
	TokenB   string `json:"token_b"`
	Token0   string `json:"token0"`
	Token1   string `json:"token1"`
	PoolID   string `json:"pool_id"`
	DEX      string `json:"dex,omitempty"`
	Verified bool   `json:"verified"`
}

func (s *runtimeState) newPoolIDCommand() *cobra.Command {
	var tokenAArg, tokenBArg, dexArg string
	var verify bool
	cmd := &cobra.Command{
		Use:   "pool-id",
		Short: "Compute a pool id locally and optionally cross-check it on-chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.registry()
			if err != nil {
				return err
			}
			pair, err := reg.Pair(tokenAArg, tokenBArg)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "resolve pair", err)
			}
			lo, hi := poolid.Sort(pair.A.Address, pair.B.Address)
			res := poolIDResult{
				TokenA: pair.A.Symbol,
				TokenB: pair.B.Symbol,
				Token0: lo.Hex(),
				Token1: hi.Hex(),
				PoolID: poolid.Compute(pair.A.Address, pair.B.Address).Hex(),
			}
			if !verify {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil)
			}

			dex := s.defaultDEX(reg)
			if dexArg != "" {
				var ok bool
				if dex, ok = reg.DEX(dexArg); !ok {
					return clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown dex %q", dexArg))
				}
			}
			res.DEX = dex.ID
			reader, err := s.chainReader(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := poolid.NewResolver(reader).Verify(cmd.Context(), dex, pair.A.Address, pair.B.Address); err != nil {
				s.lastData = res
				return err
			}
			res.Verified = true
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), res, nil)
		},
	}
	cmd.Flags().StringVar(&tokenAArg, "token-a", "", "First token symbol or address")
	cmd.Flags().StringVar(&tokenBArg, "token-b", "", "Second token symbol or address")
	cmd.Flags().StringVar(&dexArg, "dex", "", "Venue to verify against (default: registry default)")
	cmd.Flags().BoolVar(&verify, "verify", false, "Compare against the pool manager's getPoolId")
	_ = cmd.MarkFlagRequired("token-a")
	_ = cmd.MarkFlagRequired("token-b")
	return cmd
}

type dexView struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Contract string  `json:"contract"`
	Subgraph string  `json:"subgraph,omitempty"`
	FeeRate  float64 `json:"fee_rate"`
	Default  bool    `json:"default"`
}

func (s *runtimeState) newRegistryCommand() *cobra.Command {
	root := &cobra.Command{Use: "registry", Short: "Configured tokens and venues"}
	root.AddCommand(&cobra.Command{
		Use:   "tokens",
		Short: "List configured tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.registry()
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), reg.Tokens(), nil)
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "dexes",
		Short: "List configured venues",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := s.registry()
			if err != nil {
				return err
			}
			def := s.defaultDEX(reg).ID
			views := make([]dexView, 0, len(reg.DEXes()))
			for _, dex := range reg.DEXes() {
				views = append(views, dexView{
					ID:       dex.ID,
					Name:     dex.Name,
					Contract: dex.Contract.Hex(),
					Subgraph: dex.SubgraphURL,
					FeeRate:  dex.FeeRate,
					Default:  dex.ID == def,
				})
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), views, nil)
		},
	})
	return root
}
