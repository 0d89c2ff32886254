package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"auto-trader/internal/broker"
	"auto-trader/internal/config"
	"auto-trader/internal/connection"
	apperrors "auto-trader/internal/errors"
	"auto-trader/internal/execution"
	"auto-trader/internal/marketdata"
	"auto-trader/internal/models"
	"auto-trader/internal/notify"
	"auto-trader/internal/resilience"
	"auto-trader/internal/store"
)

// runOptions holds the run command flags.
type runOptions struct {
	paper          bool
	replay         string
	pace           time.Duration
	balance        float64
	healthInterval time.Duration
}

// runtime is the wired trading stack for one run.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	store    *store.SQLiteStore
	breaker  *resilience.CircuitBreaker
	client   broker.Client
	paper    *broker.PaperClient
	manager  *connection.Manager
	engine   *execution.Engine
	notifier notify.Notifier
}

func newRunCmd(app *App) *cobra.Command {
	opts := runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute active trade plans against live or replayed bars",
		Long: `Connects to the broker, subscribes to the symbols of all active plans and
evaluates every completed bar until interrupted.

With --replay the paper broker feeds bars from a CSV file (symbol, timestamp,
open, high, low, close, volume) and the command exits when the file is done.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.replay != "" {
				opts.paper = true
			}
			if opts.paper {
				app.Config.Broker.Paper = true
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, app.Config, app.Logger, opts)
			if err != nil {
				return err
			}

			runErr := rt.run(ctx, opts)
			closeErr := rt.close()

			printRunSummary(NewOutput(cmd), rt)
			return multierr.Append(runErr, closeErr)
		},
	}

	cmd.Flags().BoolVar(&opts.paper, "paper", false, "simulate fills locally regardless of config")
	cmd.Flags().StringVar(&opts.replay, "replay", "", "replay bars from a CSV file through the paper broker")
	cmd.Flags().DurationVar(&opts.pace, "pace", 0, "delay between replayed bars")
	cmd.Flags().Float64Var(&opts.balance, "balance", 1000000, "paper account starting cash")
	cmd.Flags().DurationVar(&opts.healthInterval, "health-interval", time.Minute, "broker health probe interval, 0 disables")

	return cmd
}

func newRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts runOptions) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	rt.store = st

	rt.breaker, err = resilience.NewCircuitBreaker("broker", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
		StatePath:        cfg.CircuitBreaker.StateFile,
	}, logger)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	if cfg.Broker.Paper {
		rt.paper = broker.NewPaperClient(broker.PaperClientConfig{
			InitialBalance: decimal.NewFromFloat(opts.balance),
		}, logger)
		rt.client = rt.paper
	} else {
		kite, err := broker.NewKiteClient(broker.KiteConfig{
			APIKey:           cfg.Credentials.APIKey,
			AccessToken:      cfg.Credentials.AccessToken,
			BaseURI:          cfg.BrokerBaseURI(),
			ClientID:         cfg.Broker.ClientID,
			Exchange:         models.Exchange(cfg.Broker.Exchange),
			Timeout:          cfg.Broker.Timeout,
			GracefulShutdown: cfg.Broker.GracefulShutdown,
			BarInterval:      cfg.MarketData.BarInterval,
		}, logger)
		if err != nil {
			return nil, multierr.Append(err, st.Close())
		}
		rt.client = kite
	}

	connCfg := connection.DefaultConfig()
	connCfg.CallTimeout = cfg.Broker.Timeout
	connCfg.ReconnectAttempts = cfg.Broker.ReconnectAttempts
	connCfg.Backoff.InitialDelay = cfg.Broker.ReconnectBaseDelay
	rt.manager, err = connection.NewManager(rt.client, rt.breaker, connCfg, logger)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	validator, err := marketdata.NewValidator(marketdata.ValidatorConfig{
		MaxReasonablePrice: decimal.NewFromFloat(cfg.MarketData.MaxReasonablePrice),
		FutureTolerance:    cfg.MarketData.FutureTolerance(),
	})
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	rt.notifier = notify.New(cfg.Notifications)
	rt.engine, err = execution.NewEngine(execution.EngineConfig{
		Validator: validator,
		Router:    rt.manager,
		Registry:  execution.NewRegistry(),
		Store:     st,
		Notifier:  rt.notifier,
	}, logger)
	if err != nil {
		return nil, multierr.Append(err, st.Close())
	}

	if err := rt.loadPlans(ctx); err != nil {
		return nil, multierr.Append(err, st.Close())
	}
	return rt, nil
}

// loadPlans registers every active stored plan with the engine. Plans that
// fail to load are logged and skipped.
func (rt *runtime) loadPlans(ctx context.Context) error {
	plans, err := rt.store.GetPlans(ctx, store.PlanFilter{ActiveOnly: true})
	if err != nil {
		return err
	}

	loaded := 0
	for _, p := range plans {
		if err := rt.engine.AddPlan(p); err != nil {
			rt.logger.Error().Err(err).Str("plan", p.ID).Msg("Skipping plan")
			continue
		}
		loaded++
	}
	if loaded == 0 {
		return fmt.Errorf("no active plans in %s; add some with 'autotrader plans import'", rt.cfg.Store.Path)
	}
	return nil
}

func (rt *runtime) run(ctx context.Context, opts runOptions) error {
	if err := rt.manager.Connect(ctx); err != nil {
		if !errors.Is(err, apperrors.ErrCircuitOpen) {
			rt.reportError(ctx, err, "connect")
			return fmt.Errorf("connecting to broker: %w", err)
		}
		rt.logger.Warn().Time("retry_at", rt.breaker.RetryAt()).Msg("Circuit open, waiting for the broker session")
		if err := rt.manager.WaitConnected(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			rt.reportError(ctx, err, "connect")
			return fmt.Errorf("connecting to broker: %w", err)
		}
	}

	symbols := rt.engine.Symbols()
	if err := rt.manager.Subscribe(ctx, symbols); err != nil {
		rt.reportError(ctx, err, "subscribe")
		return fmt.Errorf("subscribing to %v: %w", symbols, err)
	}
	rt.logger.Info().Strs("symbols", symbols).Bool("paper", rt.paper != nil).Msg("Trading started")

	if opts.replay != "" {
		return rt.replay(ctx, opts)
	}
	return rt.live(ctx, opts)
}

// replay evaluates bars synchronously so paper fills use the bar being
// evaluated.
func (rt *runtime) replay(ctx context.Context, opts runOptions) error {
	tf, ok := models.TimeframeFor(rt.cfg.MarketData.BarInterval)
	if !ok {
		tf = models.Timeframe1Min
	}
	bars, err := broker.LoadBarsCSV(opts.replay, tf)
	if err != nil {
		return err
	}

	rt.client.OnBar(func(bar models.BarData) {
		// Dropped bars are logged by the engine.
		_ = rt.engine.HandleBar(ctx, bar)
	})

	rt.logger.Info().Str("file", opts.replay).Int("bars", len(bars)).Msg("Replaying bars")
	if err := rt.paper.Replay(ctx, bars, opts.pace); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (rt *runtime) live(ctx context.Context, opts runOptions) error {
	bars := make(chan models.BarData, 1024)
	rt.client.OnBar(func(bar models.BarData) {
		select {
		case bars <- bar:
		default:
			rt.logger.Warn().Str("symbol", bar.Symbol).Time("bar_time", bar.Timestamp).Msg("Bar queue full, dropping bar")
		}
	})
	rt.client.OnError(func(err error) {
		rt.logger.Warn().Err(err).Msg("Broker stream error")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.engine.Run(gctx, bars)
	})
	if opts.healthInterval > 0 {
		g.Go(func() error {
			rt.monitorHealth(gctx, opts.healthInterval)
			return nil
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		rt.logger.Info().Msg("Shutdown requested")
		return nil
	}
	return err
}

func (rt *runtime) monitorHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := rt.manager.HealthCheck(ctx)
			event := rt.logger.Info()
			if !h.Healthy() {
				event = rt.logger.Warn()
			}
			event.Str("status", string(h.Status)).
				Dur("latency", h.Latency).
				Str("circuit", string(h.Circuit.State)).
				Msg(h.Message)
		}
	}
}

func (rt *runtime) reportError(ctx context.Context, err error, op string) {
	if nerr := rt.notifier.SendError(ctx, err, op); nerr != nil {
		rt.logger.Warn().Err(nerr).Msg("Failed to send error notification")
	}
}

// close disconnects and releases the store. It runs after ctx is cancelled,
// so it uses its own deadline.
func (rt *runtime) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.Broker.Timeout+5*time.Second)
	defer cancel()

	err := rt.manager.Disconnect(ctx)
	return multierr.Append(err, rt.store.Close())
}

func printRunSummary(output *Output, rt *runtime) {
	plans := rt.engine.Plans()
	stats := rt.manager.CircuitStats()

	if output.IsJSON() {
		_ = output.JSON(map[string]interface{}{
			"plans":   plans,
			"circuit": stats,
		})
		return
	}

	output.Println()
	output.Bold("Plans")
	renderPlans(output, plans)
	output.Println()
	output.Printf("Circuit %s: %d requests, %d failures, %d rejected\n",
		formatCircuitState(output, stats.State), stats.TotalRequests, stats.TotalFailures, stats.TotalRejected)
}
