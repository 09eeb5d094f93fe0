package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"grid-engine/internal/alert"
	"grid-engine/internal/backtest"
	"grid-engine/internal/config"
	"grid-engine/internal/core"
	"grid-engine/internal/engine"
	"grid-engine/internal/exchange/binance"
	"grid-engine/internal/grid"
	"grid-engine/internal/risk"
	"grid-engine/internal/safety"
	"grid-engine/internal/store"
	"grid-engine/internal/strategy"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	// Secrets come from the environment; a local .env is a convenience, not
	// a requirement.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err)
	}
	setupLogging(cfg.Observability.Runtime.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	alerter, closeAlerts, err := buildAlerter(cfg)
	if err != nil {
		fatal(err)
	}
	defer closeAlerts()

	switch cfg.Mode {
	case config.ModeBacktest:
		err = runBacktest(ctx, cfg, alerter)
	default:
		err = runLive(ctx, cfg, alerter)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, strategy.ErrHalted) {
			// Halting is a deliberate stop, not a crash, but the exit code
			// still flags it for the supervisor.
			os.Exit(2)
		}
		fatal(err)
	}
}

func runBacktest(ctx context.Context, cfg config.Config, alerter alert.Alerter) error {
	ticks, err := backtest.ReadTicksFile(cfg.Backtest.DataPath)
	if err != nil {
		return err
	}
	rules := core.Rules{
		MinQty:      cfg.Backtest.Rules.MinQty.Decimal,
		MinNotional: cfg.Backtest.Rules.MinNotional.Decimal,
		PriceTick:   cfg.Backtest.Rules.PriceTick.Decimal,
		QtyStep:     cfg.Backtest.Rules.QtyStep.Decimal,
	}
	sim := backtest.NewSimExchange(backtest.SimConfig{
		Symbol:       cfg.Symbol,
		Rules:        rules,
		FeeRate:      cfg.Backtest.FeeRate.Decimal,
		BaseBalance:  cfg.Backtest.InitialBase.Decimal,
		QuoteBalance: cfg.Backtest.InitialQuote.Decimal,
	})

	gridCore, err := strategy.NewGridCore(strategyConfig(cfg, rules), sim, nil, eventSink(alerter), alerter)
	if err != nil {
		return err
	}
	result, err := engine.NewBacktestRunner(gridCore, sim).Run(ctx, ticks)
	if err != nil {
		return err
	}
	printBacktestResult(result)
	return nil
}

func runLive(ctx context.Context, cfg config.Config, alerter alert.Alerter) error {
	stateDir := filepath.Join(cfg.State.Dir, strings.ToLower(string(cfg.Mode)), cfg.Symbol, cfg.InstanceID)
	st, err := store.New(stateDir)
	if err != nil {
		return err
	}
	lock, err := store.AcquireInstanceLock(stateDir, cfg.InstanceID)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			log.Warn().Str("event", "lock_release_failed").Err(relErr).Send()
		}
	}()

	client, err := binance.NewClient(binance.Options{
		APIKey:            cfg.Exchange.APIKey,
		APISecret:         cfg.Exchange.APISecret,
		RestBaseURL:       cfg.Exchange.RestBaseURL,
		WSBaseURL:         cfg.Exchange.WSBaseURL,
		Symbol:            cfg.Symbol,
		ClientOrderPrefix: cfg.Exchange.ClientOrderPrefix,
		RecvWindowMs:      cfg.Exchange.RecvWindowMs,
		HTTPTimeoutSec:    cfg.Exchange.HTTPTimeoutSec,
	})
	if err != nil {
		return err
	}
	rules, err := client.GetRules(ctx, cfg.Symbol)
	if err != nil {
		return fmt.Errorf("exchange rules: %w", err)
	}

	var executor strategy.OrderExecutor = client
	if cfg.CircuitBreaker.Enabled {
		breaker := safety.NewBreaker(safety.BreakerConfig{
			MaxConsecutiveFailures: cfg.CircuitBreaker.MaxConsecutiveFailures,
			FailureRate:            cfg.CircuitBreaker.FailureRate,
			MinSamples:             cfg.CircuitBreaker.MinSamples,
			Window:                 time.Duration(cfg.CircuitBreaker.WindowSec) * time.Second,
			Cooldown:               time.Duration(cfg.CircuitBreaker.CooldownSec) * time.Second,
		})
		executor = safety.NewGuardedExecutor(client, breaker)
	}

	gridCore, err := strategy.NewGridCore(strategyConfig(cfg, rules), executor, st, eventSink(alerter), alerter)
	if err != nil {
		return err
	}

	runner := engine.NewLiveRunner(engine.LiveConfig{
		Mode:           string(cfg.Mode),
		Symbol:         cfg.Symbol,
		InstanceID:     cfg.InstanceID,
		ResyncInterval: time.Duration(cfg.Observability.Runtime.ResyncIntervalSec) * time.Second,
		TickInterval:   time.Duration(cfg.Execution.TickIntervalMs) * time.Millisecond,
	}, client, binance.NewStream(client, cfg.Symbol), gridCore, st, alerter)
	return runner.Run(ctx)
}

func strategyConfig(cfg config.Config, rules core.Rules) strategy.Config {
	return strategy.Config{
		Symbol: cfg.Symbol,
		Grid: grid.Spec{
			Lower:        cfg.Grid.LowerPrice.Decimal,
			Upper:        cfg.Grid.UpperPrice.Decimal,
			Levels:       cfg.Grid.Levels,
			Spacing:      grid.Spacing(cfg.Grid.SpacingType),
			TotalCapital: cfg.Capital.Total.Decimal,
			ReserveRatio: cfg.Capital.ReserveRatio.Decimal,
		},
		Limits: risk.Limits{
			MaxPositions:   cfg.Risk.MaxPositions,
			StopLossPct:    cfg.Risk.StopLossPct.Decimal,
			TakeProfitPct:  cfg.Risk.TakeProfitPct.Decimal,
			MaxDrawdownPct: cfg.Risk.MaxDrawdownPct.Decimal,
		},
		Boundary:     strategy.BoundaryPolicy(cfg.Grid.BoundaryPolicy),
		Rules:        rules,
		PlaceRetries: cfg.Execution.PlaceRetries,
		RetryBackoff: time.Duration(cfg.Execution.RetryBackoffMs) * time.Millisecond,
	}
}

func buildAlerter(cfg config.Config) (alert.Alerter, func(), error) {
	tg := cfg.Observability.Telegram
	if !tg.Enabled {
		return alert.NopAlerter{}, func() {}, nil
	}
	notifier, err := alert.NewTelegramNotifier(tg.BotToken, tg.ChatID, cfg.InstanceID)
	if err != nil {
		return nil, nil, err
	}
	manager := alert.NewManager(notifier, alert.Options{})
	return manager, manager.Close, nil
}

// eventSink fans strategy events out to the structured log and, for events
// an operator should act on, the alerter.
func eventSink(alerter alert.Alerter) strategy.Sink {
	return strategy.MultiSink{logSink(), alertSink(alerter)}
}

// logSink mirrors strategy events into the structured log.
func logSink() strategy.Sink {
	return strategy.SinkFunc(func(ev strategy.Event) {
		log.Info().Str("event", string(ev.Type)).
			Str("symbol", ev.Symbol).Int("level", ev.LevelIndex).
			Str("side", string(ev.Side)).Str("price", ev.Price.String()).
			Str("qty", ev.Qty.String()).Str("order_id", ev.OrderID).
			Str("reason", ev.Reason).Send()
	})
}

func alertSink(alerter alert.Alerter) strategy.Sink {
	return strategy.SinkFunc(func(ev strategy.Event) {
		switch ev.Type {
		case strategy.EventRiskBlocked:
			alerter.Alert(alert.SeverityWarning, "order blocked by risk gate",
				fmt.Sprintf("%s level %d %s: %s", ev.Symbol, ev.LevelIndex, ev.Side, ev.Reason))
		case strategy.EventBoundaryExhausted:
			alerter.Alert(alert.SeverityInfo, "grid boundary exhausted",
				fmt.Sprintf("%s level %d %s at %s", ev.Symbol, ev.LevelIndex, ev.Side, ev.Price))
		case strategy.EventDropped:
			alerter.Alert(alert.SeverityWarning, "fill dropped",
				fmt.Sprintf("%s order %s: %s", ev.Symbol, ev.OrderID, ev.Reason))
		}
	})
}

func setupLogging(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	log.Logger = zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func printBacktestResult(result engine.BacktestResult) {
	fmt.Printf("ticks:          %d\n", result.Ticks)
	fmt.Printf("trades:         %d (buy %d / sell %d)\n", result.Trades, result.BuyFills, result.SellFills)
	fmt.Printf("realized pnl:   %s\n", result.RealizedPnl.StringFixed(8))
	fmt.Printf("unrealized pnl: %s\n", result.UnrealizedPnl.StringFixed(8))
	fmt.Printf("end equity:     %s\n", result.EndEquity.StringFixed(8))
	fmt.Printf("max drawdown:   %s\n", result.MaxDrawdown.StringFixed(6))
	fmt.Printf("fees paid:      %s\n", result.FeesPaid.StringFixed(8))
	if result.Halted {
		fmt.Printf("halted:         %s\n", result.HaltReason)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "gridbot: %v\n", err)
	os.Exit(1)
}
