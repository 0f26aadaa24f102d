// Command leverage-worker is the KRX automated-trading-worker process
// (spec.md §4.10): it loads configuration, opens the market-data and
// trading SQLite stores, wires every component built under internal/ and
// pkg/, then runs the Lifecycle Controller until SIGINT/SIGTERM. Grounded
// on the teacher's root main.go composition-root shape (one function,
// every service constructed and wired in dependency order, a final
// blocking signal.Notify select) generalized from the teacher's
// Binance/multi-exchange wiring to this worker's KRX single-broker,
// single-account wiring.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"leverage-worker/internal/audit"
	"leverage-worker/internal/clock"
	"leverage-worker/internal/events"
	"leverage-worker/internal/exitmonitor"
	"leverage-worker/internal/gateway"
	"leverage-worker/internal/indicators"
	"leverage-worker/internal/lifecycle"
	"leverage-worker/internal/order"
	"leverage-worker/internal/position"
	"leverage-worker/internal/pricestore"
	"leverage-worker/internal/scalping"
	"leverage-worker/internal/scheduler"
	"leverage-worker/internal/session"
	"leverage-worker/internal/strategy"
	"leverage-worker/internal/stream"
	"leverage-worker/pkg/config"
	"leverage-worker/pkg/db"
	"leverage-worker/pkg/health"
	"leverage-worker/pkg/i18n"
)

// debugEnabled gates verbose log lines, set once at startup from --debug /
// the DEBUG env var (SPEC_FULL.md §10.1: a package-level flag rather than a
// leveled-logging dependency, mirroring the teacher's DryRun/Debug style).
var debugEnabled bool

func debugf(format string, args ...any) {
	if debugEnabled {
		log.Printf("[debug] "+format, args...)
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "paper", "broker mode: paper or live")
	configPath := flag.String("config", "", "path to trading_config.yaml (default $HOME/.leverage_worker/trading_config.yaml)")
	credentialsPath := flag.String("credentials", "", "path to credentials.yaml (default $HOME/.leverage_worker/credentials.yaml)")
	debug := flag.Bool("debug", false, "enable verbose logging")
	korean := flag.Bool("ko", false, "log messages in Korean instead of English")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[leverage-worker] ")
	if *korean {
		i18n.SetLanguage(i18n.LangKO)
	}

	if *mode != "paper" && *mode != "live" {
		log.Printf("invalid --mode %q: must be paper or live", *mode)
		return 1
	}

	envCfg, err := config.LoadEnv()
	if err != nil {
		log.Printf(i18n.Get("ConfigLoadFailed"), err)
		return 1
	}
	debugEnabled = *debug || envCfg.Debug

	if *configPath == "" {
		*configPath = filepath.Join(envCfg.HomeDir, "trading_config.yaml")
	}
	if *credentialsPath == "" {
		*credentialsPath = filepath.Join(envCfg.HomeDir, "credentials.yaml")
	}

	log.Printf(i18n.Get("Starting"), *mode)

	tradingCfg, err := config.LoadTradingConfig(*configPath)
	if err != nil {
		log.Printf(i18n.Get("ConfigLoadFailed"), err)
		return 1
	}
	creds, err := config.LoadCredentials(*credentialsPath)
	if err != nil {
		log.Printf(i18n.Get("ConfigLoadFailed"), err)
		return 1
	}
	log.Printf(i18n.Get("ConfigLoaded"), *configPath)
	log.Printf(i18n.Get("ModeSelected"), *mode)

	brokerCreds := creds.ForMode(*mode)
	gw := gateway.New(gateway.Mode(*mode), gateway.Credentials{
		AppKey:             brokerCreds.AppKey,
		AppSecret:          brokerCreds.AppSecret,
		AccountNumber:      brokerCreds.AccountNumber,
		AccountProductCode: brokerCreds.AccountProductCode,
	})

	marketDB, err := db.Open(envCfg.MarketDataDBPath)
	if err != nil {
		log.Printf(i18n.Get("DBInitFailed"), err)
		return 1
	}
	defer marketDB.Close()
	if err := db.ApplyMarketDataMigrations(marketDB); err != nil {
		log.Printf(i18n.Get("DBMigrationsFailed"), err)
		return 1
	}

	tradingDBPath := filepath.Join(envCfg.TradingDBDirPath, fmt.Sprintf("trading_%s.db", *mode))
	log.Printf(i18n.Get("UsingDBPath"), tradingDBPath)
	tradingDB, err := db.Open(tradingDBPath)
	if err != nil {
		log.Printf(i18n.Get("DBInitFailed"), err)
		return 1
	}
	defer tradingDB.Close()
	if err := db.ApplyTradingMigrations(tradingDB); err != nil {
		log.Printf(i18n.Get("DBMigrationsFailed"), err)
		return 1
	}

	auditLog := audit.New(tradingDB)
	sess := session.New(tradingDB)
	posMgr := position.New(tradingDB)
	priceStore := pricestore.New(marketDB)
	bus := events.NewBus()
	clk := clock.Real{}

	symbols := make([]string, 0, len(tradingCfg.Stocks))
	stockSchedules := make([]scheduler.StockSchedule, 0, len(tradingCfg.Stocks))
	needsStream := false
	for symbol, sc := range tradingCfg.Stocks {
		symbols = append(symbols, symbol)
		stockSchedules = append(stockSchedules, scheduler.StockSchedule{
			Symbol:          symbol,
			IntervalSeconds: tradingCfg.StockInterval(symbol),
			OffsetSeconds:   tradingCfg.StockOffset(symbol),
		})
		for _, st := range sc.Strategies {
			if st.ExecutionMode == "websocket" {
				needsStream = true
			}
		}
	}

	var realtimeStream *stream.Stream
	if needsStream {
		wsURL := os.Getenv("KRX_WS_URL")
		if wsURL == "" {
			wsURL = defaultWSURL(*mode)
		}
		realtimeStream = stream.New(stream.Config{
			WSURL:     wsURL,
			Session:   clock.Session{Start: tradingCfg.Schedule.TradingStart, End: tradingCfg.Schedule.TradingEnd},
			Clock:     clk,
			HTSUserID: creds.HTSUserID,
		}, bus)
	}

	// scalpingExecutors and exitMon are read by the onFill callback below,
	// so both are declared before ordersMgr so the closure can capture
	// them by reference and see the values filled in afterward.
	scalpingExecutors := make(map[string]*scalping.Executor)
	var exitMon *exitmonitor.Monitor
	var ordersMgr *order.Manager
	var exitTunablesMu sync.Mutex
	exitTunables := make(map[string]exitTunable) // keyed by symbol|strategy

	onFill := func(o order.ManagedOrder, delta int64, avgCost float64) {
		log.Printf(i18n.Get("OrderFilled"), o.OrderID, delta, o.FilledPrice)
		if o.Side != order.SideBuy || delta <= 0 {
			return
		}
		if ex, ok := scalpingExecutors[o.Symbol]; ok {
			ex.Activate(o.StrategyName, o.SignalPrice, clk.Now())
			return
		}
		if exitMon == nil {
			return
		}
		exitTunablesMu.Lock()
		tun, ok := exitTunables[o.Symbol+"|"+o.StrategyName]
		exitTunablesMu.Unlock()
		if !ok {
			tun = defaultExitTunable
		}
		exitMon.Register(exitmonitor.Registration{
			Symbol:            o.Symbol,
			Strategy:          o.StrategyName,
			AvgPrice:          avgCost,
			Qty:               o.FilledQty,
			EntryTime:         time.Unix(o.UpdatedAt, 0),
			TPPct:             tun.TPPct,
			SLPct:             tun.SLPct,
			MaxHoldingMinutes: tun.MaxHoldingMinutes,
		})
	}
	ordersMgr = order.New(gw, tradingDB, auditLog, sess.SessionID(), onFill)

	onExit := func(sig exitmonitor.ExitSignal) {
		log.Printf(i18n.Get("ExitSignalTriggered"), sig.Symbol, sig.Reason, sig.Qty)
		if _, err := ordersMgr.PlaceMarketSell(sig.Symbol, sig.Qty, sig.Strategy, string(sig.Reason)); err != nil {
			log.Printf(i18n.Get("OrderFailed"), sig.Symbol, err)
		}
		exitMon.Unregister(sig.Symbol)
	}
	exitMon = exitmonitor.New(realtimeStream, onExit)

	indicatorEngine := indicators.NewEngine(5, 20, 14, 60)
	registry := strategy.NewRegistry()
	registry.Register("sma_cross", strategy.NewSMACrossFactory())

	host := strategy.New(gw, priceStore, posMgr, ordersMgr, func(message string) {
		log.Printf("[notify] %s", message)
	})

	for symbol, sc := range tradingCfg.Stocks {
		for _, st := range sc.Strategies {
			if st.ExecutionMode == "websocket" {
				cfg := scalpingConfigFromParams(st.Params)
				executor := scalping.New(symbol, gw, cfg,
					func(sym string, from, to scalping.State, reason string) {
						log.Printf(i18n.Get("ScalpingTransition"), sym, from, to, reason)
						_ = auditLog.Append(audit.Record{
							Timestamp: time.Now().Unix(), EventType: audit.EventOrderSubmit,
							Module: "scalping", SessionID: sess.SessionID(), Symbol: sym,
							Status: string(to), Reason: reason,
						})
					},
					func(result scalping.Result) {
						debugf(i18n.Get("ScalpingCycleResult"), symbol, result)
						bus.Publish(events.EventScalpingTransition, result)
					},
				)
				scalpingExecutors[symbol] = executor
				if realtimeStream != nil {
					realtimeStream.Subscribe(symbol)
				}
				continue
			}

			impl, err := registry.Build(st.Name, st.Params, indicatorEngine)
			if err != nil {
				log.Printf("strategy %s for %s not built: %v", st.Name, symbol, err)
				continue
			}
			host.Attach(symbol, st.Name, impl)
			log.Printf(i18n.Get("StrategyAttached"), st.Name, symbol)

			tun := defaultExitTunable
			if v, ok := st.Params["tp_pct"].(float64); ok {
				tun.TPPct = v
			}
			if v, ok := st.Params["sl_pct"].(float64); ok {
				tun.SLPct = v
			}
			if v, ok := st.Params["max_holding_minutes"].(float64); ok {
				tun.MaxHoldingMinutes = int(v)
			}
			exitTunablesMu.Lock()
			exitTunables[symbol+"|"+st.Name] = tun
			exitTunablesMu.Unlock()
		}
	}

	sched := scheduler.New(clk, clock.Session{Start: tradingCfg.Schedule.TradingStart, End: tradingCfg.Schedule.TradingEnd}, stockSchedules)
	sched.OnStockTick(host.OnStockTick)
	sched.OnCheckFills(func() {
		if err := ordersMgr.CheckFills(posMgr); err != nil {
			log.Printf(i18n.Get("PositionSyncFailed"), err)
		}
	})
	sched.OnMarketOpen(func() { log.Printf("market open") })
	sched.OnMarketClose(func() { log.Printf("market close") })

	healthRegistry := health.NewRegistry()
	var healthServer *health.Server
	if envCfg.HealthPort != "" {
		healthServer = health.NewServer(healthRegistry, ":"+envCfg.HealthPort)
		log.Printf(i18n.Get("HealthServerListening"), envCfg.HealthPort)
	}

	tokenRefreshBefore := time.Duration(tradingCfg.Session.TokenRefreshHoursBefore) * time.Hour
	if tokenRefreshBefore <= 0 {
		tokenRefreshBefore = 8 * time.Hour
	}

	ctl := lifecycle.New(lifecycle.Deps{
		Gateway:            gw,
		Positions:          posMgr,
		Orders:             ordersMgr,
		Scheduler:          sched,
		Session:            sess,
		Audit:              auditLog,
		Health:             healthRegistry,
		Bus:                bus,
		PriceStore:         priceStore,
		TradingDB:          tradingDB,
		MarketDB:           marketDB,
		Symbols:            symbols,
		Clock:              clk,
		HealthServer:       healthServer,
		Stream:             realtimeStream,
		ExitMonitor:        exitMon,
		ScalpingExecutors:  scalpingExecutors,
		TokenRefreshBefore: tokenRefreshBefore,
		EmergencyStopPath:  lifecycle.DefaultEmergencyStopPath(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctl.Start(ctx); err != nil {
		log.Printf("startup failed: %v", err)
		return 1
	}

	var eodOnce sync.Once
	go runEODScheduler(ctx, clk, tradingCfg.Schedule.EODLiquidationTime, func() {
		eodOnce.Do(func() {
			log.Printf(i18n.Get("EODLiquidationStarted"), len(posMgr.GetAll()))
			report, err := ctl.RunEODLiquidation(ctx)
			if err != nil {
				log.Printf("EOD liquidation error: %v", err)
				return
			}
			log.Printf(i18n.Get("EODLiquidationComplete"), report.Filled, report.Partial, report.Failed)
		})
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	log.Printf(i18n.Get("ShuttingDown"))

	if err := ctl.Stop(); err != nil {
		log.Printf("shutdown error: %v", err)
		return 1
	}
	return 0
}

// defaultWSURL returns KIS's documented realtime-quote WebSocket endpoint
// for mode, used when KRX_WS_URL isn't set in the environment.
func defaultWSURL(mode string) string {
	if mode == "live" {
		return "ws://ops.koreainvestment.com:21000"
	}
	return "ws://ops.koreainvestment.com:31000"
}

// exitTunable holds the per-(symbol,strategy) TP/SL/timeout parameters
// fed into exitmonitor.Registration on buy fill.
type exitTunable struct {
	TPPct             float64
	SLPct             float64
	MaxHoldingMinutes int
}

var defaultExitTunable = exitTunable{TPPct: 0.02, SLPct: 0.015, MaxHoldingMinutes: 120}

// scalpingConfigFromParams overrides scalping.DefaultConfig() with any
// matching keys present in a strategy's YAML params, the same
// float64-assertion pattern strategy.NewSMACrossFactory uses for its own
// params.
func scalpingConfigFromParams(params map[string]interface{}) scalping.Config {
	cfg := scalping.DefaultConfig()
	if v, ok := params["tp_pct"].(float64); ok {
		cfg.TPPct = v
	}
	if v, ok := params["sl_pct"].(float64); ok {
		cfg.SLPct = v
	}
	if v, ok := params["timeout_minutes"].(float64); ok {
		cfg.TimeoutMinutes = int(v)
	}
	if v, ok := params["allocation"].(float64); ok {
		cfg.Allocation = v
	}
	if v, ok := params["max_cycles"].(float64); ok {
		cfg.MaxCycles = int(v)
	}
	if v, ok := params["cooldown_seconds"].(float64); ok {
		cfg.CooldownSeconds = int(v)
	}
	return cfg
}

// runEODScheduler polls every 30 seconds and fires onDue the first time now
// reads at or past eodTime on a given calendar day, mirroring the
// scheduler package's own date-guarded edge detection so later polls on the
// same day do not fire again. The date guard is held in memory only, so a
// process restarted after eodTime fires once more that day.
func runEODScheduler(ctx context.Context, clk clock.Clock, eodTime string, onDue func()) {
	if eodTime == "" {
		return
	}
	lastFiredDate := ""
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := clk.Now()
			today := now.Format("20060102")
			if today == lastFiredDate {
				continue
			}
			if now.Format("15:04") >= eodTime {
				lastFiredDate = today
				onDue()
			}
		}
	}
}
