package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"xray-console/internal/config"
	"xray-console/internal/emergency"
	"xray-console/internal/engine"
	"xray-console/internal/event"
	"xray-console/internal/handlers"
	"xray-console/internal/journal"
	"xray-console/internal/limits"
	"xray-console/internal/logging"
	"xray-console/internal/recovery"
	"xray-console/internal/report"
	"xray-console/internal/safety"
	"xray-console/internal/study"
	"xray-console/internal/web"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	jnl, err := journal.Open(cfg.JournalPath)
	if err != nil {
		logger.Fatal("opening workflow journal failed", zap.Error(err))
	}
	defer jnl.Close()

	// The engine never assumes Idle on restart: its startup state comes from
	// the journal's last committed entry.
	initial, err := engine.RecoveredState(jnl)
	if err != nil {
		logger.Fatal("recovering workflow state failed", zap.Error(err))
	}

	hub := web.NewHub(logger)
	go hub.Run()
	tracker := web.NewStateTracker(hub)
	tracker.SetCurrentState(initial)

	bus := event.NewBus()
	handlers.Register(bus, tracker, logger)

	eng := engine.New(engine.NewTable(), jnl, bus, initial, logger)

	hardware := newHardwareProvider(cfg, logger)
	verifier := safety.NewVerifier(hardware, cfg.InterlockTimeout(), logger)
	reporter := report.NewSimReporter(logger)
	dose := report.NewSimDoseProvider()
	validator := limits.NewValidator(cfg.DeviceLimits)
	retakes := study.NewCoordinator(cfg.MaxRetakesPerStudy, logger)

	collector := engine.NewCollector(verifier, hardware, reporter, dose, validator, retakes, logger)
	recoverySvc := recovery.NewService(jnl, logger)
	emergencySvc := emergency.NewCoordinator(eng, bus, logger)

	srv := newServer(eng, collector, tracker, hub, recoverySvc, emergencySvc, retakes, logger)

	recReport, err := recoverySvc.Classify()
	if err != nil {
		logger.Fatal("classifying prior session failed", zap.Error(err))
	}
	if recReport.Session == recovery.SessionIncomplete {
		logger.Warn("prior session interrupted, operator decision required before workflow resumes",
			zap.String("last_state", string(recReport.LastState)),
			zap.Bool("safety_critical", recReport.SafetyCritical))
	}

	logger.Info("workflow safety engine started",
		zap.String("state", string(initial)),
		zap.String("listen_addr", cfg.ListenAddr),
		zap.String("journal", cfg.JournalPath))

	go func() {
		if err := http.ListenAndServe(cfg.ListenAddr, srv.routes()); err != nil {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	waitForShutdown(logger)
}

// newHardwareProvider selects the remote cabinet gateway when configured and
// the in-process simulator otherwise.
func newHardwareProvider(cfg *config.Config, logger *zap.Logger) safety.HardwareSafety {
	if cfg.HardwareEndpoint != "" {
		return safety.NewRemoteProvider(cfg.HardwareEndpoint, logger)
	}
	logger.Warn("no hardware endpoint configured, using interlock simulator")
	return safety.NewSimProvider()
}

func waitForShutdown(logger *zap.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutdown signal received, stopping")
}
