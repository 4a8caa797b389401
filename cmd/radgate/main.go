package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/radgate/radgate/internal/archive"
	"github.com/radgate/radgate/internal/audit"
	"github.com/radgate/radgate/internal/broker"
	"github.com/radgate/radgate/internal/config"
	"github.com/radgate/radgate/internal/crosswalk"
	"github.com/radgate/radgate/internal/deid"
	"github.com/radgate/radgate/internal/dest"
	"github.com/radgate/radgate/internal/events"
	"github.com/radgate/radgate/internal/forward"
	radhttp "github.com/radgate/radgate/internal/http"
	"github.com/radgate/radgate/internal/metrics"
	"github.com/radgate/radgate/internal/receiver"
	"github.com/radgate/radgate/internal/script"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "maintenance":
		runMaintenance()
	case "audit":
		runAudit()
	case "check-script":
		runCheckScript()
	case "backup":
		runBackup()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: radgate <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve         Start the routing gateway")
	fmt.Println("  maintenance   Run archive retention cleanup and crosswalk backup pruning")
	fmt.Println("  audit         Re-run the de-identification audit for an archived study")
	fmt.Println("  check-script  Validate an anonymization script")
	fmt.Println("  backup        Take a crosswalk backup now")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --config <path>   Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func flagValue(args []string, name string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == name && i+1 < len(args) {
			return args[i+1]
		}
	}
	return ""
}

// firstFlag returns the value of the first flag in names that is present.
// Used where a flag has a legacy alias.
func firstFlag(args []string, names ...string) string {
	for _, name := range names {
		if v := flagValue(args, name); v != "" {
			return v
		}
	}
	return ""
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func brokerOptions(cfg config.BrokerConfig) broker.Options {
	return broker.Options{
		Scheme:           cfg.Scheme,
		Prefix:           cfg.Prefix,
		DateShiftEnabled: cfg.DateShift.Enabled,
		DateShiftMin:     cfg.DateShift.MinDays,
		DateShiftMax:     cfg.DateShift.MaxDays,
		HashUIDs:         cfg.HashUIDs,
		CacheTTL:         time.Duration(cfg.CacheTTLSeconds) * time.Second,
		CacheSize:        cfg.MaxCacheSize,
		Script:           cfg.Script,
	}
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting radgate",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
		zap.Int("routes", len(cfg.Routes)),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Crosswalk store with its backup schedule.
	store, err := crosswalk.Open(cfg.Crosswalk.Path, logger.Named("crosswalk"))
	if err != nil {
		logger.Fatal("failed to open crosswalk", zap.Error(err))
	}
	defer store.Close()
	if _, err := store.Backup(ctx, crosswalk.TriggerStartup); err != nil {
		logger.Warn("startup crosswalk backup failed", zap.Error(err))
	} else if _, err := store.PruneBackups(cfg.Crosswalk.MaxBackups, cfg.Crosswalk.RetentionDays); err != nil {
		logger.Warn("crosswalk backup prune failed", zap.Error(err))
	}
	go store.RunBackupSchedule(ctx, cfg.Crosswalk.MaxBackups, cfg.Crosswalk.RetentionDays)

	// Script library.
	library, err := script.NewLibrary(cfg.Storage.ScriptsDir, logger.Named("scripts"))
	if err != nil {
		logger.Fatal("failed to open script library", zap.Error(err))
	}
	go library.Run(ctx)

	// Honest brokers.
	brokers := make(map[string]*broker.Broker, len(cfg.Brokers))
	for name, bc := range cfg.Brokers {
		b, err := broker.New(name, brokerOptions(bc), store, logger.Named("broker"))
		if err != nil {
			logger.Fatal("failed to build broker", zap.String("broker", name), zap.Error(err))
		}
		brokers[name] = b
	}

	// De-identification executor.
	checks := deid.Checks{
		UIDsChanged:       cfg.Verification.UIDsChanged,
		PatientIdentity:   cfg.Verification.PatientIdentity,
		DateShift:         cfg.Verification.DateShift,
		DateToleranceDays: cfg.Verification.DateToleranceDays,
	}
	executor := deid.NewExecutor(checks,
		int64(cfg.Verification.StreamThresholdMiB)<<20, logger.Named("deid"))

	archiver := archive.NewManager(cfg.Storage.BaseDir, logger.Named("archive"))

	// Destinations and health probing. No wire-protocol requester is
	// linked here; peer destinations report unavailable until one is.
	dests, err := dest.NewManager(cfg.Destinations, nil, logger.Named("dest"))
	if err != nil {
		logger.Fatal("failed to build destinations", zap.Error(err))
	}
	defer dests.Close()
	prober := dest.NewProber(dests,
		time.Duration(cfg.Health.CheckIntervalSeconds)*time.Second, logger.Named("health"))
	go prober.Run(ctx)

	publisher, err := events.NewPublisher(cfg.Events, cfg.Service.InstanceID, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to build event publisher", zap.Error(err))
	}
	defer publisher.Close()

	// One retry scheduler serves every route.
	retries := forward.NewScheduler()

	// One receive-and-forward pipeline per route.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); retries.Run(ctx) }()
	var listenerViews []radhttp.ListenerStatus
	for _, route := range cfg.Routes {
		route := route
		inbox, err := receiver.NewInbox(route.AETitle, cfg.Storage.BaseDir, logger.Named("inbox"))
		if err != nil {
			logger.Fatal("failed to build inbox", zap.String("route", route.AETitle), zap.Error(err))
		}
		defer inbox.Close()

		quiet := time.Duration(route.QuietPeriodSeconds) * time.Second
		watcher, err := receiver.NewWatcher(route.AETitle, inbox.IncomingDir(), quiet,
			inbox.CallingAE, logger.Named("watcher"))
		if err != nil {
			logger.Fatal("failed to build watcher", zap.String("route", route.AETitle), zap.Error(err))
		}

		listener, err := receiver.NewListener(route, inbox, logger.Named("listener"))
		if err != nil {
			logger.Fatal("failed to build listener", zap.String("route", route.AETitle), zap.Error(err))
		}
		listenerViews = append(listenerViews, listener)

		orch, err := forward.NewOrchestrator(route, forward.Deps{
			Inbox:    inbox,
			Watcher:  watcher,
			Dests:    dests,
			Prober:   prober,
			Brokers:  brokers,
			Scripts:  library,
			Executor: executor,
			Archiver: archiver,
			Store:    store,
			Events:   publisher,
			Retries:  retries,
		}, logger.Named("forward"))
		if err != nil {
			logger.Fatal("failed to build orchestrator", zap.String("route", route.AETitle), zap.Error(err))
		}

		wg.Add(3)
		go func() { defer wg.Done(); watcher.Run(ctx) }()
		go func() {
			defer wg.Done()
			if err := listener.Run(ctx); err != nil {
				logger.Error("listener stopped", zap.String("route", route.AETitle), zap.Error(err))
			}
		}()
		go func() { defer wg.Done(); orch.Run(ctx) }()

		logger.Info("route started",
			zap.String("ae_title", route.AETitle),
			zap.Int("port", route.Port),
			zap.Int("workers", route.WorkerThreads),
			zap.Duration("quiet_period", quiet),
		)
	}

	// Daily archive retention.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, route := range cfg.Routes {
					if _, err := archiver.Cleanup(route.AETitle, cfg.Retention.Days, cfg.Retention.Timezone); err != nil {
						logger.Error("archive retention failed",
							zap.String("route", route.AETitle), zap.Error(err))
					}
				}
			}
		}
	}()

	// HTTP server.
	httpServer := radhttp.NewServer(cfg.Service.HTTPListen, store, listenerViews, prober, logger.Named("http"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all routes and HTTP server started")

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown.
	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting HTTP traffic first.
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Cancel context to stop listeners, watchers, and workers.
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all routes stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("radgate stopped")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	archiver := archive.NewManager(cfg.Storage.BaseDir, logger.Named("archive"))
	for _, route := range cfg.Routes {
		removed, err := archiver.Cleanup(route.AETitle, cfg.Retention.Days, cfg.Retention.Timezone)
		if err != nil {
			logger.Fatal("archive retention failed", zap.String("route", route.AETitle), zap.Error(err))
		}
		logger.Info("archive retention complete",
			zap.String("route", route.AETitle), zap.Int("removed", removed))
	}

	store, err := crosswalk.Open(cfg.Crosswalk.Path, logger.Named("crosswalk"))
	if err != nil {
		logger.Fatal("failed to open crosswalk", zap.Error(err))
	}
	defer store.Close()
	pruned, err := store.PruneBackups(cfg.Crosswalk.MaxBackups, cfg.Crosswalk.RetentionDays)
	if err != nil {
		logger.Fatal("backup pruning failed", zap.Error(err))
	}
	logger.Info("maintenance complete", zap.Int("backups_pruned", pruned))
}

func runAudit() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	listenerAE := firstFlag(os.Args[2:], "--route", "--listener")
	studyUID := flagValue(os.Args[2:], "--study")
	if listenerAE == "" || studyUID == "" {
		fmt.Fprintln(os.Stderr, "audit requires --route <ae_title> and --study <study_uid>")
		os.Exit(1)
	}

	archiver := archive.NewManager(cfg.Storage.BaseDir, logger.Named("archive"))
	st, err := archiver.Locate(listenerAE, studyUID)
	if err != nil {
		logger.Fatal("study not found in archive",
			zap.String("listener", listenerAE), zap.String("study_uid", studyUID), zap.Error(err))
	}

	report, err := audit.Diff(st.OriginalDir(), st.AnonymizedDir(), nil)
	if err != nil {
		logger.Fatal("audit failed", zap.Error(err))
	}
	if err := report.WriteJSON(st.AuditReportPath()); err != nil {
		logger.Fatal("writing audit report", zap.Error(err))
	}

	logger.Info("audit complete",
		zap.String("study_uid", studyUID),
		zap.Int("files_compared", report.FilesCompared),
		zap.Int("non_conformant", report.NonConformantFiles),
		zap.Bool("fully_conformant", report.FullyConformant),
		zap.String("report", st.AuditReportPath()),
	)
	if !report.FullyConformant {
		os.Exit(1)
	}
}

func runCheckScript() {
	args := os.Args[2:]
	path := flagValue(args, "--file")
	name := flagValue(args, "--name")

	var content string
	switch {
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading script: %v\n", err)
			os.Exit(1)
		}
		content = string(data)
	case name != "":
		cfg, logger := loadConfig(args)
		defer logger.Sync()
		library, err := script.NewLibrary(cfg.Storage.ScriptsDir, logger)
		if err != nil {
			logger.Fatal("failed to open script library", zap.Error(err))
		}
		entry, ok := library.Get(name)
		if !ok {
			fmt.Fprintf(os.Stderr, "script %q not in library\n", name)
			os.Exit(1)
		}
		content = entry.Content
	default:
		fmt.Fprintln(os.Stderr, "check-script requires --file <path> or --name <script>")
		os.Exit(1)
	}

	if err := script.Validate(content); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	parsed, _ := script.Parse(content)
	fmt.Printf("ok: %d operations\n", len(parsed.Ops))
}

func runBackup() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	store, err := crosswalk.Open(cfg.Crosswalk.Path, logger.Named("crosswalk"))
	if err != nil {
		logger.Fatal("failed to open crosswalk", zap.Error(err))
	}
	defer store.Close()

	if restorePath := flagValue(os.Args[2:], "--restore"); restorePath != "" {
		if err := store.Restore(context.Background(), restorePath); err != nil {
			logger.Fatal("restore failed", zap.String("backup", restorePath), zap.Error(err))
		}
		logger.Info("restore complete", zap.String("backup", restorePath))
		return
	}

	info, err := store.Backup(context.Background(), "manual")
	if err != nil {
		logger.Fatal("backup failed", zap.Error(err))
	}
	pruned, err := store.PruneBackups(cfg.Crosswalk.MaxBackups, cfg.Crosswalk.RetentionDays)
	if err != nil {
		logger.Fatal("backup pruning failed", zap.Error(err))
	}
	logger.Info("backup complete",
		zap.String("path", info.Path),
		zap.Int64("bytes", info.SizeBytes),
		zap.Int("pruned", pruned),
	)
}
