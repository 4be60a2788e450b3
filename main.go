package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	config "switchboard/app/configs"
	"switchboard/app/core/interaction/email"
	"switchboard/app/core/interaction/gateway"
	"switchboard/app/core/interaction/http"
	"switchboard/app/core/interaction/sms"
	"switchboard/app/core/interaction/telegram"
	"switchboard/app/core/orchestrator/db"
	"switchboard/app/core/orchestrator/execlog"
	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/core/orchestrator/runner"
	"switchboard/app/core/orchestrator/switchboard"
	"switchboard/app/core/orchestrator/task"
	"switchboard/app/core/queue"
	"switchboard/app/core/runtime"
	"switchboard/app/core/scheduler"
	"switchboard/app/pkg/logger"
)

func main() {
	if err := config.LoadEnv(); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	secrets := config.LoadSecrets()

	cfgManager, err := config.NewManager(config.DefaultPath())
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg := cfgManager.Get()

	if err := logger.Init(cfg.Runtime.LogDir, logger.ParseLevel(cfg.Runtime.LogLevel)); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Close()
	logger.Info("Switchboard starting...")
	logger.Debug("Config loaded from %s (oracle=%s model=%s)", config.DefaultPath(), cfg.Oracle.Provider, cfg.Oracle.Model)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runtime.RunPreflight(ctx, cfg, secrets); err != nil {
		logger.Error("Preflight failed: %v", err)
		os.Exit(1)
	}
	execlog.SetDir(cfg.Oracle.LogDir)

	database, err := db.NewSQLiteDB(cfg.Runtime.DataDir)
	if err != nil {
		logger.Error("Failed to initialize DB: %v", err)
		os.Exit(1)
	}
	defer database.Close()
	logger.Info("Database initialized at %s", database.Path())

	taskStore := task.NewStore(database)

	client, err := oracle.NewClient(ctx, oracle.FactoryConfig{
		Provider:    cfg.Oracle.Provider,
		Model:       cfg.Oracle.Model,
		BaseURL:     cfg.Oracle.BaseURL,
		Temperature: cfg.Oracle.Temperature,
		MaxRetries:  cfg.Oracle.MaxRetries,
		ExecCommand: cfg.Oracle.ExecCommand,
		ExecTimeout: time.Duration(cfg.Oracle.TimeoutSec) * time.Second,
	}, oracle.Credentials{
		OpenAIKey: secrets.OpenAIAPIKey,
		GoogleKey: secrets.GoogleAPIKey,
	})
	if err != nil {
		logger.Error("Failed to initialize oracle: %v", err)
		os.Exit(1)
	}
	decider := oracle.New(client)
	if !decider.Available() {
		logger.Warn("Oracle provider %q disabled; unmatched messages will be flagged for review", cfg.Oracle.Provider)
	}

	router := switchboard.NewRouter(decider, switchboard.Options{
		RecencyWindow: time.Duration(cfg.Router.RecencyWindowMin) * time.Minute,
		PlanExcerpt:   cfg.Router.PlanExcerptChars,
		SnippetLength: cfg.Router.SnippetChars,
	})

	gw := gateway.NewGateway(nil)
	orch := runner.New(taskStore, router, decider, gw, gw, runner.Options{
		Policy: runner.Policy{
			MaxSpendWithoutApproval: cfg.Policy.MaxSpendWithoutApproval,
			MaxMessagesPerHour:      cfg.Policy.MaxMessagesPerHour,
			RequireApprovalFor:      cfg.Policy.RequireApprovalFor,
			StaleHours:              cfg.Policy.StaleHours,
			MaxDurationDays:         cfg.Policy.MaxDurationDays,
		},
		Iterations: runner.IterationLimits{
			PerWindow: cfg.Runner.IterationsPerWindow,
			Window:    time.Duration(cfg.Runner.IterationWindowMin) * time.Minute,
			PerDay:    cfg.Runner.IterationsPerDay,
		},
		MaxStepsPerRun:      cfg.Runner.MaxStepsPerRun,
		MessageHistory:      cfg.Runner.MessageHistory,
		ContextResetTokens:  cfg.Runner.ContextResetTokens,
		CatchUpPersonality:  cfg.Runner.CatchUpPersonality,
		CatchUpPhrases:      catchUpPhrases(cfg.Runner.CatchUpPhrases),
		OperatorIdentifiers: cfg.Runner.OperatorIdentifiers,
		Scripts: runner.ShellScriptRunner{
			Interpreter: cfg.Runner.ScriptInterpreter,
			Timeout:     time.Duration(cfg.Runner.ScriptTimeoutSec) * time.Second,
			OutputLimit: cfg.Runner.ScriptOutputLimit,
			WorkDir:     cfg.Runner.ScriptWorkDir,
		},
	})
	gw.SetHandler(orch)
	gw.SetDebounce(time.Duration(cfg.Runtime.DebounceMs) * time.Millisecond)
	gw.SetNotifyTarget(cfg.Notify.Channel, cfg.Notify.Recipient)

	tracer, err := gateway.NewTraceRecorder(cfg.Runtime.TraceDir)
	if err != nil {
		logger.Warn("Gateway trace disabled: %v", err)
	} else {
		gw.SetTraceRecorder(tracer)
	}

	// The queue outlives ctx so shutdown can drain accepted events.
	execQueue := queue.New(cfg.Runtime.Queue.Buffer)
	if err := execQueue.Start(context.Background(), cfg.Runtime.Queue.Workers); err != nil {
		logger.Error("Failed to start execution queue: %v", err)
		os.Exit(1)
	}
	gw.SetExecutionQueue(execQueue, gateway.QueueOptions{
		Enabled:        true,
		EnqueueTimeout: time.Duration(cfg.Runtime.Queue.EnqueueTimeoutSec) * time.Second,
		AttemptTimeout: time.Duration(cfg.Runtime.Queue.AttemptTimeoutSec) * time.Second,
		MaxRetries:     cfg.Runtime.Queue.MaxRetries,
		RetryDelay:     200 * time.Millisecond,
	})

	adminServer := http.NewServer(cfg.HTTP.Port, taskStore, orch)

	if cfg.Channels.Telegram.Enabled {
		gw.RegisterChannel(telegram.NewChannel(telegram.Config{
			BotToken:        secrets.TelegramBotToken,
			TimeoutSeconds:  cfg.Channels.Telegram.PollTimeoutSec,
			APIRoot:         cfg.Channels.Telegram.APIBaseURL,
			OperatorUserIDs: cfg.Channels.Telegram.OperatorUserIDs,
			OperatorChatID:  cfg.Channels.Telegram.OperatorChatID,
		}))
	}
	if cfg.Channels.SMS.Enabled {
		smsChannel := sms.NewChannel(sms.Config{
			APIKey:     secrets.TelnyxAPIKey,
			APIBaseURL: cfg.Channels.SMS.APIBaseURL,
			FromNumber: cfg.Channels.SMS.FromNumber,
			Directory:  cfg.Channels.SMS.Directory,
		})
		gw.RegisterChannel(smsChannel)
		adminServer.Mount(cfg.Channels.SMS.WebhookPath, smsChannel)
	}
	if cfg.Channels.Email.Enabled {
		emailChannel := email.NewChannel(email.Config{
			SMTPHost: cfg.Channels.Email.SMTPHost,
			SMTPPort: cfg.Channels.Email.SMTPPort,
			Username: cfg.Channels.Email.Username,
			Password: secrets.SMTPPassword,
			From:     cfg.Channels.Email.From,
		})
		gw.RegisterChannel(emailChannel)
		adminServer.Mount(cfg.Channels.Email.WebhookPath, emailChannel)
	}

	jobScheduler := scheduler.New()
	if err := runtime.RegisterPolicyJobs(jobScheduler, orch, runtime.PolicyJobOptions{
		Enabled:       true,
		SweepInterval: time.Duration(cfg.Runtime.Jobs.SweepIntervalSec) * time.Second,
		SweepTimeout:  time.Duration(cfg.Runtime.Jobs.SweepTimeoutSec) * time.Second,
		WakeInterval:  time.Duration(cfg.Runtime.Jobs.WakeIntervalSec) * time.Second,
		WakeTimeout:   time.Duration(cfg.Runtime.Jobs.WakeTimeoutSec) * time.Second,
		RunOnStart:    true,
	}); err != nil {
		logger.Error("Failed to register policy jobs: %v", err)
		os.Exit(1)
	}
	if err := runtime.RegisterMaintenanceJobs(jobScheduler, runtime.MaintenanceOptions{
		Enabled:       cfg.Runtime.Maintenance.Enabled,
		PruneInterval: time.Duration(cfg.Runtime.Maintenance.PruneIntervalSec) * time.Second,
		RetentionDays: cfg.Runtime.Maintenance.RetentionDays,
		Dirs:          []string{cfg.Oracle.LogDir, cfg.Runtime.TraceDir},
	}); err != nil {
		logger.Error("Failed to register maintenance jobs: %v", err)
		os.Exit(1)
	}

	statusCollector := &runtime.StatusCollector{
		Gateway:           gw,
		Scheduler:         jobScheduler,
		Queue:             execQueue,
		TaskStore:         taskStore,
		Violations:        orch,
		OracleLogBasePath: cfg.Oracle.LogDir,
	}
	adminServer.SetStatusProvider(statusCollector.Snapshot)
	adminServer.SetJobRunner(jobScheduler)
	if tracer != nil {
		adminServer.SetTraceReader(tracer)
	}

	if err := jobScheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler: %v", err)
		os.Exit(1)
	}

	go func() {
		if err := gw.Start(ctx); err != nil {
			logger.Error("Gateway crashed: %v", err)
			cancel()
		}
	}()
	go func() {
		if err := adminServer.Start(ctx); err != nil {
			logger.Error("Admin server crashed: %v", err)
			cancel()
		}
	}()

	logger.Info("Switchboard is ready. Channels: %s", strings.Join(gw.HealthStatus().RegisteredChannels, ", "))
	fmt.Printf("- Admin API: http://localhost:%d/api/status\n", cfg.HTTP.Port)
	fmt.Printf("- Database:  %s\n", filepath.Clean(database.Path()))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info("Received signal: %v. Switchboard shutting down...", sig)
	case <-ctx.Done():
		logger.Warn("Shutting down after component failure")
	}
	cancel()

	if err := jobScheduler.Stop(5 * time.Second); err != nil {
		logger.Error("Scheduler shutdown timeout: %v", err)
	}
	report, err := execQueue.StopWithReport(10 * time.Second)
	logger.Info("Queue drained %d jobs in %s", report.DrainedJobs, report.Elapsed)
	if err != nil {
		logger.Error("Queue shutdown: %v (remaining=%d in_flight=%d)", err, report.RemainingDepth, report.RemainingFlight)
	}
}

func catchUpPhrases(items []config.PhraseConfig) []runner.Phrase {
	if len(items) == 0 {
		return nil
	}
	out := make([]runner.Phrase, 0, len(items))
	for _, item := range items {
		out = append(out, runner.Phrase{Text: item.Text, Weight: item.Weight})
	}
	return out
}
