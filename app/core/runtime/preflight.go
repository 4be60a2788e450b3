package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	config "switchboard/app/configs"
	"switchboard/app/core/orchestrator/oracle"
	"switchboard/app/pkg/cmdutil"
)

// RunPreflight checks everything that would otherwise fail minutes into a run:
// config ranges, a writable data dir, oracle credentials or binary, channel secrets.
func RunPreflight(ctx context.Context, cfg config.Config, secrets config.Secrets) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := checkSQLiteWritable(cfg.Runtime.DataDir); err != nil {
		return fmt.Errorf("sqlite check failed: %w", err)
	}
	if err := checkOracle(cfg.Oracle, secrets); err != nil {
		return fmt.Errorf("oracle check failed: %w", err)
	}
	if err := checkChannels(cfg, secrets); err != nil {
		return fmt.Errorf("channel check failed: %w", err)
	}
	return ctx.Err()
}

func ValidateConfig(cfg config.Config) error {
	if cfg.Policy.MaxSpendWithoutApproval <= 0 {
		return fmt.Errorf("policy.max_spend_without_approval must be > 0")
	}
	if cfg.Policy.MaxMessagesPerHour <= 0 {
		return fmt.Errorf("policy.max_messages_per_hour must be > 0")
	}
	if cfg.Policy.StaleHours <= 0 {
		return fmt.Errorf("policy.stale_hours must be > 0")
	}
	if cfg.Policy.MaxDurationDays <= 0 {
		return fmt.Errorf("policy.max_duration_days must be > 0")
	}
	if len(cfg.Runner.ScriptInterpreter) == 0 || strings.TrimSpace(cfg.Runner.ScriptInterpreter[0]) == "" {
		return fmt.Errorf("runner.script_interpreter is required")
	}
	if cfg.Runner.ScriptTimeoutSec <= 0 {
		return fmt.Errorf("runner.script_timeout_sec must be > 0")
	}
	if cfg.Runner.MaxStepsPerRun <= 0 {
		return fmt.Errorf("runner.max_steps_per_run must be > 0")
	}
	for _, phrase := range cfg.Runner.CatchUpPhrases {
		if strings.TrimSpace(phrase.Text) == "" {
			return fmt.Errorf("runner.catch_up_phrases entries need text")
		}
		if phrase.Weight < 0 {
			return fmt.Errorf("runner.catch_up_phrases weight must be >= 0")
		}
	}
	switch cfg.Oracle.Provider {
	case oracle.ProviderOpenAI, oracle.ProviderGemini, oracle.ProviderExec, oracle.ProviderNone:
	default:
		return fmt.Errorf("oracle.provider is invalid: %s", cfg.Oracle.Provider)
	}
	if cfg.Oracle.Temperature < 0 || cfg.Oracle.Temperature > 2 {
		return fmt.Errorf("oracle.temperature must be in [0,2]")
	}
	if cfg.Runtime.Queue.Workers <= 0 {
		return fmt.Errorf("runtime.queue.workers must be > 0")
	}
	if cfg.Runtime.Queue.Buffer <= 0 {
		return fmt.Errorf("runtime.queue.buffer must be > 0")
	}
	if cfg.Runtime.DebounceMs < 0 {
		return fmt.Errorf("runtime.debounce_ms must be >= 0")
	}
	if cfg.Runtime.Maintenance.Enabled && cfg.Runtime.Maintenance.RetentionDays <= 0 {
		return fmt.Errorf("runtime.maintenance.retention_days must be > 0 when maintenance enabled")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in [1,65535]")
	}
	if cfg.Channels.SMS.Enabled && cfg.Channels.SMS.WebhookPath == cfg.Channels.Email.WebhookPath && cfg.Channels.Email.Enabled {
		return fmt.Errorf("channels.sms.webhook_path and channels.email.webhook_path must differ")
	}
	switch cfg.Notify.Channel {
	case "telegram", "sms", "email":
	default:
		return fmt.Errorf("notify.channel is invalid: %s", cfg.Notify.Channel)
	}
	return nil
}

func checkOracle(cfg config.OracleConfig, secrets config.Secrets) error {
	switch cfg.Provider {
	case oracle.ProviderOpenAI:
		if secrets.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required for provider %s", cfg.Provider)
		}
	case oracle.ProviderGemini:
		if secrets.GoogleAPIKey == "" {
			return fmt.Errorf("GOOGLE_API_KEY is required for provider %s", cfg.Provider)
		}
	case oracle.ProviderExec:
		if len(cfg.ExecCommand) == 0 {
			return fmt.Errorf("oracle.exec_command is required for provider %s", cfg.Provider)
		}
		return cmdutil.RequireExecutable(oracle.NormalizeExecutorName(cfg.ExecCommand[0]))
	}
	return nil
}

func checkChannels(cfg config.Config, secrets config.Secrets) error {
	if cfg.Channels.Telegram.Enabled && secrets.TelegramBotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required when telegram is enabled")
	}
	if cfg.Channels.SMS.Enabled {
		if secrets.TelnyxAPIKey == "" {
			return fmt.Errorf("TELNYX_API_KEY is required when sms is enabled")
		}
		if strings.TrimSpace(cfg.Channels.SMS.FromNumber) == "" {
			return fmt.Errorf("channels.sms.from_number is required when sms is enabled")
		}
	}
	if cfg.Channels.Email.Enabled {
		if strings.TrimSpace(cfg.Channels.Email.SMTPHost) == "" || strings.TrimSpace(cfg.Channels.Email.From) == "" {
			return fmt.Errorf("channels.email.smtp_host and channels.email.from are required when email is enabled")
		}
	}
	return nil
}

func checkSQLiteWritable(dataDir string) error {
	dir := strings.TrimSpace(dataDir)
	if dir == "" {
		return fmt.Errorf("data dir is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	checkPath := filepath.Join(dir, ".switchboard-preflight-write-check")
	f, err := os.OpenFile(checkPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString("ok\n"); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Remove(checkPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
