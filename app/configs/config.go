package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type Config struct {
	Policy   PolicyConfig   `json:"policy"`
	Router   RouterConfig   `json:"router"`
	Runner   RunnerConfig   `json:"runner"`
	Oracle   OracleConfig   `json:"oracle"`
	Runtime  RuntimeConfig  `json:"runtime"`
	Channels ChannelsConfig `json:"channels"`
	Notify   NotifyConfig   `json:"notify"`
	HTTP     HTTPConfig     `json:"http"`
}

type PolicyConfig struct {
	MaxSpendWithoutApproval float64  `json:"max_spend_without_approval"`
	MaxMessagesPerHour      int      `json:"max_messages_per_hour"`
	RequireApprovalFor      []string `json:"require_approval_for"`
	StaleHours              int      `json:"stale_hours"`
	MaxDurationDays         int      `json:"max_duration_days"`
}

type RouterConfig struct {
	RecencyWindowMin int `json:"recency_window_min"`
	PlanExcerptChars int `json:"plan_excerpt_chars"`
	SnippetChars     int `json:"snippet_chars"`
}

type PhraseConfig struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type RunnerConfig struct {
	ScriptInterpreter   []string       `json:"script_interpreter"`
	ScriptTimeoutSec    int            `json:"script_timeout_sec"`
	ScriptOutputLimit   int            `json:"script_output_limit"`
	ScriptWorkDir       string         `json:"script_work_dir"`
	MaxStepsPerRun      int            `json:"max_steps_per_run"`
	MessageHistory      int            `json:"message_history"`
	ContextResetTokens  int64          `json:"context_reset_tokens"`
	IterationsPerWindow int            `json:"iterations_per_window"`
	IterationWindowMin  int            `json:"iteration_window_min"`
	IterationsPerDay    int            `json:"iterations_per_day"`
	CatchUpPersonality  string         `json:"catch_up_personality"`
	CatchUpPhrases      []PhraseConfig `json:"catch_up_phrases,omitempty"`
	OperatorIdentifiers []string       `json:"operator_identifiers"`
}

type OracleConfig struct {
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	BaseURL     string   `json:"base_url,omitempty"`
	Temperature float64  `json:"temperature"`
	MaxRetries  int      `json:"max_retries"`
	ExecCommand []string `json:"exec_command,omitempty"`
	TimeoutSec  int      `json:"timeout_sec"`
	LogDir      string   `json:"log_dir"`
}

type RuntimeConfig struct {
	DataDir     string            `json:"data_dir"`
	LogDir      string            `json:"log_dir"`
	LogLevel    string            `json:"log_level"`
	TraceDir    string            `json:"trace_dir"`
	DebounceMs  int               `json:"debounce_ms"`
	Queue       QueueConfig       `json:"queue"`
	Jobs        JobsConfig        `json:"jobs"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type QueueConfig struct {
	Workers           int `json:"workers"`
	Buffer            int `json:"buffer"`
	EnqueueTimeoutSec int `json:"enqueue_timeout_sec"`
	AttemptTimeoutSec int `json:"attempt_timeout_sec"`
	MaxRetries        int `json:"max_retries"`
}

type JobsConfig struct {
	SweepIntervalSec int `json:"sweep_interval_sec"`
	SweepTimeoutSec  int `json:"sweep_timeout_sec"`
	WakeIntervalSec  int `json:"wake_interval_sec"`
	WakeTimeoutSec   int `json:"wake_timeout_sec"`
}

type MaintenanceConfig struct {
	Enabled          bool `json:"enabled"`
	PruneIntervalSec int  `json:"prune_interval_sec"`
	RetentionDays    int  `json:"retention_days"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	SMS      SMSConfig      `json:"sms"`
	Email    EmailConfig    `json:"email"`
}

type TelegramConfig struct {
	Enabled         bool    `json:"enabled"`
	APIBaseURL      string  `json:"api_base_url"`
	PollTimeoutSec  int     `json:"poll_timeout_sec"`
	OperatorUserIDs []int64 `json:"operator_user_ids"`
	OperatorChatID  int64   `json:"operator_chat_id"`
}

type SMSConfig struct {
	Enabled     bool              `json:"enabled"`
	APIBaseURL  string            `json:"api_base_url"`
	FromNumber  string            `json:"from_number"`
	WebhookPath string            `json:"webhook_path"`
	Directory   map[string]string `json:"directory,omitempty"`
}

type EmailConfig struct {
	Enabled     bool   `json:"enabled"`
	WebhookPath string `json:"webhook_path"`
	SMTPHost    string `json:"smtp_host"`
	SMTPPort    int    `json:"smtp_port"`
	Username    string `json:"username"`
	From        string `json:"from"`
}

type NotifyConfig struct {
	Channel   string `json:"channel"`
	Recipient string `json:"recipient"`
}

type HTTPConfig struct {
	Port int `json:"port"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.json")
}

func NewManager(path string) (*Manager, error) {
	cfg := defaultConfig()
	mgr := &Manager{
		path: path,
		cfg:  cfg,
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	cfg, err := decodeConfig(data)
	if err != nil {
		return err
	}
	m.cfg = cfg
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	cfg := Config{
		Policy: PolicyConfig{
			RequireApprovalFor: []string{"purchase", "commit", "cancel", "share_info"},
		},
		Runtime: RuntimeConfig{
			Maintenance: MaintenanceConfig{Enabled: true},
		},
	}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	applyPolicyDefaults(&cfg.Policy)
	applyRouterDefaults(&cfg.Router)
	applyRunnerDefaults(&cfg.Runner)
	applyOracleDefaults(&cfg.Oracle)
	applyRuntimeDefaults(&cfg.Runtime)
	applyChannelDefaults(&cfg.Channels)

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		cfg.HTTP.Port = 8080
	}
	cfg.Notify.Channel = strings.ToLower(strings.TrimSpace(cfg.Notify.Channel))
	if cfg.Notify.Channel == "" {
		cfg.Notify.Channel = "telegram"
	}
}

func applyPolicyDefaults(p *PolicyConfig) {
	if p.MaxSpendWithoutApproval <= 0 {
		p.MaxSpendWithoutApproval = 100
	}
	if p.MaxMessagesPerHour <= 0 {
		p.MaxMessagesPerHour = 20
	}
	if p.StaleHours <= 0 {
		p.StaleHours = 72
	}
	if p.MaxDurationDays <= 0 {
		p.MaxDurationDays = 30
	}
	if p.RequireApprovalFor == nil {
		p.RequireApprovalFor = []string{"purchase", "commit", "cancel", "share_info"}
	}
}

func applyRouterDefaults(r *RouterConfig) {
	if r.RecencyWindowMin <= 0 {
		r.RecencyWindowMin = 30
	}
	if r.PlanExcerptChars <= 0 {
		r.PlanExcerptChars = 200
	}
	if r.SnippetChars <= 0 {
		r.SnippetChars = 160
	}
}

func applyRunnerDefaults(r *RunnerConfig) {
	if len(r.ScriptInterpreter) == 0 {
		r.ScriptInterpreter = []string{"sh", "-c"}
	}
	if r.ScriptTimeoutSec <= 0 {
		r.ScriptTimeoutSec = 300
	}
	if r.ScriptOutputLimit <= 0 {
		r.ScriptOutputLimit = 4000
	}
	if strings.TrimSpace(r.ScriptWorkDir) == "" {
		r.ScriptWorkDir = filepath.Join("output", "scripts")
	}
	if r.MaxStepsPerRun <= 0 {
		r.MaxStepsPerRun = 25
	}
	if r.MessageHistory <= 0 {
		r.MessageHistory = 50
	}
	if r.ContextResetTokens <= 0 {
		r.ContextResetTokens = 200000
	}
	if r.IterationsPerWindow <= 0 {
		r.IterationsPerWindow = 20
	}
	if r.IterationWindowMin <= 0 {
		r.IterationWindowMin = 60
	}
	if r.IterationsPerDay <= 0 {
		r.IterationsPerDay = 100
	}
	if strings.TrimSpace(r.CatchUpPersonality) == "" {
		r.CatchUpPersonality = "operator-voice"
	}
	if r.OperatorIdentifiers == nil {
		r.OperatorIdentifiers = []string{}
	}
}

func applyOracleDefaults(o *OracleConfig) {
	o.Provider = strings.ToLower(strings.TrimSpace(o.Provider))
	switch o.Provider {
	case "openai", "gemini", "exec", "none":
	default:
		o.Provider = "openai"
	}
	if strings.TrimSpace(o.Model) == "" {
		switch o.Provider {
		case "gemini":
			o.Model = "gemini-1.5-flash"
		default:
			o.Model = "gpt-4o-mini"
		}
	}
	if o.Temperature < 0 || o.Temperature > 2 {
		o.Temperature = 0.3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.TimeoutSec <= 0 {
		o.TimeoutSec = 60
	}
	if strings.TrimSpace(o.LogDir) == "" {
		o.LogDir = filepath.Join("output", "oracle")
	}
}

func applyRuntimeDefaults(r *RuntimeConfig) {
	if strings.TrimSpace(r.DataDir) == "" {
		r.DataDir = filepath.Join("output", "db")
	}
	if strings.TrimSpace(r.LogDir) == "" {
		r.LogDir = filepath.Join("output", "logs")
	}
	r.LogLevel = strings.ToLower(strings.TrimSpace(r.LogLevel))
	switch r.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		r.LogLevel = "info"
	}
	if strings.TrimSpace(r.TraceDir) == "" {
		r.TraceDir = filepath.Join("output", "gateway")
	}
	if r.DebounceMs < 0 {
		r.DebounceMs = 0
	}

	if r.Queue.Workers <= 0 {
		r.Queue.Workers = 4
	}
	if r.Queue.Buffer <= 0 {
		r.Queue.Buffer = 128
	}
	if r.Queue.EnqueueTimeoutSec <= 0 {
		r.Queue.EnqueueTimeoutSec = 3
	}
	if r.Queue.AttemptTimeoutSec <= 0 {
		r.Queue.AttemptTimeoutSec = 600
	}
	if r.Queue.MaxRetries < 0 {
		r.Queue.MaxRetries = 0
	}

	if r.Jobs.SweepIntervalSec <= 0 {
		r.Jobs.SweepIntervalSec = 15 * 60
	}
	if r.Jobs.SweepTimeoutSec <= 0 {
		r.Jobs.SweepTimeoutSec = 60
	}
	if r.Jobs.WakeIntervalSec <= 0 {
		r.Jobs.WakeIntervalSec = 30
	}
	if r.Jobs.WakeTimeoutSec <= 0 {
		r.Jobs.WakeTimeoutSec = 10 * 60
	}

	// An all-zero maintenance block means the section was never written.
	if !r.Maintenance.Enabled && r.Maintenance.PruneIntervalSec == 0 && r.Maintenance.RetentionDays == 0 {
		r.Maintenance.Enabled = true
	}
	if r.Maintenance.PruneIntervalSec <= 0 {
		r.Maintenance.PruneIntervalSec = 6 * 60 * 60
	}
	if r.Maintenance.RetentionDays <= 0 {
		r.Maintenance.RetentionDays = 30
	}
}

func applyChannelDefaults(c *ChannelsConfig) {
	if strings.TrimSpace(c.Telegram.APIBaseURL) == "" {
		c.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Telegram.PollTimeoutSec <= 0 {
		c.Telegram.PollTimeoutSec = 30
	}
	if c.Telegram.OperatorUserIDs == nil {
		c.Telegram.OperatorUserIDs = []int64{}
	}

	if strings.TrimSpace(c.SMS.APIBaseURL) == "" {
		c.SMS.APIBaseURL = "https://api.telnyx.com"
	}
	if strings.TrimSpace(c.SMS.WebhookPath) == "" {
		c.SMS.WebhookPath = "/webhooks/sms"
	}

	if strings.TrimSpace(c.Email.WebhookPath) == "" {
		c.Email.WebhookPath = "/webhooks/email"
	}
	if c.Email.SMTPPort <= 0 {
		c.Email.SMTPPort = 587
	}
}
