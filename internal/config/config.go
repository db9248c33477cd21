// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // portal time zone must resolve on minimal images

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Portal     PortalConfig     `mapstructure:"portal"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Session    SessionConfig    `mapstructure:"session"`
	Navigation NavigationConfig `mapstructure:"navigation"`
	Download   DownloadConfig   `mapstructure:"download"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	Captcha    CaptchaConfig    `mapstructure:"captcha"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Pagination PaginationConfig `mapstructure:"pagination"`
	State      StateConfig      `mapstructure:"state"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PortalConfig describes the e-gazette listing being harvested.
type PortalConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	AnnouncementType string `mapstructure:"announcement_type"`
	TimeZone         string `mapstructure:"time_zone"`
}

// BrowserConfig configures the headless Chrome instances.
type BrowserConfig struct {
	Headless      bool   `mapstructure:"headless"`
	NoSandbox     bool   `mapstructure:"no_sandbox"`
	ExecPath      string `mapstructure:"exec_path"`
	UserAgent     string `mapstructure:"user_agent"`
	WindowWidth   int    `mapstructure:"window_width"`
	WindowHeight  int    `mapstructure:"window_height"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
}

// SessionConfig governs session setup and refresh.
type SessionConfig struct {
	MaxAgeSeconds           int   `mapstructure:"max_age_seconds"`
	SearchWaitSeconds       int   `mapstructure:"search_wait_seconds"`
	ZeroDataMaxCycles       int   `mapstructure:"zero_data_max_cycles"`
	AvoidReloadMinutes      []int `mapstructure:"avoid_reload_minutes"`
	Preflight               bool  `mapstructure:"preflight"`
	PreflightTimeoutSeconds int   `mapstructure:"preflight_timeout_seconds"`
}

// NavigationConfig tunes the pagination state machine.
type NavigationConfig struct {
	FailureThreshold  int   `mapstructure:"failure_threshold"`
	ClickChecksMs     []int `mapstructure:"click_checks_ms"`
	PostbackInitialMs int   `mapstructure:"postback_initial_ms"`
	PostbackStepMs    int   `mapstructure:"postback_step_ms"`
	PostbackExtraMs   int   `mapstructure:"postback_extra_ms"`
}

// DownloadConfig controls the concurrent download workers.
type DownloadConfig struct {
	RootDir             string `mapstructure:"root_dir"`
	MaxWorkers          int    `mapstructure:"max_workers"`
	Isolation           string `mapstructure:"isolation"`
	DetectionTimeoutSec int    `mapstructure:"detection_timeout_seconds"`
	PollIntervalMs      int    `mapstructure:"poll_interval_ms"`
	WindowGraceSec      int    `mapstructure:"window_grace_seconds"`
	RenameAttempts      int    `mapstructure:"rename_attempts"`
	RenameBackoffMs     int    `mapstructure:"rename_backoff_ms"`
	TriggerSettleMs     int    `mapstructure:"trigger_settle_ms"`
	StartTimeoutSec     int    `mapstructure:"start_timeout_seconds"`
	ValidatePDF         bool   `mapstructure:"validate_pdf"`
}

// ArchiveConfig selects where finished PDFs are kept.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DeliveryConfig covers outbound notifications.
type DeliveryConfig struct {
	// Retries is the number of extra Bot API attempts after the first.
	Retries           int            `mapstructure:"retries"`
	RetryBackoffMs    int            `mapstructure:"retry_backoff_ms"`
	ReportFailedLimit int            `mapstructure:"report_failed_limit"`
	Telegram          TelegramConfig `mapstructure:"telegram"`
	PubSub            PubSubConfig   `mapstructure:"pubsub"`
}

// TelegramConfig holds Bot API credentials and limits.
type TelegramConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	BotToken          string `mapstructure:"bot_token"`
	ChatID            string `mapstructure:"chat_id"`
	APIBase           string `mapstructure:"api_base"`
	MessagesPerMinute int    `mapstructure:"messages_per_minute"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// CaptchaConfig selects the challenge solver.
type CaptchaConfig struct {
	Provider       string `mapstructure:"provider"`
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	PollAttempts   int    `mapstructure:"poll_attempts"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
}

// ScheduleConfig holds the wall-clock start and stop windows.
type ScheduleConfig struct {
	Mode              string `mapstructure:"mode"`
	TestMode          bool   `mapstructure:"test_mode"`
	TargetMinutes     []int  `mapstructure:"target_minutes"`
	StopMinutes       []int  `mapstructure:"stop_minutes"`
	PreCheckOffset    int    `mapstructure:"pre_check_offset"`
	CheckWindowAfter  int    `mapstructure:"check_window_after"`
	StopWindowMinutes int    `mapstructure:"stop_window_minutes"`
}

// PaginationConfig tunes the page loop.
type PaginationConfig struct {
	WaitBetweenPagesMs int `mapstructure:"wait_between_pages_ms"`
}

// StateConfig points at persisted identifier state.
type StateConfig struct {
	Dir         string         `mapstructure:"dir"`
	RecentLimit int            `mapstructure:"recent_limit"`
	Postgres    PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig enables the optional Postgres known-codes store.
type PostgresConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Supported enumerations.
const (
	IsolationSubfolder = "subfolder"
	IsolationBrowser   = "browser"

	ArchiveLocal = "local"
	ArchiveGCS   = "gcs"

	CaptchaCapSolver  = "capsolver"
	CaptchaTwoCaptcha = "2captcha"

	ModeContinuous = "continuous"
	ModeDiscrete   = "discrete"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portal.base_url", "https://bocaodientu.dkkd.gov.vn/egazette/Forms/Egazette/ANNOUNCEMENTSListingInsUpd.aspx")
	v.SetDefault("portal.announcement_type", "đăng ký mới")
	v.SetDefault("portal.time_zone", "Asia/Ho_Chi_Minh")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", true)
	v.SetDefault("browser.window_width", 1366)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("session.max_age_seconds", 300)
	v.SetDefault("session.search_wait_seconds", 20)
	v.SetDefault("session.zero_data_max_cycles", 3)
	v.SetDefault("session.avoid_reload_minutes", []int{8, 9, 10, 11, 38, 39, 40, 41})
	v.SetDefault("session.preflight", false)
	v.SetDefault("session.preflight_timeout_seconds", 10)
	v.SetDefault("navigation.failure_threshold", 5)
	v.SetDefault("navigation.click_checks_ms", []int{0, 300, 800, 1500})
	v.SetDefault("navigation.postback_initial_ms", 1000)
	v.SetDefault("navigation.postback_step_ms", 500)
	v.SetDefault("navigation.postback_extra_ms", 2500)
	v.SetDefault("download.root_dir", "downloads")
	v.SetDefault("download.max_workers", 5)
	v.SetDefault("download.isolation", IsolationSubfolder)
	v.SetDefault("download.detection_timeout_seconds", 15)
	v.SetDefault("download.poll_interval_ms", 500)
	v.SetDefault("download.window_grace_seconds", 5)
	v.SetDefault("download.rename_attempts", 3)
	v.SetDefault("download.rename_backoff_ms", 500)
	v.SetDefault("download.trigger_settle_ms", 1500)
	v.SetDefault("download.start_timeout_seconds", 30)
	v.SetDefault("download.validate_pdf", true)
	v.SetDefault("archive.backend", ArchiveLocal)
	v.SetDefault("archive.dir", "archive")
	v.SetDefault("archive.prefix", "egazette")
	v.SetDefault("delivery.retries", 2)
	v.SetDefault("delivery.retry_backoff_ms", 1000)
	v.SetDefault("delivery.report_failed_limit", 10)
	v.SetDefault("delivery.telegram.enabled", false)
	v.SetDefault("delivery.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("delivery.telegram.messages_per_minute", 15)
	v.SetDefault("delivery.telegram.timeout_seconds", 30)
	v.SetDefault("captcha.provider", CaptchaCapSolver)
	v.SetDefault("schedule.mode", ModeContinuous)
	v.SetDefault("schedule.test_mode", false)
	v.SetDefault("schedule.target_minutes", []int{8, 38})
	v.SetDefault("schedule.stop_minutes", []int{16, 46})
	v.SetDefault("schedule.pre_check_offset", 1)
	v.SetDefault("schedule.check_window_after", 3)
	v.SetDefault("schedule.stop_window_minutes", 2)
	v.SetDefault("pagination.wait_between_pages_ms", 1000)
	v.SetDefault("state.dir", "data")
	v.SetDefault("state.recent_limit", 100)
	v.SetDefault("state.postgres.table", "known_codes")
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Portal.BaseURL) == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if _, err := time.LoadLocation(c.Portal.TimeZone); err != nil {
		return fmt.Errorf("portal.time_zone: %w", err)
	}
	if c.Download.MaxWorkers <= 0 {
		return fmt.Errorf("download.max_workers must be > 0")
	}
	if c.Download.Isolation != IsolationSubfolder && c.Download.Isolation != IsolationBrowser {
		return fmt.Errorf("download.isolation must be %q or %q", IsolationSubfolder, IsolationBrowser)
	}
	if c.Download.DetectionTimeoutSec <= 0 {
		return fmt.Errorf("download.detection_timeout_seconds must be > 0")
	}
	if c.Download.PollIntervalMs <= 0 {
		return fmt.Errorf("download.poll_interval_ms must be > 0")
	}
	if strings.TrimSpace(c.Download.RootDir) == "" {
		return fmt.Errorf("download.root_dir is required")
	}
	if c.Navigation.FailureThreshold <= 0 {
		return fmt.Errorf("navigation.failure_threshold must be > 0")
	}
	if c.Session.MaxAgeSeconds <= 0 {
		return fmt.Errorf("session.max_age_seconds must be > 0")
	}
	if c.State.RecentLimit <= 0 {
		return fmt.Errorf("state.recent_limit must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveLocal:
		if strings.TrimSpace(c.Archive.Dir) == "" {
			return fmt.Errorf("archive.dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be %q or %q", ArchiveLocal, ArchiveGCS)
	}
	if c.Delivery.Telegram.Enabled && (c.Delivery.Telegram.BotToken == "" || c.Delivery.Telegram.ChatID == "") {
		return fmt.Errorf("delivery.telegram.bot_token and chat_id must be set when telegram is enabled")
	}
	if c.Delivery.PubSub.TopicName != "" && c.Delivery.PubSub.ProjectID == "" {
		return fmt.Errorf("delivery.pubsub.project_id must be set with a topic")
	}
	if c.Captcha.Provider != CaptchaCapSolver && c.Captcha.Provider != CaptchaTwoCaptcha {
		return fmt.Errorf("captcha.provider must be %q or %q", CaptchaCapSolver, CaptchaTwoCaptcha)
	}
	if c.Schedule.Mode != ModeContinuous && c.Schedule.Mode != ModeDiscrete {
		return fmt.Errorf("schedule.mode must be %q or %q", ModeContinuous, ModeDiscrete)
	}
	if err := validMinutes("schedule.target_minutes", c.Schedule.TargetMinutes); err != nil {
		return err
	}
	if err := validMinutes("schedule.stop_minutes", c.Schedule.StopMinutes); err != nil {
		return err
	}
	if err := validMinutes("session.avoid_reload_minutes", c.Session.AvoidReloadMinutes); err != nil {
		return err
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

func validMinutes(key string, minutes []int) error {
	for _, m := range minutes {
		if m < 0 || m > 59 {
			return fmt.Errorf("%s: minute %d out of range", key, m)
		}
	}
	return nil
}

// Location resolves the portal time zone, falling back to UTC.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Portal.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NavTimeout is the per-navigation browser budget.
func (c BrowserConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSec) * time.Second
}

// MaxAge is the session staleness bound.
func (c SessionConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// SearchWait bounds the wait for the results table.
func (c SessionConfig) SearchWait() time.Duration {
	return time.Duration(c.SearchWaitSeconds) * time.Second
}

// ClickChecks converts the click verification offsets.
func (c NavigationConfig) ClickChecks() []time.Duration {
	return millis(c.ClickChecksMs)
}

// DetectionTimeout bounds file-arrival polling per entry.
func (c DownloadConfig) DetectionTimeout() time.Duration {
	return time.Duration(c.DetectionTimeoutSec) * time.Second
}

// PollInterval is the detection polling granularity.
func (c DownloadConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// WindowGrace widens the time-window detection strategy.
func (c DownloadConfig) WindowGrace() time.Duration {
	return time.Duration(c.WindowGraceSec) * time.Second
}

// RenameBackoff is the pause between rename attempts.
func (c DownloadConfig) RenameBackoff() time.Duration {
	return time.Duration(c.RenameBackoffMs) * time.Millisecond
}

// StartTimeout bounds the wait for the browser to report a download start.
func (c DownloadConfig) StartTimeout() time.Duration {
	return time.Duration(c.StartTimeoutSec) * time.Second
}

// TriggerSettle is how long the shared trigger lock is held after a click
// when the browser does not report download starts.
func (c DownloadConfig) TriggerSettle() time.Duration {
	return time.Duration(c.TriggerSettleMs) * time.Millisecond
}

// RetryBackoff is the first pause between Bot API attempts.
func (c DeliveryConfig) RetryBackoff() time.Duration {
	return time.Duration(c.RetryBackoffMs) * time.Millisecond
}

// WaitBetweenPages is the inter-page delay.
func (c PaginationConfig) WaitBetweenPages() time.Duration {
	return time.Duration(c.WaitBetweenPagesMs) * time.Millisecond
}

func millis(values []int) []time.Duration {
	out := make([]time.Duration, 0, len(values))
	for _, v := range values {
		out = append(out, time.Duration(v)*time.Millisecond)
	}
	return out
}
