// Package captcha solves the portal's reCAPTCHA v2 challenge through a
// third-party solving service.
package captcha

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
	"github.com/JakeFAU/egazette-harvester/internal/logging"
)

// Provider names.
const (
	ProviderCapSolver  = "capsolver"
	ProviderTwoCaptcha = "2captcha"
)

// Config is shared by every provider. Zero values take provider defaults.
type Config struct {
	APIKey       string
	BaseURL      string
	PollAttempts int
	PollInterval time.Duration
	HTTPClient   *http.Client
}

// New returns the solver for provider.
func New(provider string, cfg Config, logger *zap.Logger) (harvest.CaptchaSolver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("captcha api key is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger = logging.OrNop(logger).Named("captcha")
	switch provider {
	case ProviderCapSolver:
		return NewCapSolver(cfg, logger), nil
	case ProviderTwoCaptcha:
		return NewTwoCaptcha(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown captcha provider %q", provider)
	}
}

func withDefaults(cfg Config, base string, attempts int, interval time.Duration) Config {
	if cfg.BaseURL == "" {
		cfg.BaseURL = base
	}
	if cfg.PollAttempts <= 0 {
		cfg.PollAttempts = attempts
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = interval
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return cfg
}

func unsolved(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{harvest.ErrCaptchaUnsolved}, args...)...)
}

func decode(resp *http.Response, out any) error {
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
