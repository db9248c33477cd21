package captcha

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	api2captcha "github.com/2captcha/2captcha-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// TwoCaptcha solves reCAPTCHA v2 through the 2captcha SDK.
type TwoCaptcha struct {
	cfg    Config
	client *api2captcha.Client
	logger *zap.Logger
}

// NewTwoCaptcha builds a 2captcha client. A malformed BaseURL falls back to
// the public endpoint.
func NewTwoCaptcha(cfg Config, logger *zap.Logger) *TwoCaptcha {
	cfg = withDefaults(cfg, api2captcha.BaseURL, 30, 5*time.Second)
	// The SDK rewrites its client's Timeout on every call.
	client := api2captcha.NewClientExt(cfg.APIKey, &http.Client{Timeout: cfg.HTTPClient.Timeout})
	if base, err := url.Parse(cfg.BaseURL); err == nil && base.Host != "" {
		client.BaseURL = base
	}
	return &TwoCaptcha{
		cfg:    cfg,
		client: client,
		logger: logging.OrNop(logger),
	}
}

// Solve submits the challenge and polls until a token is ready.
func (c *TwoCaptcha) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	req := (&api2captcha.ReCaptcha{SiteKey: siteKey, Url: pageURL}).ToRequest()
	id, err := await(ctx, func() (string, error) { return c.client.Send(req) })
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("2captcha submit: %w", err)
		}
		return "", unsolved("2captcha submit: %w", err)
	}
	c.logger.Debug("captcha submitted", zap.String("id", id))

	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		if err := retry.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return "", fmt.Errorf("2captcha poll: %w", err)
		}
		token, err := await(ctx, func() (*string, error) { return c.client.GetResult(id) })
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("2captcha poll: %w", err)
			}
			return "", unsolved("2captcha result: %w", err)
		}
		if token != nil {
			c.logger.Info("captcha solved", zap.Int("polls", attempt))
			return *token, nil
		}
	}
	return "", unsolved("2captcha timed out after %d polls", c.cfg.PollAttempts)
}

// await runs a blocking SDK call and gives up when ctx ends. The call itself
// cannot be cancelled and finishes in the background.
func await[T any](ctx context.Context, call func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call()
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
