package captcha

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// CapSolver talks to the CapSolver createTask/getTaskResult JSON API over
// plain HTTP. CapSolver publishes no official Go SDK.
type CapSolver struct {
	cfg    Config
	logger *zap.Logger
}

// NewCapSolver builds a CapSolver client.
func NewCapSolver(cfg Config, logger *zap.Logger) *CapSolver {
	return &CapSolver{
		cfg:    withDefaults(cfg, "https://api.capsolver.com", 15, 2*time.Second),
		logger: logging.OrNop(logger),
	}
}

type capsolverTask struct {
	Type       string `json:"type"`
	WebsiteURL string `json:"websiteURL"`
	WebsiteKey string `json:"websiteKey"`
}

type capsolverResponse struct {
	ErrorID          int    `json:"errorId"`
	ErrorCode        string `json:"errorCode"`
	ErrorDescription string `json:"errorDescription"`
	TaskID           string `json:"taskId"`
	Status           string `json:"status"`
	Solution         struct {
		GRecaptchaResponse string `json:"gRecaptchaResponse"`
	} `json:"solution"`
}

// Solve submits the challenge and polls until a token is ready.
func (c *CapSolver) Solve(ctx context.Context, siteKey, pageURL string) (string, error) {
	var created capsolverResponse
	err := c.post(ctx, "createTask", map[string]any{
		"clientKey": c.cfg.APIKey,
		"task": capsolverTask{
			Type:       "ReCaptchaV2TaskProxyless",
			WebsiteURL: pageURL,
			WebsiteKey: siteKey,
		},
	}, &created)
	if err != nil {
		return "", unsolved("capsolver create task: %v", err)
	}
	if created.ErrorID != 0 || created.TaskID == "" {
		return "", unsolved("capsolver create task: %s %s", created.ErrorCode, created.ErrorDescription)
	}
	c.logger.Debug("captcha task created", zap.String("task", created.TaskID))

	for attempt := 1; attempt <= c.cfg.PollAttempts; attempt++ {
		if err := retry.Sleep(ctx, c.cfg.PollInterval); err != nil {
			return "", fmt.Errorf("capsolver poll: %w", err)
		}
		var result capsolverResponse
		if err := c.post(ctx, "getTaskResult", map[string]any{
			"clientKey": c.cfg.APIKey,
			"taskId":    created.TaskID,
		}, &result); err != nil {
			return "", unsolved("capsolver result: %v", err)
		}
		switch {
		case result.ErrorID != 0:
			return "", unsolved("capsolver result: %s %s", result.ErrorCode, result.ErrorDescription)
		case result.Status == "ready":
			if result.Solution.GRecaptchaResponse == "" {
				return "", unsolved("capsolver returned an empty token")
			}
			c.logger.Info("captcha solved", zap.Int("polls", attempt))
			return result.Solution.GRecaptchaResponse, nil
		case result.Status == "processing" || result.Status == "idle":
			continue
		default:
			return "", unsolved("capsolver status %q", result.Status)
		}
	}
	return "", unsolved("capsolver timed out after %d polls", c.cfg.PollAttempts)
}

func (c *CapSolver) post(ctx context.Context, method string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return decode(resp, out)
}
