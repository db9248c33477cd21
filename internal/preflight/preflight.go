// Package preflight checks that the portal answers plain HTTP before a browser
// session is spent on it.
package preflight

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Result describes one reachability check.
type Result struct {
	URL        string
	StatusCode int
	Duration   time.Duration
	// FormFound reports whether the listing's ASP.NET form was in the body.
	FormFound bool
}

// Checker issues reachability checks with Colly.
type Checker struct {
	cfg       Config
	transport http.RoundTripper
	base      *colly.Collector
	logger    *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Checker.
func New(cfg Config, logger *zap.Logger) *Checker {
	c := colly.NewCollector(colly.Async(false))
	transport := newHTTPTransport()
	c.WithTransport(transport)
	return &Checker{
		cfg:       cfg,
		transport: transport,
		base:      c,
		logger:    logging.OrNop(logger).Named("preflight"),
	}
}

// Check visits url once and reports what came back.
func (p *Checker) Check(ctx context.Context, url string) (Result, error) {
	var (
		result   = Result{URL: url}
		checkErr error
	)
	start := time.Now()
	collector := p.buildCollector()
	p.configureHooks(collector, start, &result, &checkErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		metrics.ObservePreflightFailure()
		return result, fmt.Errorf("preflight canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = checkErr
		}
		if err != nil {
			metrics.ObservePreflightFailure()
			return result, fmt.Errorf("preflight %s: %w", url, err)
		}
	}
	p.logger.Debug("portal reachable",
		zap.String("url", url),
		zap.Int("status", result.StatusCode),
		zap.Bool("form", result.FormFound),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Ping satisfies the session preflight contract.
func (p *Checker) Ping(ctx context.Context, url string) error {
	_, err := p.Check(ctx, url)
	return err
}

func (p *Checker) buildCollector() *colly.Collector {
	collector := p.base.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	timeout := p.cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(p.transport)
	return collector
}

func (p *Checker) configureHooks(hooks collectorHooks, start time.Time, result *Result, checkErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.Duration = time.Since(start)
	})
	hooks.OnHTML("form#aspnetForm", func(*colly.HTMLElement) {
		result.FormFound = true
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.StatusCode = r.StatusCode
		}
		*checkErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
	}
}
