// Package telegram sends operator messages and PDFs through the Telegram Bot
// API.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/egazette-harvester/internal/logging"
	"github.com/JakeFAU/egazette-harvester/internal/metrics"
	"github.com/JakeFAU/egazette-harvester/internal/retry"
)

// Bot API limits.
const (
	MaxMessageLength = 4096
	MaxCaptionLength = 1024
	MaxFileSize      = 50 << 20
	DefaultAPIBase   = "https://api.telegram.org"
	channel          = "telegram"
	ellipsis         = "..."
)

// ErrFileTooLarge is returned for documents above MaxFileSize.
var ErrFileTooLarge = errors.New("file exceeds telegram upload limit")

// Config holds the bot credentials and client-side limits.
type Config struct {
	BotToken          string
	ChatID            string
	APIBase           string
	MessagesPerMinute int
	Timeout           time.Duration
	// MaxAttempts bounds every send, including 429 and 5xx retries. It is
	// the only retry layer between a caller and the Bot API.
	MaxAttempts int
	// Backoff is the first pause after a transient failure. It doubles up
	// to eight times its value.
	Backoff time.Duration
}

// Client implements harvest.Notifier.
type Client struct {
	cfg       Config
	http      *http.Client
	bot       *bot.Bot
	limiter   *rate.Limiter
	backoff   retry.Policy
	retryUnit time.Duration
	logger    *zap.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// New builds a Client. It does not contact the Bot API.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Client, error) {
	if cfg.BotToken == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = 15
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	c := &Client{
		cfg:       cfg,
		http:      &http.Client{Timeout: cfg.Timeout},
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MessagesPerMinute)), 1),
		backoff:   retry.NewExponential(cfg.MaxAttempts, cfg.Backoff, 8*cfg.Backoff),
		retryUnit: time.Second,
		logger:    logging.OrNop(logger).Named("telegram"),
	}
	for _, opt := range opts {
		opt(c)
	}
	b, err := bot.New(cfg.BotToken,
		bot.WithSkipGetMe(),
		bot.WithServerURL(strings.TrimRight(cfg.APIBase, "/")),
		bot.WithHTTPClient(cfg.Timeout, c.http),
		bot.WithErrorsHandler(func(err error) {
			c.logger.Debug("bot client error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	c.bot = b
	return c, nil
}

// SendText posts an HTML message, truncated to the Bot API limit.
func (c *Client) SendText(ctx context.Context, text string) error {
	params := &bot.SendMessageParams{
		ChatID:    c.cfg.ChatID,
		Text:      Truncate(text, MaxMessageLength),
		ParseMode: models.ParseModeHTML,
	}
	err := c.call(ctx, "sendMessage", func(ctx context.Context) error {
		_, err := c.bot.SendMessage(ctx, params)
		return err
	})
	metrics.ObserveDelivery(channel, err == nil)
	return err
}

// SendFile uploads path as a document with an HTML caption.
func (c *Client) SendFile(ctx context.Context, path, caption string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat document: %w", err)
	}
	if info.Size() > MaxFileSize {
		return fmt.Errorf("%s: %w", filepath.Base(path), ErrFileTooLarge)
	}
	caption = Truncate(caption, MaxCaptionLength)
	err = c.call(ctx, "sendDocument", func(ctx context.Context) error {
		f, err := os.Open(path)
		if err != nil {
			return retry.Permanent(fmt.Errorf("open document: %w", err))
		}
		defer func() { _ = f.Close() }()
		_, err = c.bot.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID:    c.cfg.ChatID,
			Document:  &models.InputFileUpload{Filename: filepath.Base(path), Data: f},
			Caption:   caption,
			ParseMode: models.ParseModeHTML,
		})
		return err
	})
	metrics.ObserveDelivery(channel, err == nil)
	return err
}

// call rate-limits send and retries it: 429 after the server's retry_after,
// transport and 5xx failures with backoff. Client errors are final.
func (c *Client) call(ctx context.Context, method string, send func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return err
		}
		err := send(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		wait, again := c.classify(ctx, err)
		if !again || attempt == c.cfg.MaxAttempts {
			break
		}
		if wait <= 0 {
			wait = c.backoff.Backoff(attempt)
		}
		c.logger.Warn("telegram call failed, retrying",
			zap.String("method", method),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
		if err := retry.Sleep(ctx, wait); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
	}
	return fmt.Errorf("%s: %w", method, lastErr)
}

// classify reports whether err is worth another attempt and any wait the
// server asked for.
func (c *Client) classify(ctx context.Context, err error) (time.Duration, bool) {
	var tooMany *bot.TooManyRequestsError
	var migrate *bot.MigrateError
	switch {
	case ctx.Err() != nil, retry.IsPermanent(err):
		return 0, false
	case errors.As(err, &tooMany):
		return time.Duration(tooMany.RetryAfter) * c.retryUnit, true
	case errors.As(err, &migrate),
		errors.Is(err, bot.ErrorBadRequest),
		errors.Is(err, bot.ErrorUnauthorized),
		errors.Is(err, bot.ErrorForbidden),
		errors.Is(err, bot.ErrorNotFound),
		errors.Is(err, bot.ErrorConflict):
		return 0, false
	default:
		return 0, true
	}
}

func (c *Client) wait(ctx context.Context) error {
	start := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(channel, d)
	}
	return nil
}

// Truncate cuts HTML text s to at most limit runes, marking the cut with
// "...". Tags and entities are never split and tags left open by the cut
// are closed.
func Truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	budget := limit - len(ellipsis)
	var (
		open []string
		used int
		end  int
	)
	for end < len(s) {
		tok := nextToken(s[end:])
		next := open
		if tok[0] == '<' && len(tok) > 1 {
			next = applyTag(open, tok)
		}
		n := utf8.RuneCountInString(tok)
		if used+n+closingLen(next) > budget {
			break
		}
		open = next
		used += n
		end += len(tok)
	}
	var b strings.Builder
	b.WriteString(s[:end])
	b.WriteString(ellipsis)
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString("</" + open[i] + ">")
	}
	return b.String()
}

// maxEntity is the longest entity Telegram accepts, "&#x10FFFF;".
const maxEntity = 10

// nextToken returns a whole tag, a whole entity or a single rune.
func nextToken(s string) string {
	switch s[0] {
	case '<':
		if j := strings.IndexByte(s, '>'); j > 0 {
			return s[:j+1]
		}
	case '&':
		if j := strings.IndexByte(s, ';'); j > 1 && j < maxEntity && !strings.ContainsAny(s[1:j], " <&") {
			return s[:j+1]
		}
	}
	_, n := utf8.DecodeRuneInString(s)
	return s[:n]
}

func applyTag(open []string, tag string) []string {
	name := tagName(tag)
	if strings.HasPrefix(tag, "</") {
		for i := len(open) - 1; i >= 0; i-- {
			if open[i] == name {
				return open[:i]
			}
		}
		return open
	}
	if name == "" || strings.HasSuffix(tag, "/>") {
		return open
	}
	return append(open[:len(open):len(open)], name)
}

func tagName(tag string) string {
	name := strings.TrimLeft(tag[1:], "/")
	if i := strings.IndexAny(name, " \t\n/>"); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name)
}

func closingLen(open []string) int {
	n := 0
	for _, name := range open {
		n += len(name) + 3
	}
	return n
}
