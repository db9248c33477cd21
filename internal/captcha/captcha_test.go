package captcha

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	api2captcha "github.com/2captcha/2captcha-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/egazette-harvester/internal/harvest"
)

func fastConfig(base string) Config {
	return Config{APIKey: "KEY", BaseURL: base, PollAttempts: 3, PollInterval: time.Millisecond}
}

func TestNewSelectsProvider(t *testing.T) {
	t.Parallel()

	s, err := New(ProviderCapSolver, Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &CapSolver{}, s)

	s, err = New(ProviderTwoCaptcha, Config{APIKey: "k"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &TwoCaptcha{}, s)

	_, err = New("manual", Config{APIKey: "k"}, nil)
	assert.Error(t, err)
	_, err = New(ProviderCapSolver, Config{}, nil)
	assert.Error(t, err)
}

func TestCapSolverSolves(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "KEY", body["clientKey"])
		switch r.URL.Path {
		case "/createTask":
			task := body["task"].(map[string]any)
			assert.Equal(t, "ReCaptchaV2TaskProxyless", task["type"])
			assert.Equal(t, "SITE", task["websiteKey"])
			assert.Equal(t, "https://portal/page", task["websiteURL"])
			fmt.Fprint(w, `{"errorId":0,"taskId":"T1"}`)
		case "/getTaskResult":
			assert.Equal(t, "T1", body["taskId"])
			if polls.Add(1) < 2 {
				fmt.Fprint(w, `{"errorId":0,"status":"processing"}`)
				return
			}
			fmt.Fprint(w, `{"errorId":0,"status":"ready","solution":{"gRecaptchaResponse":"TOKEN"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	token, err := NewCapSolver(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "https://portal/page")
	require.NoError(t, err)
	assert.Equal(t, "TOKEN", token)
	assert.Equal(t, int32(2), polls.Load())
}

func TestCapSolverCreateError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"errorId":1,"errorCode":"ERROR_KEY_DENIED_ACCESS","errorDescription":"bad key"}`)
	}))
	defer server.Close()

	_, err := NewCapSolver(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "u")
	require.ErrorIs(t, err, harvest.ErrCaptchaUnsolved)
	assert.Contains(t, err.Error(), "ERROR_KEY_DENIED_ACCESS")
}

func TestCapSolverTimesOut(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/createTask" {
			fmt.Fprint(w, `{"errorId":0,"taskId":"T1"}`)
			return
		}
		fmt.Fprint(w, `{"errorId":0,"status":"processing"}`)
	}))
	defer server.Close()

	_, err := NewCapSolver(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "u")
	require.ErrorIs(t, err, harvest.ErrCaptchaUnsolved)
	assert.Contains(t, err.Error(), "timed out")
}

func TestTwoCaptchaSolves(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "KEY", r.FormValue("key"))
		switch r.URL.Path {
		case "/in.php":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "userrecaptcha", r.PostFormValue("method"))
			assert.Equal(t, "SITE", r.PostFormValue("googlekey"))
			assert.Equal(t, "https://portal/page", r.PostFormValue("pageurl"))
			fmt.Fprint(w, "OK|42")
		case "/res.php":
			assert.Equal(t, "get", r.FormValue("action"))
			assert.Equal(t, "42", r.FormValue("id"))
			if polls.Add(1) < 3 {
				fmt.Fprint(w, "CAPCHA_NOT_READY")
				return
			}
			fmt.Fprint(w, "OK|TOKEN2")
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	token, err := NewTwoCaptcha(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "https://portal/page")
	require.NoError(t, err)
	assert.Equal(t, "TOKEN2", token)
	assert.Equal(t, int32(3), polls.Load())
}

func TestTwoCaptchaSubmitError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ERROR_ZERO_BALANCE")
	}))
	defer server.Close()

	_, err := NewTwoCaptcha(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "u")
	require.ErrorIs(t, err, harvest.ErrCaptchaUnsolved)
	require.ErrorIs(t, err, api2captcha.ErrApi)
	assert.Contains(t, err.Error(), "submit")
}

func TestTwoCaptchaResultError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			fmt.Fprint(w, "OK|42")
			return
		}
		fmt.Fprint(w, "ERROR_CAPTCHA_UNSOLVABLE")
	}))
	defer server.Close()

	_, err := NewTwoCaptcha(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "u")
	require.ErrorIs(t, err, harvest.ErrCaptchaUnsolved)
	require.ErrorIs(t, err, api2captcha.ErrApi)
	assert.Contains(t, err.Error(), "result")
}

func TestTwoCaptchaTimesOut(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/in.php" {
			fmt.Fprint(w, "OK|42")
			return
		}
		fmt.Fprint(w, "CAPCHA_NOT_READY")
	}))
	defer server.Close()

	_, err := NewTwoCaptcha(fastConfig(server.URL), nil).Solve(context.Background(), "SITE", "u")
	require.ErrorIs(t, err, harvest.ErrCaptchaUnsolved)
	assert.Contains(t, err.Error(), "timed out after 3 polls")
}

func TestSolveHonoursContext(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "OK|42")
	}))
	defer server.Close()

	cfg := fastConfig(server.URL)
	cfg.PollInterval = time.Hour
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewTwoCaptcha(cfg, nil).Solve(ctx, "SITE", "u")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitReturnsWhenContextEnds(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := await(ctx, func() (string, error) {
		<-release
		return "late", nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
