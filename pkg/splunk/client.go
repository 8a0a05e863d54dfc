package splunk

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const tokenLifetime = time.Hour

var (
	// ErrUnauthorized is returned when Splunk rejects a freshly issued token.
	ErrUnauthorized = errors.New("splunk: unauthorized")
	// ErrJobTimeout is returned when a search job does not finish in time.
	ErrJobTimeout = errors.New("splunk: search job timed out")
)

// StatusError is a non-2xx response from Splunk.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("splunk API error: HTTP %d - %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	// BaseURL overrides https://Host:Port.
	BaseURL   string
	VerifySSL bool
	Timeout   time.Duration

	// Indexes maps environment names (uat, prod) to index names.
	Indexes map[string]string

	EarliestTime     string
	LatestTime       string
	MaxResults       int
	PageSize         int
	MaxExecutionTime time.Duration
	PollInterval     time.Duration

	Retry      retry.Config
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// DefaultConfig returns port 8089 with the stock query limits.
func DefaultConfig() Config {
	return Config{
		Port:    8089,
		Timeout: 30 * time.Second,
		Indexes: map[string]string{
			"uat":  "index_app_fxs_uat",
			"prod": "index_app_fxs",
		},
		EarliestTime:     "-30d",
		LatestTime:       "now",
		MaxResults:       10000,
		PageSize:         1000,
		MaxExecutionTime: 300 * time.Second,
		PollInterval:     time.Second,
		Retry:            retry.DefaultConfig(),
		Logger:           log.Logger,
	}
}

// Client is a Splunk REST client. It is safe for concurrent use.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	logger  zerolog.Logger

	mu           sync.Mutex
	token        string
	tokenExpires time.Time
	login        singleflight.Group

	now func() time.Time
}

// NewClient creates a client. Zero values in cfg fall back to DefaultConfig.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Indexes == nil {
		cfg.Indexes = def.Indexes
	}
	if cfg.EarliestTime == "" {
		cfg.EarliestTime = def.EarliestTime
	}
	if cfg.LatestTime == "" {
		cfg.LatestTime = def.LatestTime
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = def.MaxResults
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.MaxExecutionTime <= 0 {
		cfg.MaxExecutionTime = def.MaxExecutionTime
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Retry.MaxAttempts <= 0 {
		sleep := cfg.Retry.Sleep
		cfg.Retry = def.Retry
		cfg.Retry.Sleep = sleep
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s:%d", cfg.Host, cfg.Port)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		if !cfg.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // self-signed Splunk management port
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Transport: transport}
	}

	c := &Client{
		cfg:     cfg,
		baseURL: baseURL,
		http:    httpClient,
		logger:  cfg.Logger.With().Str("component", "splunk").Logger(),
		now:     time.Now,
	}
	c.cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		observability.RecordUpstreamRetry("splunk")
		c.logger.Warn().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Splunk request failed, retrying")
	}
	return c
}

// Host returns the configured host.
func (c *Client) Host() string { return c.cfg.Host }

// Port returns the configured port.
func (c *Client) Port() int { return c.cfg.Port }

// sessionToken returns the cached token or logs in. Concurrent callers that
// find no valid token share one login.
func (c *Client) sessionToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && c.now().Before(c.tokenExpires) {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	v, err, _ := c.login.Do("login", func() (interface{}, error) {
		// A login may have completed between the check above and Do.
		c.mu.Lock()
		if c.token != "" && c.now().Before(c.tokenExpires) {
			token := c.token
			c.mu.Unlock()
			return token, nil
		}
		c.mu.Unlock()

		token, err := c.authenticate(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}

		c.mu.Lock()
		c.token = token
		c.tokenExpires = c.now().Add(tokenLifetime)
		c.mu.Unlock()

		c.logger.Info().Msg("Obtained new Splunk session token")
		return token, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate clears the cached token only if it is still the one that failed.
func (c *Client) invalidate(token string) {
	c.mu.Lock()
	if c.token == token {
		c.token = ""
		c.tokenExpires = time.Time{}
	}
	c.mu.Unlock()
}

type loginResponse struct {
	SessionKey string `xml:"sessionKey"`
}

func (c *Client) authenticate(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("username", c.cfg.Username)
	form.Set("password", c.cfg.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/services/auth/login", strings.NewReader(form.Encode()))
	if err != nil {
		return "", retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("splunk login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("splunk login: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("splunk authentication failed: HTTP %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			return "", retry.Permanent(err)
		}
		return "", err
	}

	var lr loginResponse
	if err := xml.Unmarshal(body, &lr); err != nil || strings.TrimSpace(lr.SessionKey) == "" {
		return "", retry.Permanent(errors.New("failed to parse Splunk session key from response"))
	}
	return strings.TrimSpace(lr.SessionKey), nil
}

// do sends an authenticated request through the retry policy and returns the
// response body of the first 2xx response.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	body, res := retry.DoWithValue(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) ([]byte, error) {
		token, err := c.sessionToken(ctx)
		if err != nil {
			return nil, err
		}

		body, status, err := c.send(ctx, method, path, form, token)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized {
			c.invalidate(token)
			c.logger.Debug().Str("path", path).Msg("Splunk session expired, re-authenticating")

			if token, err = c.sessionToken(ctx); err != nil {
				return nil, err
			}
			if body, status, err = c.send(ctx, method, path, form, token); err != nil {
				return nil, err
			}
			if status == http.StatusUnauthorized {
				c.invalidate(token)
				return nil, retry.Permanent(ErrUnauthorized)
			}
		}

		switch {
		case status >= 500:
			return nil, &StatusError{StatusCode: status, Body: string(body)}
		case status >= 400:
			return nil, retry.Permanent(&StatusError{StatusCode: status, Body: string(body)})
		}
		return body, nil
	})
	if res.Err != nil {
		if res.Attempts > 1 {
			return nil, fmt.Errorf("splunk request failed after %d attempts: %w", res.Attempts, res.Err)
		}
		return nil, res.Err
	}
	return body, nil
}

func (c *Client) send(ctx context.Context, method, path string, form url.Values, token string) ([]byte, int, error) {
	var reader io.Reader
	if form != nil {
		reader = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, 0, retry.Permanent(err)
	}
	req.Header.Set("Authorization", "Splunk "+token)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, retry.Permanent(err)
		}
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
