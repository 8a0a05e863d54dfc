// Package bitbucket is a Bitbucket Data Center client for code search and raw
// file reads, authenticated with a bearer token.
package bitbucket

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/harun/datalens/internal/observability"
	"github.com/harun/datalens/internal/tracing"
	"github.com/harun/datalens/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	defaultSearchLimit = 25
	maxSearchLimit     = 999
)

// StatusError is a non-2xx response from Bitbucket.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bitbucket API error: HTTP %d - %s", e.StatusCode, e.Body)
}

// Config configures a Client.
type Config struct {
	BaseURL        string
	Token          string
	DefaultProject string
	VerifySSL      bool
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Retry      retry.Config
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// DefaultConfig returns 10s connect and 30s read timeouts.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		Retry:          retry.DefaultConfig(),
		Logger:         log.Logger,
	}
}

// Client talks to the Bitbucket REST API.
type Client struct {
	cfg     Config
	baseURL string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient creates a client. A trailing slash on BaseURL is dropped.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		sleep := cfg.Retry.Sleep
		cfg.Retry = def.Retry
		cfg.Retry.Sleep = sleep
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		transport := http.DefaultTransport.(*http.Transport).Clone()
		transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: 30 * time.Second}).DialContext
		if !cfg.VerifySSL {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // internal CA
		}
		httpClient = &http.Client{Timeout: cfg.ReadTimeout, Transport: transport}
	}

	c := &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		logger:  cfg.Logger.With().Str("component", "bitbucket").Logger(),
	}
	c.cfg.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		observability.RecordUpstreamRetry("bitbucket")
		c.logger.Warn().
			Int("attempt", attempt).
			Dur("backoff", delay).
			Err(err).
			Msg("Bitbucket request failed, retrying")
	}
	return c
}

// ServerInfo is the result of a connection check.
type ServerInfo struct {
	Connected   bool   `json:"connected"`
	Version     string `json:"version"`
	DisplayName string `json:"displayName"`
	BuildNumber string `json:"buildNumber"`
}

// MatchingLine is one line of a search hit.
type MatchingLine struct {
	Line int    `json:"line"`
	Text string `json:"text"`
}

// CodeMatch is one file returned by code search.
type CodeMatch struct {
	Repository    string         `json:"repository"`
	Project       string         `json:"project"`
	FilePath      string         `json:"filePath"`
	MatchingLines []MatchingLine `json:"matchingLines"`
}

// SearchResult is the outcome of a code search.
type SearchResult struct {
	Count   int         `json:"count"`
	Query   string      `json:"query"`
	Results []CodeMatch `json:"results"`
}

// CheckConnection reads the application properties.
func (c *Client) CheckConnection(ctx context.Context) (*ServerInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/rest/api/1.0/application-properties", nil)
	if err != nil {
		return nil, err
	}

	var props struct {
		Version     string      `json:"version"`
		DisplayName string      `json:"displayName"`
		BuildNumber interface{} `json:"buildNumber"`
	}
	if err := json.Unmarshal(body, &props); err != nil {
		return nil, fmt.Errorf("decode application properties: %w", err)
	}
	return &ServerInfo{
		Connected:   true,
		Version:     props.Version,
		DisplayName: props.DisplayName,
		BuildNumber: text(props.BuildNumber),
	}, nil
}

// SearchLimit clamps a requested limit to 1..999, defaulting to 25.
func SearchLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultSearchLimit
	case limit > maxSearchLimit:
		return maxSearchLimit
	}
	return limit
}

type searchResponse struct {
	Code struct {
		Values []struct {
			Repository struct {
				Slug    string `json:"slug"`
				Project struct {
					Key string `json:"key"`
				} `json:"project"`
			} `json:"repository"`
			File struct {
				Path string `json:"path"`
			} `json:"file"`
			HitContexts []json.RawMessage `json:"hitContexts"`
		} `json:"values"`
	} `json:"code"`
}

// SearchCode searches the default branch of every repository in the default
// project.
func (c *Client) SearchCode(ctx context.Context, query string, limit int) (*SearchResult, error) {
	limit = SearchLimit(limit)
	fullQuery := strings.TrimSpace(query)
	if c.cfg.DefaultProject != "" {
		fullQuery += " project:" + c.cfg.DefaultProject
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "bitbucket.SearchCode",
		attribute.String("bitbucket.query", fullQuery),
		attribute.Int("bitbucket.limit", limit),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().
		Str("query", fullQuery).
		Int("limit", limit).
		Msg("Searching Bitbucket code")

	payload, err := json.Marshal(map[string]interface{}{
		"query": fullQuery,
		"entities": map[string]interface{}{
			"code": map[string]int{"start": 0, "limit": limit},
		},
	})
	if err != nil {
		return nil, err
	}

	body, err := c.do(ctx, http.MethodPost, "/rest/search/latest/search", payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	result := &SearchResult{Query: fullQuery, Results: make([]CodeMatch, 0, len(resp.Code.Values))}
	for _, v := range resp.Code.Values {
		match := CodeMatch{
			Repository:    v.Repository.Slug,
			Project:       v.Repository.Project.Key,
			FilePath:      v.File.Path,
			MatchingLines: []MatchingLine{},
		}
		for _, hit := range v.HitContexts {
			match.MatchingLines = append(match.MatchingLines, hitLines(hit)...)
		}
		result.Results = append(result.Results, match)
	}
	result.Count = len(result.Results)
	return result, nil
}

// ReadFile returns the raw content of a file. An empty branch reads the
// repository's default branch.
func (c *Client) ReadFile(ctx context.Context, repoSlug, filePath, branch string) (string, error) {
	segments := strings.Split(strings.Trim(filePath, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}

	path := fmt.Sprintf("/rest/api/1.0/projects/%s/repos/%s/raw/%s",
		url.PathEscape(c.cfg.DefaultProject), url.PathEscape(repoSlug), strings.Join(segments, "/"))
	if branch = strings.TrimSpace(branch); branch != "" {
		path += "?" + url.Values{"at": {branch}}.Encode()
	}

	logger := tracing.LoggerFromContext(ctx, c.logger)
	logger.Info().
		Str("repo", repoSlug).
		Str("path", filePath).
		Str("branch", branch).
		Msg("Reading file from Bitbucket")

	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// hitLines accepts a hit context either as a bare array of lines or as an
// object with a "lines" array.
func hitLines(raw json.RawMessage) []MatchingLine {
	var lines []MatchingLine
	if err := json.Unmarshal(raw, &lines); err == nil {
		return lines
	}
	var wrapped struct {
		Lines []MatchingLine `json:"lines"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil {
		return wrapped.Lines
	}
	return nil
}

func text(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

// do sends a request through the retry policy. 5xx and transport errors are
// retried; any other non-2xx status is returned at once.
func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	body, res := retry.DoWithValue(ctx, c.cfg.Retry, func(ctx context.Context, attempt int) ([]byte, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, retry.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 500:
			return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
		case resp.StatusCode >= 400:
			return nil, retry.Permanent(&StatusError{StatusCode: resp.StatusCode, Body: string(data)})
		}
		return data, nil
	})
	if res.Err != nil {
		if res.Attempts > 1 {
			return nil, fmt.Errorf("bitbucket request failed after %d attempts: %w", res.Attempts, res.Err)
		}
		return nil, res.Err
	}
	return body, nil
}
