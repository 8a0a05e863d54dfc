package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/harun/datalens/pkg/gateway"
	"github.com/harun/datalens/pkg/stream"
)

// apiClient talks to a running gateway.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *apiClient) health(ctx context.Context) (*gateway.HealthResponse, error) {
	var out gateway.HealthResponse
	if err := c.getJSON(ctx, "/api/v1/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) tools(ctx context.Context) (*gateway.ToolsResponse, error) {
	var out gateway.ToolsResponse
	if err := c.getJSON(ctx, "/api/v1/tools", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// chat streams one turn and calls onEvent for every decoded record. It
// returns the session id the server used.
func (c *apiClient) chat(ctx context.Context, message, sessionID string, onEvent func(stream.Event)) (string, error) {
	body, err := json.Marshal(gateway.ChatRequest{Message: message, SessionID: sessionID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/chat/stream", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", responseError(resp)
	}

	var opts []stream.DecoderOption
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		opts = append(opts, stream.WithSSEFraming())
	}
	dec := stream.NewDecoder(resp.Body, opts...)
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return resp.Header.Get("X-Session-Id"), fmt.Errorf("read stream: %w", err)
		}
		onEvent(ev)
	}
	return resp.Header.Get("X-Session-Id"), nil
}

func responseError(resp *http.Response) error {
	var body gateway.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, body.Error)
	}
	return fmt.Errorf("server returned %d", resp.StatusCode)
}
