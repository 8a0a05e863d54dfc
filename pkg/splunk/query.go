package splunk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/harun/datalens/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// QueryResult holds the rows fetched for one search job.
type QueryResult struct {
	Results   []map[string]interface{} `json:"results"`
	Total     int                      `json:"totalResults"`
	Truncated bool                     `json:"truncated"`
	// Cap is the effective row limit the query ran with.
	Cap int `json:"-"`
}

// IndexInfo describes one Splunk index.
type IndexInfo struct {
	Name            string `json:"name"`
	TotalEventCount string `json:"totalEventCount"`
	CurrentDBSizeMB string `json:"currentDBSizeMB"`
	Disabled        bool   `json:"disabled"`
}

// ServerInfo is the result of a connection check.
type ServerInfo struct {
	Connected  bool   `json:"connected"`
	ServerName string `json:"serverName"`
	Version    string `json:"version"`
	OS         string `json:"os"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

type entryList struct {
	Entry []struct {
		Name    string                 `json:"name"`
		Content map[string]interface{} `json:"content"`
	} `json:"entry"`
}

type jobStatus struct {
	Entry []struct {
		Content struct {
			IsDone        bool   `json:"isDone"`
			IsFailed      bool   `json:"isFailed"`
			DispatchState string `json:"dispatchState"`
		} `json:"content"`
	} `json:"entry"`
}

// NormalizeQuery prefixes bare index queries with the search command.
func NormalizeQuery(query string) string {
	spl := strings.TrimSpace(query)
	if strings.HasPrefix(spl, "index=") || strings.HasPrefix(spl, "index =") {
		spl = "search " + spl
	}
	return spl
}

// EffectiveCap returns min(requested, MaxResults); non-positive requests use
// MaxResults.
func (c *Client) EffectiveCap(requested int) int {
	if requested > 0 && requested < c.cfg.MaxResults {
		return requested
	}
	return c.cfg.MaxResults
}

// CheckConnection reads the server info endpoint.
func (c *Client) CheckConnection(ctx context.Context) (*ServerInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/services/server/info?output_mode=json", nil)
	if err != nil {
		return nil, err
	}

	var list entryList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode server info: %w", err)
	}

	info := &ServerInfo{Connected: true, Host: c.cfg.Host, Port: c.cfg.Port}
	if len(list.Entry) > 0 {
		content := list.Entry[0].Content
		info.ServerName = asText(content["serverName"])
		info.Version = asText(content["version"])
		info.OS = asText(content["os_name"])
	}
	return info, nil
}

// ExecuteQuery submits a search job, waits for it to finish and fetches up to
// min(maxResults, MaxResults) rows. Empty time bounds use the configured
// defaults.
func (c *Client) ExecuteQuery(ctx context.Context, query, earliest, latest string, maxResults int) (*QueryResult, error) {
	spl := NormalizeQuery(query)
	if strings.TrimSpace(earliest) == "" {
		earliest = c.cfg.EarliestTime
	}
	if strings.TrimSpace(latest) == "" {
		latest = c.cfg.LatestTime
	}
	limit := c.EffectiveCap(maxResults)

	ctx, span := tracing.StartSpan(ctx, tracing.TracerTools, "splunk.ExecuteQuery",
		attribute.String("splunk.earliest", earliest),
		attribute.String("splunk.latest", latest),
		attribute.Int("splunk.cap", limit),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, c.logger)

	sid, err := c.submit(ctx, spl, earliest, latest, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	logger.Info().Str("sid", sid).Msg("Created Splunk search job")

	if err := c.waitForJob(ctx, sid); err != nil {
		span.RecordError(err)
		return nil, err
	}

	results, err := c.fetchResults(ctx, sid, limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logger.Info().Str("sid", sid).Int("results", len(results)).Msg("Fetched search job results")
	span.SetAttributes(attribute.Int("splunk.results", len(results)))

	return &QueryResult{
		Results:   results,
		Total:     len(results),
		Truncated: len(results) >= limit,
		Cap:       limit,
	}, nil
}

func (c *Client) submit(ctx context.Context, spl, earliest, latest string, limit int) (string, error) {
	form := url.Values{}
	form.Set("search", spl)
	form.Set("earliest_time", earliest)
	form.Set("latest_time", latest)
	form.Set("max_count", strconv.Itoa(limit))
	form.Set("output_mode", "json")

	body, err := c.do(ctx, http.MethodPost, "/services/search/jobs", form)
	if err != nil {
		return "", err
	}

	var job struct {
		SID string `json:"sid"`
	}
	if err := json.Unmarshal(body, &job); err != nil {
		return "", fmt.Errorf("decode search job: %w", err)
	}
	if job.SID == "" {
		return "", fmt.Errorf("failed to get search job SID from Splunk")
	}
	return job.SID, nil
}

// waitForJob polls the job until it is done. The deadline is checked before
// every poll.
func (c *Client) waitForJob(ctx context.Context, sid string) error {
	deadline := c.now().Add(c.cfg.MaxExecutionTime)
	path := "/services/search/jobs/" + url.PathEscape(sid) + "?output_mode=json"

	for {
		if !c.now().Before(deadline) {
			return fmt.Errorf("%w after %s", ErrJobTimeout, c.cfg.MaxExecutionTime)
		}

		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}

		var status jobStatus
		if err := json.Unmarshal(body, &status); err != nil {
			return fmt.Errorf("decode job status: %w", err)
		}
		if len(status.Entry) > 0 {
			content := status.Entry[0].Content
			if content.IsFailed || content.DispatchState == "FAILED" {
				return fmt.Errorf("search job %s failed", sid)
			}
			if content.IsDone {
				return nil
			}
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// fetchResults pages through job results until limit rows are collected or a
// short or empty page is returned.
func (c *Client) fetchResults(ctx context.Context, sid string, limit int) ([]map[string]interface{}, error) {
	results := make([]map[string]interface{}, 0)
	pageSize := c.cfg.PageSize
	offset := 0

	for len(results) < limit {
		path := fmt.Sprintf("/services/search/jobs/%s/results?output_mode=json&count=%d&offset=%d",
			url.PathEscape(sid), pageSize, offset)
		body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}

		var page struct {
			Results []map[string]interface{} `json:"results"`
		}
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("decode results page: %w", err)
		}
		if len(page.Results) == 0 {
			break
		}

		results = append(results, page.Results...)
		if len(page.Results) < pageSize {
			break
		}
		offset += len(page.Results)
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Indexes lists every index with its event count and size.
func (c *Client) Indexes(ctx context.Context) ([]IndexInfo, error) {
	body, err := c.do(ctx, http.MethodGet, "/services/data/indexes?output_mode=json&count=0", nil)
	if err != nil {
		return nil, err
	}

	var list entryList
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode indexes: %w", err)
	}

	indexes := make([]IndexInfo, 0, len(list.Entry))
	for _, e := range list.Entry {
		indexes = append(indexes, IndexInfo{
			Name:            e.Name,
			TotalEventCount: asText(e.Content["totalEventCount"]),
			CurrentDBSizeMB: asText(e.Content["currentDBSizeMB"]),
			Disabled:        asBool(e.Content["disabled"]),
		})
	}
	return indexes, nil
}

// Sourcetypes returns sourcetype metadata rows from the last 24 hours,
// optionally restricted to one index.
func (c *Client) Sourcetypes(ctx context.Context, index string) ([]map[string]interface{}, error) {
	spl := "| metadata type=sourcetypes"
	if index = strings.TrimSpace(index); index != "" {
		spl += " index=" + index
	}
	res, err := c.ExecuteQuery(ctx, spl, "-24h", "now", 1000)
	if err != nil {
		return nil, err
	}
	return res.Results, nil
}

// IndexForEnvironment maps an environment name, case-insensitively, to its
// configured index.
func (c *Client) IndexForEnvironment(env string) (string, bool) {
	index, ok := c.cfg.Indexes[strings.ToLower(strings.TrimSpace(env))]
	return index, ok && index != ""
}

// Environments returns the configured environment names, sorted.
func (c *Client) Environments() []string {
	envs := make([]string, 0, len(c.cfg.Indexes))
	for env := range c.cfg.Indexes {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	return envs
}

func asText(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func asBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	}
	return false
}
