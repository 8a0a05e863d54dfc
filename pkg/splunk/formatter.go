package splunk

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

var priorityFields = []string{"_time", "host", "source", "sourcetype", "message", "_raw"}

const (
	summaryThreshold  = 10
	topValueLimit     = 10
	topMessageLimit   = 20
	summaryMessageLen = 200
)

// Record is a cleaned result row that marshals priority fields first.
type Record struct {
	keys   []string
	values map[string]interface{}
}

// Get returns a field of the record.
func (r Record) Get(key string) (interface{}, bool) {
	v, ok := r.values[key]
	return v, ok
}

// Keys returns the field names in output order.
func (r Record) Keys() []string {
	return append([]string(nil), r.keys...)
}

// MarshalJSON writes fields in Keys order.
func (r Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// ValueCount is one entry of a top-N list.
type ValueCount struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// MessageCount is one entry of the top messages list.
type MessageCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// Timeline spans the first and last event in result order.
type Timeline struct {
	FirstEvent string `json:"firstEvent"`
	LastEvent  string `json:"lastEvent"`
}

// AnalysisSummary condenses a large result set for the model.
type AnalysisSummary struct {
	EventCount           int            `json:"eventCount"`
	Timeline             *Timeline      `json:"timeline,omitempty"`
	SeverityDistribution map[string]int `json:"severityDistribution,omitempty"`
	TopHosts             []ValueCount   `json:"topHosts"`
	TopSources           []ValueCount   `json:"topSources"`
	TopSourcetypes       []ValueCount   `json:"topSourcetypes"`
	TopMessages          []MessageCount `json:"topMessages,omitempty"`
}

// QueryResponse is the tool payload for a query.
type QueryResponse struct {
	Results            []Record         `json:"results"`
	TotalResults       int              `json:"totalResults"`
	Truncated          bool             `json:"truncated"`
	TruncationGuidance string           `json:"truncation_guidance,omitempty"`
	AnalysisSummary    *AnalysisSummary `json:"analysis_summary,omitempty"`
}

// FormatQueryResponse cleans rows and adds truncation guidance and, for more
// than ten rows, an analysis summary.
func FormatQueryResponse(res *QueryResult) *QueryResponse {
	out := &QueryResponse{
		Results:      make([]Record, 0, len(res.Results)),
		TotalResults: len(res.Results),
		Truncated:    res.Truncated,
	}
	for _, row := range res.Results {
		out.Results = append(out.Results, CleanResult(row))
	}

	if res.Truncated {
		out.TruncationGuidance = fmt.Sprintf(
			"Results were capped at %d. Narrow your time range or add filters to get complete data.", res.Cap)
	}
	if len(res.Results) > summaryThreshold {
		out.AnalysisSummary = buildSummary(res.Results)
	}
	return out
}

// CleanResult keeps priority fields first, then the remaining fields sorted by
// name. Internal fields starting with "_" are dropped unless they are priority
// fields.
func CleanResult(row map[string]interface{}) Record {
	rec := Record{values: make(map[string]interface{}, len(row))}
	for _, f := range priorityFields {
		if v, ok := row[f]; ok {
			rec.keys = append(rec.keys, f)
			rec.values[f] = v
		}
	}

	rest := make([]string, 0, len(row))
	for k := range row {
		if strings.HasPrefix(k, "_") || isPriority(k) {
			continue
		}
		rest = append(rest, k)
	}
	sort.Strings(rest)
	for _, k := range rest {
		rec.keys = append(rec.keys, k)
		rec.values[k] = row[k]
	}
	return rec
}

func isPriority(field string) bool {
	for _, f := range priorityFields {
		if f == field {
			return true
		}
	}
	return false
}

func buildSummary(rows []map[string]interface{}) *AnalysisSummary {
	s := &AnalysisSummary{EventCount: len(rows)}

	for _, r := range rows {
		t, ok := fieldText(r, "_time")
		if !ok {
			continue
		}
		if s.Timeline == nil {
			s.Timeline = &Timeline{FirstEvent: t}
		}
		s.Timeline.LastEvent = t
	}

	severity := newCounter()
	for _, r := range rows {
		for _, f := range []string{"severity", "level", "log_level"} {
			if v, ok := fieldText(r, f); ok {
				if v != "" {
					severity.add(v)
				}
				break
			}
		}
	}
	if len(severity.order) > 0 {
		s.SeverityDistribution = severity.counts
	}

	s.TopHosts = topValues(rows, "host", topValueLimit)
	s.TopSources = topValues(rows, "source", topValueLimit)
	s.TopSourcetypes = topValues(rows, "sourcetype", topValueLimit)

	messages := newCounter()
	for _, r := range rows {
		msg, ok := fieldText(r, "message")
		if !ok {
			msg, ok = fieldText(r, "_raw")
		}
		if !ok {
			continue
		}
		if utf8.RuneCountInString(msg) > summaryMessageLen {
			msg = string([]rune(msg)[:summaryMessageLen]) + "..."
		}
		messages.add(msg)
	}
	for _, kv := range messages.top(topMessageLimit) {
		s.TopMessages = append(s.TopMessages, MessageCount{Message: kv.Value, Count: kv.Count})
	}
	return s
}

func topValues(rows []map[string]interface{}, field string, limit int) []ValueCount {
	c := newCounter()
	for _, r := range rows {
		if v, ok := fieldText(r, field); ok && v != "" {
			c.add(v)
		}
	}
	return c.top(limit)
}

// fieldText returns a field as text; absent and null fields report false.
func fieldText(row map[string]interface{}, field string) (string, bool) {
	v, ok := row[field]
	if !ok || v == nil {
		return "", false
	}
	return asText(v), true
}

// counter counts values and remembers first-seen order for stable ties.
type counter struct {
	counts map[string]int
	order  []string
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int)}
}

func (c *counter) add(v string) {
	if _, ok := c.counts[v]; !ok {
		c.order = append(c.order, v)
	}
	c.counts[v]++
}

func (c *counter) top(limit int) []ValueCount {
	out := make([]ValueCount, 0, len(c.order))
	for _, v := range c.order {
		out = append(out, ValueCount{Value: v, Count: c.counts[v]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
