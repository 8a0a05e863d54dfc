package cli

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const toolsBody = `{"count":2,"tools":[
{"name":"executeQuery","description":"Run a SELECT","group":"database","parameters":{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}},
{"name":"splunkExecuteQuery","description":"Run a search","group":"splunk","parameters":{"type":"object","properties":{}}}
]}`

func toolsServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/tools", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(toolsBody))
	}))
}

func TestToolsCommand(t *testing.T) {
	ts := toolsServer(t)
	defer ts.Close()

	cmd := newTestRoot(t)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"tools", "--server", ts.URL, "--group="})
	require.NoError(t, cmd.Execute())

	var listing struct {
		Tools []toolListing `yaml:"tools"`
	}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &listing))
	require.Len(t, listing.Tools, 2)
	assert.Equal(t, "executeQuery", listing.Tools[0].Name)
	assert.Equal(t, "database", listing.Tools[0].Group)
	assert.Contains(t, out.String(), "required:")
}

func TestToolsCommandGroupFilter(t *testing.T) {
	ts := toolsServer(t)
	defer ts.Close()

	cmd := newTestRoot(t)
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"tools", "--server", ts.URL, "--group", "splunk"})
	require.NoError(t, cmd.Execute())

	assert.Contains(t, out.String(), "splunkExecuteQuery")
	assert.NotContains(t, out.String(), "name: executeQuery")

	cmd.SetArgs([]string{"tools", "--server", ts.URL, "--group", "jira"})
	assert.Error(t, cmd.Execute())
}
