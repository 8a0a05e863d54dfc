package agent

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

const (
	defaultSchemaPlaceholder   = "{{defaultSchema}}"
	secondarySchemaPlaceholder = "{{secondarySchema}}"
)

// DefaultPromptTemplate is used when no prompt file is configured.
const DefaultPromptTemplate = `You are DataLens, an assistant for engineers investigating data and production issues.

You can query relational databases, search Splunk logs, search Bitbucket code and read Outlook email threads through the tools you are given.

Guidelines:
- The default database schema is {{defaultSchema}}. The secondary schema is {{secondarySchema}}. Qualify table names with the schema when it is not the default.
- Only run read-only SELECT queries and always add a LIMIT clause.
- Call getCurrentStatus or connectToEnvironment before querying when the environment is unclear.
- Inspect table structure with listTables and getTableSchema before writing non-trivial queries.
- When a tool returns an error, explain it and suggest a next step instead of retrying the same call.
- Answer in concise Markdown. Use tables for tabular results.`

// Prompt holds the rendered system prompt and re-renders it when the
// template file changes. It is safe for concurrent use.
type Prompt struct {
	defaultSchema   string
	secondarySchema string

	mu   sync.RWMutex
	path string
	text string
}

// NewPrompt renders the built-in template. Empty schemas fall back to
// SCHEMA_A and SCHEMA_B.
func NewPrompt(defaultSchema, secondarySchema string) *Prompt {
	if defaultSchema == "" {
		defaultSchema = "SCHEMA_A"
	}
	if secondarySchema == "" {
		secondarySchema = "SCHEMA_B"
	}
	p := &Prompt{defaultSchema: defaultSchema, secondarySchema: secondarySchema}
	p.text = p.render(DefaultPromptTemplate)
	return p
}

// Load reads the template at path and makes it the reload source. An empty
// path keeps the built-in template.
func (p *Prompt) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read system prompt %s: %w", path, err)
	}

	p.mu.Lock()
	p.path = path
	p.text = p.render(string(data))
	p.mu.Unlock()
	return nil
}

// Reload re-reads the current template file. The previous text is kept when
// the file cannot be read.
func (p *Prompt) Reload() error {
	return p.Load(p.Path())
}

// Path returns the template file, or "" for the built-in template.
func (p *Prompt) Path() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.path
}

// Text returns the rendered prompt.
func (p *Prompt) Text() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

func (p *Prompt) render(template string) string {
	return strings.NewReplacer(
		defaultSchemaPlaceholder, p.defaultSchema,
		secondarySchemaPlaceholder, p.secondarySchema,
	).Replace(template)
}
