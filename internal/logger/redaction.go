package logger

import (
	"io"
	"regexp"
)

const redacted = "[REDACTED]"

type redactRule struct {
	re *regexp.Regexp
	// repl may reference groups of re to keep the non-secret prefix.
	repl string
}

func rule(pattern, repl string) redactRule {
	return redactRule{re: regexp.MustCompile(pattern), repl: repl}
}

// Redactor masks credentials in log output: model API keys, Bitbucket and
// Splunk auth headers, Splunk session keys, passwords and DSN userinfo.
type Redactor struct {
	rules []redactRule
}

func NewRedactor() *Redactor {
	keep := "${1}" + redacted
	return &Redactor{rules: []redactRule{
		rule(`sk-(?:ant-)?[a-zA-Z0-9_-]{20,}`, redacted),
		rule(`(Bearer\s+)[a-zA-Z0-9._~+/=-]+`, keep),
		rule(`(Splunk\s+)[a-zA-Z0-9._~+/=^-]{16,}`, keep),
		rule(`(<sessionKey>)[^<]*(</sessionKey>)`, keep+"${2}"),
		rule(`(password["\s:=]+)[^\s",}]+`, keep),
		rule(`(://[^:/@\s]+:)[^@\s]+@`, keep+"@"),
		rule(`(token["\s:=]+)[a-zA-Z0-9._-]{20,}`, keep),
		rule(`(secret["\s:=]+)[^\s"]+`, keep),
	}}
}

// AddPattern masks every match of pattern in full.
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.rules = append(r.rules, redactRule{re: re, repl: redacted})
	return nil
}

func (r *Redactor) Redact(s string) string {
	for _, rr := range r.rules {
		s = rr.re.ReplaceAllString(s, rr.repl)
	}
	return s
}

// Wrap returns a writer that redacts each write before passing it to w.
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return redactingWriter{out: w, r: r}
}

type redactingWriter struct {
	out io.Writer
	r   *Redactor
}

// Write reports len(p) on success; redaction changes the length of what
// reaches the underlying writer.
func (w redactingWriter) Write(p []byte) (int, error) {
	if _, err := io.WriteString(w.out, w.r.Redact(string(p))); err != nil {
		return 0, err
	}
	return len(p), nil
}
