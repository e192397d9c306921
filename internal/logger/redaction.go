package logger

import (
	"io"
	"regexp"
)

// Redactor masks secrets before log lines reach any sink. The default
// patterns cover everything the engine handles: AI profile keys, the
// gateway shared secret and the usual credential-shaped fields that
// show up in tool payloads.
type Redactor struct {
	patterns []*regexp.Regexp
}

// NewRedactor creates a redactor with the engine's default patterns.
func NewRedactor() *Redactor {
	return &Redactor{
		patterns: []*regexp.Regexp{
			// AI profile API keys (OpenAI and Anthropic formats)
			regexp.MustCompile(`sk-[a-zA-Z0-9_-]{20,}`),
			regexp.MustCompile(`sk-ant-[a-zA-Z0-9_-]{20,}`),

			// api_key fields from config dumps and tool payloads
			regexp.MustCompile(`api_key["\s:=]+[^\s",}]+`),

			// Gateway shared secret, as a config field or the RPC header
			regexp.MustCompile(`shared_secret["\s:=]+[^\s",}]+`),
			regexp.MustCompile(`X-Weave-Secret["\s:]+[^\s",}]+`),

			// Bearer tokens
			regexp.MustCompile(`Bearer\s+[a-zA-Z0-9._-]+`),

			// Credential-shaped fields in passthrough payloads
			regexp.MustCompile(`password["\s:=]+[^\s"]+`),
			regexp.MustCompile(`token["\s:=]+[a-zA-Z0-9._-]{20,}`),
			regexp.MustCompile(`secret["\s:=]+[^\s"]+`),
		},
	}
}

// AddPattern adds a custom redaction pattern
func (r *Redactor) AddPattern(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	r.patterns = append(r.patterns, re)
	return nil
}

// Redact redacts sensitive information from a string
func (r *Redactor) Redact(s string) string {
	result := s
	for _, pattern := range r.patterns {
		result = pattern.ReplaceAllString(result, "[REDACTED]")
	}
	return result
}

// Wrap wraps an io.Writer to redact sensitive information
func (r *Redactor) Wrap(w io.Writer) io.Writer {
	return &redactingWriter{
		writer:   w,
		redactor: r,
	}
}

type redactingWriter struct {
	writer   io.Writer
	redactor *Redactor
}

func (w *redactingWriter) Write(p []byte) (n int, err error) {
	redacted := w.redactor.Redact(string(p))
	return w.writer.Write([]byte(redacted))
}
