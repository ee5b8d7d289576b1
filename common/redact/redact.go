// Package redact strips credentials (LLM API keys, Matrix access tokens,
// Redis passwords) from text before it is logged or posted back into a
// conversation as a failure notice.
//
// Redaction is best-effort and string based. It does not replace keeping
// secrets out of log call-sites.
package redact

import (
	"sort"
	"strings"
)

const placeholder = "[REDACTED]"

// minSecretLen is the shortest value worth redacting; shorter values would
// produce spurious replacements of common substrings.
const minSecretLen = 4

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].
//
//	safe := redact.String(errText, apiKey, matrixToken)
func String(s string, sensitiveValues ...string) string {
	return New(sensitiveValues...).String(s)
}

// Redactor holds a fixed set of secrets. The zero value redacts nothing.
// A Redactor is immutable and safe for concurrent use.
type Redactor struct {
	secrets []string
}

// New returns a Redactor for the given values. Empty and short values are
// dropped; the rest are ordered longest first so that a secret containing
// another secret is replaced as a whole.
func New(sensitiveValues ...string) *Redactor {
	r := &Redactor{}
	for _, v := range sensitiveValues {
		if len(v) >= minSecretLen {
			r.secrets = append(r.secrets, v)
		}
	}
	sort.Slice(r.secrets, func(i, j int) bool { return len(r.secrets[i]) > len(r.secrets[j]) })
	return r
}

// String returns s with all known secrets replaced.
func (r *Redactor) String(s string) string {
	if r == nil {
		return s
	}
	for _, v := range r.secrets {
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Error returns the redacted text of err, or "" when err is nil.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.String(err.Error())
}
