// Package pii provides reversible, request-scoped masking of personal data
// before text crosses the trust boundary to a model provider.
//
// A Masker is built per request and owns its substitution table. Callers must
// Clear it on every exit path; the table holds the original sensitive values.
package pii

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Kind names a class of personal data.
type Kind string

const (
	KindEmail      Kind = "EMAIL"
	KindCreditCard Kind = "CARD"
	KindPhone      Kind = "PHONE"
	KindPostalCode Kind = "POSTAL"
)

// Pattern is one detection rule. Patterns are applied in order, so more
// specific patterns must come first.
type Pattern struct {
	Kind  Kind
	Regex *regexp.Regexp
}

// DefaultPatterns is the recognised PII set.
var DefaultPatterns = []Pattern{
	{KindEmail, regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)},
	{KindCreditCard, regexp.MustCompile(`\b(?:\d{4}[-\s]?){3}\d{4}\b`)},
	{KindPhone, regexp.MustCompile(`(?:\+\d{1,3}[-\s]?)?\b0?\d{1,4}[-\s]\d{2,4}[-\s]\d{3,4}\b|\b0\d{9,10}\b`)},
	{KindPostalCode, regexp.MustCompile(`〒\s?\d{3}-?\d{4}|\b\d{3}-\d{4}\b`)},
}

const (
	tokenPrefix = "[PII:"
	tokenSuffix = "]"
	// maxTokenLen bounds how long the stream unmasker holds back a fragment.
	maxTokenLen = 48
)

// Masker substitutes PII with stable opaque tokens and restores them.
// It is safe for concurrent use.
type Masker struct {
	mu       sync.Mutex
	instance string
	patterns []Pattern
	seq      int
	byValue  map[string]string
	byToken  map[string]string
	replacer *strings.Replacer
}

// Option configures a Masker.
type Option func(*Masker)

// WithPatterns replaces the default pattern set.
func WithPatterns(patterns []Pattern) Option {
	return func(m *Masker) { m.patterns = patterns }
}

// NewMasker creates a masker with an empty table and an instance id that
// makes its tokens distinct from any other masker's.
func NewMasker(opts ...Option) *Masker {
	m := &Masker{
		instance: strings.ReplaceAll(uuid.New().String(), "-", "")[:8],
		patterns: DefaultPatterns,
		byValue:  make(map[string]string),
		byToken:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Mask replaces every recognised PII value in text with its token. The same
// value always maps to the same token for the lifetime of the table.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.patterns {
		text = p.Regex.ReplaceAllStringFunc(text, func(value string) string {
			return m.tokenFor(p.Kind, value)
		})
	}
	return text
}

// tokenFor must be called with mu held.
func (m *Masker) tokenFor(kind Kind, value string) string {
	if token, ok := m.byValue[value]; ok {
		return token
	}
	m.seq++
	token := fmt.Sprintf("%s%s:%s:%d%s", tokenPrefix, kind, m.instance, m.seq, tokenSuffix)
	m.byValue[value] = token
	m.byToken[token] = value
	m.replacer = nil
	return token
}

// Unmask restores every token this masker issued. Unknown tokens, including
// tokens from other maskers, are left as they are.
func (m *Masker) Unmask(text string) string {
	if text == "" || !strings.Contains(text, tokenPrefix) {
		return text
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.byToken) == 0 {
		return text
	}
	if m.replacer == nil {
		m.replacer = m.buildReplacer()
	}
	return m.replacer.Replace(text)
}

// buildReplacer orders longer tokens first so "[...:1]" never shadows
// "[...:10]". Tokens are bracketed, so this is belt and braces.
func (m *Masker) buildReplacer() *strings.Replacer {
	tokens := make([]string, 0, len(m.byToken))
	for token := range m.byToken {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(i, j int) bool { return len(tokens[i]) > len(tokens[j]) })

	pairs := make([]string, 0, 2*len(tokens))
	for _, token := range tokens {
		pairs = append(pairs, token, m.byToken[token])
	}
	return strings.NewReplacer(pairs...)
}

// Len returns the number of distinct values currently masked.
func (m *Masker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byToken)
}

// Clear discards the substitution table. It is safe to call more than once.
func (m *Masker) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.byValue {
		delete(m.byValue, k)
	}
	for k := range m.byToken {
		delete(m.byToken, k)
	}
	m.replacer = nil
}
