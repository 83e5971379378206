package pii

import "strings"

// StreamUnmasker restores tokens in a chunked stream where a token may be
// split across chunk boundaries. It holds back any trailing fragment that
// could still grow into a token and releases it once the token closes, the
// fragment can no longer be a token, or the stream is flushed.
//
// A StreamUnmasker is not safe for concurrent use.
type StreamUnmasker struct {
	masker  *Masker
	pending strings.Builder
}

// NewStreamUnmasker returns an unmasker that resolves tokens against m.
func NewStreamUnmasker(m *Masker) *StreamUnmasker {
	return &StreamUnmasker{masker: m}
}

// Write accepts the next chunk and returns the text that is safe to emit.
// The result may be empty when the whole chunk is held back.
func (s *StreamUnmasker) Write(chunk string) string {
	if chunk == "" {
		return ""
	}
	s.pending.WriteString(chunk)
	buf := s.pending.String()

	cut := holdFrom(buf)
	ready, rest := buf[:cut], buf[cut:]

	s.pending.Reset()
	s.pending.WriteString(rest)
	return s.masker.Unmask(ready)
}

// Flush releases everything still held back.
func (s *StreamUnmasker) Flush() string {
	buf := s.pending.String()
	s.pending.Reset()
	return s.masker.Unmask(buf)
}

// holdFrom returns the index at which a possibly incomplete token starts, or
// len(buf) when nothing needs holding back.
func holdFrom(buf string) int {
	// An unclosed "[PII:" near the tail.
	if i := strings.LastIndex(buf, tokenPrefix); i >= 0 {
		if !strings.Contains(buf[i:], tokenSuffix) && len(buf)-i < maxTokenLen {
			return i
		}
	}
	// A tail that is a proper prefix of "[PII:".
	start := len(buf) - len(tokenPrefix) + 1
	if start < 0 {
		start = 0
	}
	for i := start; i < len(buf); i++ {
		if strings.HasPrefix(tokenPrefix, buf[i:]) {
			return i
		}
	}
	return len(buf)
}
