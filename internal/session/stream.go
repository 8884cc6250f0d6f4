package session

import "strings"

// staticStream replays a fixed token list.
type staticStream struct {
	tokens []string
	text   string
	err    error
	pos    int
	cur    string
	closed bool
}

// NewStaticStream returns a stream over tokens. If text is empty the joined
// tokens are reported as the decoded text. A non-nil err is surfaced after the
// tokens are exhausted.
func NewStaticStream(tokens []string, text string, err error) TokenStream {
	if text == "" {
		text = strings.Join(tokens, "")
	}
	return &staticStream{tokens: tokens, text: text, err: err}
}

func (s *staticStream) Next() bool {
	if s.closed || s.pos >= len(s.tokens) {
		s.cur = ""
		return false
	}
	s.cur = s.tokens[s.pos]
	s.pos++
	return true
}

func (s *staticStream) Token() string { return s.cur }

func (s *staticStream) Err() error {
	if s.pos < len(s.tokens) {
		return nil
	}
	return s.err
}

func (s *staticStream) Text() string {
	if s.err != nil {
		return ""
	}
	return s.text
}

func (s *staticStream) Close() error {
	s.closed = true
	return nil
}
