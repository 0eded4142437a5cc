// Package jstream tokenizes a JSON document incrementally from a byte
// stream, so a huge sync response can be walked without materializing it.
// Sub-values of interest are captured: the scanner records raw bytes as
// they are consumed and can hand back the exact slice of one value for
// re-parsing with encoding/json, while everything else is skipped
// structurally and then released from memory.
package jstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Scanner wraps a json.Decoder over a recording reader.
type Scanner struct {
	tee *recorder
	dec *json.Decoder
}

// recorder retains every byte served to the decoder since the last
// Release, keyed by absolute input offset.
type recorder struct {
	r    io.Reader
	buf  []byte
	base int64 // absolute offset of buf[0]
	read int64 // total bytes served
}

func (t *recorder) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		t.read += int64(n)
		t.buf = append(t.buf, p[:n]...)
	}
	return n, err
}

func (t *recorder) slice(start, end int64) ([]byte, error) {
	if start < t.base || end > t.base+int64(len(t.buf)) || start > end {
		return nil, fmt.Errorf("jstream: capture range [%d,%d) outside buffer", start, end)
	}
	return t.buf[start-t.base : end-t.base], nil
}

func (t *recorder) release(upTo int64) {
	if upTo <= t.base {
		return
	}
	keep := upTo - t.base
	if keep > int64(len(t.buf)) {
		keep = int64(len(t.buf))
	}
	t.buf = t.buf[keep:]
	t.base += keep
}

// NewScanner reads one JSON document from r.
func NewScanner(r io.Reader) *Scanner {
	tee := &recorder{r: r}
	dec := json.NewDecoder(tee)
	dec.UseNumber()
	return &Scanner{tee: tee, dec: dec}
}

// Token returns the next token. io.EOF marks the end of the document.
func (s *Scanner) Token() (json.Token, error) {
	return s.dec.Token()
}

// More reports whether the current array or object has elements left.
func (s *Scanner) More() bool {
	return s.dec.More()
}

// Release drops retained bytes up to the current decode position. Safe to
// call between top-level values; captured slices are copies and survive.
func (s *Scanner) Release() {
	s.tee.release(s.dec.InputOffset())
}

// CaptureValue consumes the next value and returns its raw bytes, exactly
// as they appeared in the stream, for re-parsing with json.Unmarshal.
func (s *Scanner) CaptureValue() ([]byte, error) {
	start := s.dec.InputOffset()
	if err := s.SkipValue(); err != nil {
		return nil, err
	}
	end := s.dec.InputOffset()
	raw, err := s.tee.slice(start, end)
	if err != nil {
		return nil, err
	}
	// The recorded range starts right after the previous token; strip the
	// key separator and element comma that precede the value itself.
	raw = bytes.TrimLeft(raw, " \t\r\n:,")
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// SkipValue consumes the next value (scalar, object or array) without
// retaining anything, tracking nesting depth structurally.
func (s *Scanner) SkipValue() error {
	depth := 0
	for {
		tok, err := s.dec.Token()
		if err != nil {
			if err == io.EOF {
				return fmt.Errorf("jstream: unexpected end of document")
			}
			return fmt.Errorf("jstream: skip: %w", err)
		}
		if d, ok := tok.(json.Delim); ok {
			switch d {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
		if depth == 0 {
			return nil
		}
	}
}

// Object iterates the keys of the object whose opening brace is the next
// token. fn must consume the key's value with Token, CaptureValue,
// SkipValue or a nested Object/Array call.
func (s *Scanner) Object(fn func(key string) error) error {
	if err := s.expectDelim('{'); err != nil {
		return err
	}
	for s.dec.More() {
		tok, err := s.dec.Token()
		if err != nil {
			return fmt.Errorf("jstream: object key: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("jstream: object key is %T", tok)
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return s.expectDelim('}')
}

// Array iterates the elements of the array whose opening bracket is the
// next token. fn must consume one element per call.
func (s *Scanner) Array(fn func() error) error {
	if err := s.expectDelim('['); err != nil {
		return err
	}
	for s.dec.More() {
		if err := fn(); err != nil {
			return err
		}
	}
	return s.expectDelim(']')
}

// String consumes and returns a string value.
func (s *Scanner) String() (string, error) {
	tok, err := s.dec.Token()
	if err != nil {
		return "", fmt.Errorf("jstream: string: %w", err)
	}
	str, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("jstream: expected string, got %T", tok)
	}
	return str, nil
}

// Int consumes and returns an integer value.
func (s *Scanner) Int() (int64, error) {
	tok, err := s.dec.Token()
	if err != nil {
		return 0, fmt.Errorf("jstream: number: %w", err)
	}
	num, ok := tok.(json.Number)
	if !ok {
		return 0, fmt.Errorf("jstream: expected number, got %T", tok)
	}
	n, err := num.Int64()
	if err != nil {
		return 0, fmt.Errorf("jstream: number %q: %w", num, err)
	}
	return n, nil
}

func (s *Scanner) expectDelim(want json.Delim) error {
	tok, err := s.dec.Token()
	if err != nil {
		return fmt.Errorf("jstream: expected %q: %w", want, err)
	}
	d, ok := tok.(json.Delim)
	if !ok || d != want {
		return fmt.Errorf("jstream: expected %q, got %v", want, tok)
	}
	return nil
}
