// Package repair recovers structured records from raw generative-model
// text that may be wrapped in prose, fenced in markdown, truncated by a
// length limit or sprinkled with trailing commas and comments.
package repair

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/tidwall/gjson"
)

// maxSpans bounds how many balanced-but-invalid bracket spans are skipped
// (prose like "use {braces}") before giving up.
const maxSpans = 8

// UnrepairableOutputError reports that no structured record could be
// recovered. Length is the size of the original text so callers can decide
// whether to re-request generation.
type UnrepairableOutputError struct {
	Length int
	Reason string
}

func (e *UnrepairableOutputError) Error() string {
	return fmt.Sprintf("unrepairable output (%d bytes): %s", e.Length, e.Reason)
}

// Record is a recovered structured value held as compact canonical JSON.
type Record struct {
	raw []byte
}

func (r Record) IsZero() bool { return len(r.raw) == 0 }

func (r Record) Bytes() []byte { return append([]byte(nil), r.raw...) }

func (r Record) String() string { return string(r.raw) }

// Decode unmarshals the record into v.
func (r Record) Decode(v any) error {
	if r.IsZero() {
		return fmt.Errorf("decode empty record")
	}
	return json.Unmarshal(r.raw, v)
}

// Get probes a gjson path without decoding the whole record.
func (r Record) Get(path string) gjson.Result {
	return gjson.GetBytes(r.raw, path)
}

func (r Record) MarshalJSON() ([]byte, error) {
	if r.IsZero() {
		return []byte("null"), nil
	}
	return r.Bytes(), nil
}

func (r *Record) UnmarshalJSON(b []byte) error {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return err
	}
	r.raw = buf.Bytes()
	return nil
}

func (r Record) emptyContainer() bool {
	s := string(r.raw)
	return s == "{}" || s == "[]"
}

// Repair extracts the first structured record from raw. Attempts run in
// order: direct parse of the located span, closure of a truncated span,
// then the same two after stripping comments and trailing commas. The
// result is deterministic and Repair(rec.String()) returns rec.
func Repair(raw string) (Record, error) {
	reason := "no structured record found"
	for _, text := range sources(raw) {
		from := 0
		for i := 0; i < maxSpans; i++ {
			sp, end, ok := locate(text, from)
			if !ok {
				break
			}
			rec, why, ok := repairSpan(sp)
			if ok {
				return rec, nil
			}
			reason = why
			if sp.truncated {
				break
			}
			from = end
		}
	}
	return Record{}, &UnrepairableOutputError{Length: len(raw), Reason: reason}
}

// Text strips a surrounding markdown fence from non-JSON artifacts such as
// OpenSCAD or KiCad source.
func Text(raw string) string {
	t := strings.TrimSpace(raw)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	lines := strings.Split(t, "\n")[1:]
	if n := len(lines); n > 0 && strings.TrimSpace(lines[n-1]) == "```" {
		lines = lines[:n-1]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

type span struct {
	text      string
	truncated bool
}

func sources(raw string) []string {
	text := strings.TrimSpace(raw)
	if body, ok := fenceBody(text); ok && body != text {
		return []string{body, text}
	}
	return []string{text}
}

// fenceBody returns the body of the first ``` fence. An unclosed fence runs
// to the end of the text.
func fenceBody(s string) (string, bool) {
	i := strings.Index(s, "```")
	if i < 0 {
		return "", false
	}
	rest := s[i+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		rest = strings.TrimLeftFunc(rest, unicode.IsLetter)
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest), true
}

// locate finds the first bracket at or after from and scans to its balanced
// close, ignoring brackets inside string literals. It returns the span and
// the offset just past it.
func locate(s string, from int) (span, int, bool) {
	if from >= len(s) {
		return span{}, 0, false
	}
	start := strings.IndexAny(s[from:], "{[")
	if start < 0 {
		return span{}, 0, false
	}
	start += from
	depth := 0
	inStr, esc := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return span{text: s[start : i+1]}, i + 1, true
			}
		}
	}
	return span{text: s[start:], truncated: true}, len(s), true
}

func repairSpan(sp span) (Record, string, bool) {
	rec, err := parse(sp.text)
	if err == nil {
		return rec, "", true
	}
	reason := err.Error()
	if sp.truncated {
		if rec, ok := closeTruncated(sp.text); ok {
			return rec, "", true
		}
		reason = "truncated record could not be closed"
	}
	if cleaned := stripSeparators(sp.text); cleaned != sp.text {
		if rec, err := parse(cleaned); err == nil {
			return rec, "", true
		}
		if sp.truncated {
			if rec, ok := closeTruncated(cleaned); ok {
				return rec, "", true
			}
		}
	}
	return Record{}, reason, false
}

func parse(s string) (Record, error) {
	if !gjson.Valid(s) {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return Record{}, err
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return Record{}, err
	}
	return Record{raw: buf.Bytes()}, nil
}
