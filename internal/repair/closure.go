package repair

import (
	"strings"
	"unicode/utf8"
)

type cut struct {
	pos   int
	stack string
}

type scanState struct {
	stack    []byte
	inString bool
	escaped  bool
	// cuts are offsets where the prefix ends on a complete value (or a
	// freshly opened nested container), with the bracket stack at that point.
	cuts []cut
}

func scan(s string) scanState {
	var st scanState
	mark := func(pos int) {
		if len(st.stack) > 0 {
			st.cuts = append(st.cuts, cut{pos: pos, stack: string(st.stack)})
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if st.inString {
			switch {
			case st.escaped:
				st.escaped = false
			case c == '\\':
				st.escaped = true
			case c == '"':
				st.inString = false
				mark(i + 1)
			}
			continue
		}
		switch c {
		case '"':
			st.inString = true
		case '{', '[':
			st.stack = append(st.stack, c)
			if len(st.stack) > 1 {
				mark(i + 1)
			}
		case '}', ']':
			if n := len(st.stack); n > 0 {
				st.stack = st.stack[:n-1]
			}
			mark(i + 1)
		case ',':
			mark(i)
		}
	}
	return st
}

// closeTruncated appends the minimal closers to a truncated span. When the
// tail is an incomplete token it backs off to the longest prefix ending on a
// complete value. Only closers are added, so every field in the result
// appears in the input. An empty root container counts as nothing recovered.
func closeTruncated(s string) (Record, bool) {
	st := scan(s)
	if rec, err := parse(minimalClosure(s, st)); err == nil && !rec.emptyContainer() {
		return rec, true
	}
	for i := len(st.cuts) - 1; i >= 0; i-- {
		c := st.cuts[i]
		prefix, stack := dropOpenedElements(trimSeparator(s[:c.pos]), c.stack)
		candidate := prefix + closers(stack)
		if rec, err := parse(candidate); err == nil && !rec.emptyContainer() {
			return rec, true
		}
	}
	return Record{}, false
}

func minimalClosure(s string, st scanState) string {
	out := s
	if st.inString {
		if st.escaped {
			out = out[:len(out)-1]
		}
		out = trimPartialRune(out)
		out += `"`
	} else {
		prefix, stack := dropOpenedElements(trimSeparator(out), string(st.stack))
		return prefix + closers(stack)
	}
	return out + closers(string(st.stack))
}

// dropOpenedElements removes array elements the truncation opened but never
// filled, with their separators, so closing `[1,{` yields [1] and not [1,{}].
// An empty container in value position stays as the prefix of its value.
func dropOpenedElements(prefix, stack string) (string, string) {
	for n := len(stack); n > 1 && stack[n-2] == '['; n = len(stack) {
		if !strings.HasSuffix(prefix, stack[n-1:]) {
			break
		}
		prefix = trimSeparator(prefix[:len(prefix)-1])
		stack = stack[:n-1]
	}
	return prefix, stack
}

func trimPartialRune(s string) string {
	for i := 0; i < utf8.UTFMax && len(s) > 0; i++ {
		r, size := utf8.DecodeLastRuneInString(s)
		if r != utf8.RuneError || size != 1 {
			break
		}
		s = s[:len(s)-1]
	}
	return s
}

func trimSeparator(s string) string {
	s = strings.TrimRight(s, " \t\r\n")
	if strings.HasSuffix(s, ",") {
		s = strings.TrimRight(s[:len(s)-1], " \t\r\n")
	}
	return s
}

func closers(stack string) string {
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i] == '{' {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

// stripSeparators removes // and /* */ comments and commas directly before a
// closing bracket. String literals are copied untouched, so URLs survive.
func stripSeparators(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
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
		switch {
		case c == '"':
			inStr = true
			b.WriteByte(c)
		case c == '/' && i+1 < len(s) && s[i+1] == '/':
			for i < len(s) && s[i] != '\n' {
				i++
			}
			if i < len(s) {
				b.WriteByte('\n')
			}
		case c == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				i = len(s)
				continue
			}
			i += end + 3
		case c == ',' && closesNext(s, i+1):
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// closesNext reports whether the next significant byte after i is a closer.
func closesNext(s string, i int) bool {
	for i < len(s) {
		switch {
		case s[i] == ' ' || s[i] == '\t' || s[i] == '\r' || s[i] == '\n':
			i++
		case strings.HasPrefix(s[i:], "//"):
			nl := strings.IndexByte(s[i:], '\n')
			if nl < 0 {
				return false
			}
			i += nl + 1
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return false
			}
			i += end + 4
		default:
			return s[i] == '}' || s[i] == ']'
		}
	}
	return false
}
