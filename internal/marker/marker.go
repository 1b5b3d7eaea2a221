// Package marker recognises the textual tool-call markers the model
// embeds in its output:
//
//	[TOOL:name|key=value|key=value]
//
// Two passes are independent. A [Scanner] filters the live token stream
// so markers never reach the user, and [Extract] finds every marker in
// the finished text. Extraction is authoritative for execution.
//
// Values cannot contain "|" or "]" and there is no escape syntax.
package marker

import (
	"encoding/json"
	"regexp"
	"strings"
)

const prefix = "[TOOL:"

// pattern matches one marker. Group 1 is the tool name and group 2 the
// raw parameter span.
var pattern = regexp.MustCompile(`\[TOOL:(\w+)(?:\|([^\]]*))?\]`)

// whole matches a span that is exactly one marker.
var whole = regexp.MustCompile(`^\[TOOL:\w+(?:\|[^\]]*)?\]$`)

// Param is a single key/value pair from a marker.
type Param struct {
	Key   string
	Value string
}

// Params holds marker parameters in order of first appearance. A
// repeated key keeps its first position and takes the last value.
type Params []Param

// Get returns the value for key.
func (p Params) Get(key string) (string, bool) {
	for _, kv := range p {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}

// Value returns the value for key, or "" when absent.
func (p Params) Value(key string) string {
	v, _ := p.Get(key)
	return v
}

// Set assigns key, replacing an existing value in place.
func (p *Params) Set(key, value string) {
	for i := range *p {
		if (*p)[i].Key == key {
			(*p)[i].Value = value
			return
		}
	}
	*p = append(*p, Param{Key: key, Value: value})
}

// Map returns the parameters as a map.
func (p Params) Map() map[string]string {
	m := make(map[string]string, len(p))
	for _, kv := range p {
		m[kv.Key] = kv.Value
	}
	return m
}

// MarshalJSON encodes the parameters as an object in their original order.
func (p Params) MarshalJSON() ([]byte, error) {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, kv := range p {
		if i > 0 {
			sb.WriteByte(',')
		}
		k, err := json.Marshal(kv.Key)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(kv.Value)
		if err != nil {
			return nil, err
		}
		sb.Write(k)
		sb.WriteByte(':')
		sb.Write(v)
	}
	sb.WriteByte('}')
	return []byte(sb.String()), nil
}

// Call is one tool invocation parsed from a marker.
type Call struct {
	Name   string
	Params Params
}

// Signature identifies a call for loop detection: the tool name and its
// parameters as JSON with sorted keys. Parameter order does not matter.
func (c Call) Signature() string {
	// encoding/json sorts map keys.
	b, _ := json.Marshal(c.Params.Map())
	return c.Name + ":" + string(b)
}

// ParseParams parses the text after the tool name. Segments are split on
// "|" and then on the first "="; keys and values are trimmed. Segments
// without "=" or with an empty key are skipped.
func ParseParams(span string) Params {
	var p Params
	if span == "" {
		return p
	}
	for _, seg := range strings.Split(span, "|") {
		k, v, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		p.Set(k, strings.TrimSpace(v))
	}
	return p
}

// Extract returns every non-overlapping marker in text, left to right.
func Extract(text string) []Call {
	matches := pattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	calls := make([]Call, 0, len(matches))
	for _, m := range matches {
		calls = append(calls, Call{Name: m[1], Params: ParseParams(m[2])})
	}
	return calls
}

// Strip removes every marker span from text and leaves all other
// characters untouched.
func Strip(text string) string {
	return pattern.ReplaceAllString(text, "")
}

// Scanner suppresses markers from a stream of text fragments. Text
// outside brackets passes through immediately. From a "[" the scanner
// holds characters back until the span either closes with "]" (dropped
// when it is a marker, released otherwise) or can no longer become a
// marker (released at once). A Scanner is not safe for concurrent use.
type Scanner struct {
	span []byte
	open bool
}

// Feed consumes one fragment and returns the text that is safe to show.
func (s *Scanner) Feed(fragment string) string {
	var out strings.Builder
	for i := 0; i < len(fragment); i++ {
		c := fragment[i]
		if !s.open {
			if c == '[' {
				s.open = true
				s.span = append(s.span[:0], c)
				continue
			}
			out.WriteByte(c)
			continue
		}

		s.span = append(s.span, c)
		if c == ']' {
			if !whole.Match(s.span) {
				out.Write(s.span)
			}
			s.reset()
			continue
		}
		if !viable(s.span) {
			if c == '[' {
				// The new bracket may start a marker of its own.
				out.Write(s.span[:len(s.span)-1])
				s.span = append(s.span[:0], c)
				continue
			}
			out.Write(s.span)
			s.reset()
		}
	}
	return out.String()
}

// Flush releases a span left open at end of stream and resets the scanner.
func (s *Scanner) Flush() string {
	if !s.open {
		return ""
	}
	rest := string(s.span)
	s.reset()
	return rest
}

// Pending reports whether the scanner is holding back an open span.
func (s *Scanner) Pending() bool { return s.open }

func (s *Scanner) reset() {
	s.open = false
	s.span = s.span[:0]
}

// viable reports whether an unclosed span could still become a marker.
func viable(span []byte) bool {
	if len(span) <= len(prefix) {
		return strings.HasPrefix(prefix, string(span))
	}
	if string(span[:len(prefix)]) != prefix {
		return false
	}
	rest := span[len(prefix):]
	n := 0
	for n < len(rest) && isWord(rest[n]) {
		n++
	}
	switch {
	case n == len(rest):
		return n > 0
	case n == 0:
		return false
	default:
		// Past the name only a parameter section may follow; it accepts
		// anything up to the closing bracket.
		return rest[n] == '|'
	}
}

func isWord(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}
