// Package token implements the canonical permission token model: ordered
// segment lists with normalization, serialization, and specificity-ordered
// fallback chains.
package token

import (
	"strconv"
	"strings"
)

// MaxSafeInt bounds integer coercion of numeric string segments so numeric
// and string forms stay canonically equal across serialization.
const MaxSafeInt = 1<<53 - 1

// Kind discriminates the segment variants.
type Kind uint8

const (
	// KindWildcard matches any segment at its position.
	KindWildcard Kind = iota
	// KindString is a literal string segment.
	KindString
	// KindInt is an integer segment.
	KindInt
	// KindBool is a boolean segment.
	KindBool
)

// Segment is one element of a token. The zero value is the wildcard.
type Segment struct {
	Kind Kind
	Str  string
	Int  int64
	Bool bool
}

// Wildcard returns the wildcard segment.
func Wildcard() Segment { return Segment{Kind: KindWildcard} }

// String returns a string segment. It does not normalize; use
// NormalizeSegment for raw user input.
func String(s string) Segment { return Segment{Kind: KindString, Str: s} }

// Int returns an integer segment.
func Int(v int64) Segment { return Segment{Kind: KindInt, Int: v} }

// Bool returns a boolean segment.
func Bool(v bool) Segment { return Segment{Kind: KindBool, Bool: v} }

// NormalizeSegment canonicalizes one raw segment: trims whitespace; empty
// or "*" become the wildcard; "true"/"false" (case-insensitive) become
// booleans; safe-range integer strings become integers; anything else is
// the trimmed string verbatim.
func NormalizeSegment(raw string) Segment {
	s := strings.TrimSpace(raw)
	if s == "" || s == "*" {
		return Wildcard()
	}
	switch strings.ToLower(s) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		if v >= -MaxSafeInt && v <= MaxSafeInt {
			return Int(v)
		}
	}
	return String(s)
}

// serialize renders the segment in canonical string form.
func (s Segment) serialize() string {
	switch s.Kind {
	case KindWildcard:
		return "*"
	case KindInt:
		return strconv.FormatInt(s.Int, 10)
	case KindBool:
		return strconv.FormatBool(s.Bool)
	default:
		return s.Str
	}
}

// IsWildcard reports whether the segment is the wildcard.
func (s Segment) IsWildcard() bool { return s.Kind == KindWildcard }

// Token is an ordered list of segments identifying a permission or event
// path. Segment order is significant.
type Token []Segment

// Parse normalizes a colon-joined token string. Empty pieces are
// discarded; an empty input yields the empty token.
func Parse(input string) Token {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ":")
	tok := make(Token, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		tok = append(tok, NormalizeSegment(p))
	}
	if len(tok) == 0 {
		return nil
	}
	return tok
}

// FromValues normalizes an explicit segment value list. Strings pass
// through NormalizeSegment; integers and booleans map to their segment
// kinds; nil maps to the wildcard. Empty-string values are discarded.
func FromValues(values ...any) Token {
	tok := make(Token, 0, len(values))
	for _, v := range values {
		switch t := v.(type) {
		case nil:
			tok = append(tok, Wildcard())
		case string:
			if strings.TrimSpace(t) == "" {
				continue
			}
			tok = append(tok, NormalizeSegment(t))
		case int:
			tok = append(tok, Int(int64(t)))
		case int64:
			tok = append(tok, Int(t))
		case bool:
			tok = append(tok, Bool(t))
		case Segment:
			tok = append(tok, t)
		default:
			// Unknown value kinds degrade to the wildcard rather than
			// failing resolution.
			tok = append(tok, Wildcard())
		}
	}
	if len(tok) == 0 {
		return nil
	}
	return tok
}

// String returns the canonical colon-joined serialization of the token.
func (t Token) String() string {
	if len(t) == 0 {
		return ""
	}
	parts := make([]string, len(t))
	for i, s := range t {
		parts[i] = s.serialize()
	}
	return strings.Join(parts, ":")
}

// Specificity is the segment count, used to order fallback checks.
func (t Token) Specificity() int { return len(t) }

// Equal reports structural equality of two tokens.
func (t Token) Equal(other Token) bool {
	if len(t) != len(other) {
		return false
	}
	for i := range t {
		if t[i] != other[i] {
			return false
		}
	}
	return true
}

// Fallbacks expands the token into its prefix fallback chain, most
// specific first, down to the single leading segment.
func (t Token) Fallbacks() []Token {
	if len(t) == 0 {
		return nil
	}
	out := make([]Token, 0, len(t))
	for n := len(t); n >= 1; n-- {
		out = append(out, t[:n])
	}
	return out
}
