package bus

import (
	"errors"
	"fmt"
)

// ErrBadPattern is returned for a subscription pattern that cannot be parsed.
var ErrBadPattern = errors.New("syntax error in pattern")

// ValidatePattern reports whether pattern is a well-formed glob: every
// character class is closed and no escape is left dangling.
func ValidatePattern(pattern string) error {
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '\\':
			if i+1 >= len(pattern) {
				return fmt.Errorf("%w: trailing escape in %q", ErrBadPattern, pattern)
			}
			i++
		case '[':
			if _, next, ok := matchClass(pattern, i, 0); ok {
				i = next - 1
				continue
			}
			return fmt.Errorf("%w: unterminated class in %q", ErrBadPattern, pattern)
		}
	}
	return nil
}

// Match reports whether channel matches pattern using Redis PSUBSCRIBE glob
// rules. Channels are opaque strings, so '*' spans any byte including '/'.
// '?' matches one byte, "[...]" a class with '^' negation and ranges, and
// '\' escapes the next byte. Malformed patterns never match.
func Match(pattern, channel string) bool {
	p, s := 0, 0
	starP, starS := -1, 0

	for s < len(channel) {
		if p < len(pattern) {
			switch pattern[p] {
			case '*':
				starP, starS = p, s
				p++
				continue
			case '?':
				p++
				s++
				continue
			case '[':
				if matched, next, ok := matchClass(pattern, p, channel[s]); ok && matched {
					p = next
					s++
					continue
				}
			case '\\':
				if p+1 < len(pattern) && pattern[p+1] == channel[s] {
					p += 2
					s++
					continue
				}
			default:
				if pattern[p] == channel[s] {
					p++
					s++
					continue
				}
			}
		}
		if starP < 0 {
			return false
		}
		starS++
		p, s = starP+1, starS
	}

	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}

// matchClass matches c against the class opening at pattern[open]. next is
// the index after the closing ']'; ok is false for an unterminated class.
func matchClass(pattern string, open int, c byte) (matched bool, next int, ok bool) {
	i := open + 1
	negate := false
	if i < len(pattern) && pattern[i] == '^' {
		negate = true
		i++
	}

	for i < len(pattern) && pattern[i] != ']' {
		lo := pattern[i]
		if lo == '\\' && i+1 < len(pattern) {
			i++
			lo = pattern[i]
		}
		hi := lo
		if i+2 < len(pattern) && pattern[i+1] == '-' && pattern[i+2] != ']' {
			i += 2
			hi = pattern[i]
			if hi == '\\' && i+1 < len(pattern) {
				i++
				hi = pattern[i]
			}
			if lo > hi {
				lo, hi = hi, lo
			}
		}
		if lo <= c && c <= hi {
			matched = true
		}
		i++
	}

	if i >= len(pattern) {
		return false, 0, false
	}
	return matched != negate, i + 1, true
}
