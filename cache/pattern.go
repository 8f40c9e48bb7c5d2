package cache

import (
	"fmt"
	"regexp"
	"strings"
)

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// QuotePattern escapes s so it matches only itself inside a key pattern.
func QuotePattern(s string) string {
	return patternEscaper.Replace(s)
}

// compilePattern translates a Redis glob into an anchored regexp. '*' and '?'
// match any byte including ':' and '/', "[^...]" negates a class and a
// backslash makes the next byte literal.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, ErrBadPattern
	}

	var re strings.Builder
	re.WriteString(`(?s)\A`)
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			re.WriteString(`.*`)
		case '?':
			re.WriteString(`.`)
		case '\\':
			if i == len(pattern)-1 {
				return nil, fmt.Errorf("%w: trailing escape in %q", ErrBadPattern, pattern)
			}
			i++
			re.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
		case '[':
			end, class, err := charClass(pattern, i+1)
			if err != nil {
				return nil, err
			}
			re.WriteString(class)
			i = end
		default:
			re.WriteString(regexp.QuoteMeta(pattern[i : i+1]))
		}
	}
	re.WriteString(`\z`)

	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return compiled, nil
}

// charClass reads a bracket expression starting after its '[' and returns
// the index of the closing ']' with the equivalent regexp class.
func charClass(pattern string, i int) (int, string, error) {
	var class strings.Builder
	class.WriteByte('[')
	if i < len(pattern) && pattern[i] == '^' {
		class.WriteByte('^')
		i++
	}

	empty := true
	for ; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case ']':
			if empty {
				return 0, "", fmt.Errorf("%w: empty class in %q", ErrBadPattern, pattern)
			}
			class.WriteByte(']')
			return i, class.String(), nil
		case '\\':
			if i == len(pattern)-1 {
				return 0, "", fmt.Errorf("%w: trailing escape in %q", ErrBadPattern, pattern)
			}
			i++
			c = pattern[i]
			if strings.IndexByte(`\]^-[`, c) >= 0 {
				class.WriteByte('\\')
			}
			class.WriteByte(c)
		case '[':
			class.WriteString(`\[`)
		default:
			class.WriteByte(c)
		}
		empty = false
	}
	return 0, "", fmt.Errorf("%w: unterminated class in %q", ErrBadPattern, pattern)
}
