package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// StepScoring makes a call collect the whole response and return only the
// score extracted from it.
const StepScoring = "scoring"

// DefaultScorePattern is used when the caller supplies no pattern.
const DefaultScorePattern = `\d+`

// ExtractScore returns the first match of pattern in text. A decimal
// fraction directly following a numeric match is included, so `\d+` on
// "Band score: 7.5 out of 9" yields "7.5". When the pattern does not match,
// or does not compile, text is returned unchanged.
func ExtractScore(text, pattern string) string {
	re, err := compileScorePattern(pattern)
	if err != nil {
		return text
	}
	loc := re.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return text[loc[0]:extendDecimal(text, loc[0], loc[1])]
}

// compileScorePattern accepts a bare expression or a delimited one such as
// "/\d+/i". Supported flags are i, m and s.
func compileScorePattern(pattern string) (*regexp.Regexp, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		pattern = DefaultScorePattern
	}

	if len(pattern) >= 2 && pattern[0] == '/' {
		if end := strings.LastIndexByte(pattern, '/'); end > 0 {
			body, flags := pattern[1:end], pattern[end+1:]
			var prefix string
			for _, f := range flags {
				switch f {
				case 'i', 'm', 's':
					prefix += string(f)
				default:
					return nil, fmt.Errorf("score pattern: unsupported flag %q", f)
				}
			}
			if body == "" {
				body = DefaultScorePattern
			}
			if prefix != "" {
				body = "(?" + prefix + ")" + body
			}
			pattern = body
		}
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("score pattern: %w", err)
	}
	return re, nil
}

// extendDecimal returns the end of the match [start,end) extended over a
// ".digits" suffix when the match ends in a digit.
func extendDecimal(text string, start, end int) int {
	if end <= start || !isDigit(text[end-1]) {
		return end
	}
	if end+1 >= len(text) || text[end] != '.' || !isDigit(text[end+1]) {
		return end
	}
	i := end + 1
	for i < len(text) && isDigit(text[i]) {
		i++
	}
	return i
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
