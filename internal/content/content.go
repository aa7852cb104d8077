// Package content post-processes generated text before it is forwarded to a
// client or returned as a result.
//
// A rule is a comma-separated pipeline of step names applied left to right,
// for example "strip_think,trim". The empty rule and "none" leave content
// untouched.
package content

import (
	"fmt"
	"regexp"
	"strings"
)

// Transformer rewrites one piece of content under a named rule. tags carries
// per-item values referenced by the merge_tags step.
type Transformer interface {
	Transform(content, rule string, tags map[string]string) string
}

// Step names.
const (
	RuleNone       = "none"
	RuleTrim       = "trim"
	RuleMergeTags  = "merge_tags"
	RuleStripThink = "strip_think"
)

var (
	mergeTagRe   = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	thinkBlockRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
)

type step func(s string, tags map[string]string) string

var steps = map[string]step{
	RuleNone: func(s string, _ map[string]string) string { return s },
	RuleTrim: func(s string, _ map[string]string) string { return strings.TrimSpace(s) },
	RuleMergeTags: func(s string, tags map[string]string) string {
		if len(tags) == 0 {
			return s
		}
		return mergeTagRe.ReplaceAllStringFunc(s, func(m string) string {
			name := mergeTagRe.FindStringSubmatch(m)[1]
			if v, ok := tags[name]; ok {
				return v
			}
			return m
		})
	},
	RuleStripThink: func(s string, _ map[string]string) string {
		return thinkBlockRe.ReplaceAllString(s, "")
	},
}

// Rules is the built-in Transformer. The zero value is ready to use.
type Rules struct{}

// Transform applies rule to content. Unknown step names are skipped; use
// Validate to reject them up front.
func (Rules) Transform(content, rule string, tags map[string]string) string {
	for _, name := range splitRule(rule) {
		if fn, ok := steps[name]; ok {
			content = fn(content, tags)
		}
	}
	return content
}

// Validate reports the first unknown step in rule.
func Validate(rule string) error {
	for _, name := range splitRule(rule) {
		if _, ok := steps[name]; !ok {
			return fmt.Errorf("content: unknown rule %q", name)
		}
	}
	return nil
}

func splitRule(rule string) []string {
	if strings.TrimSpace(rule) == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(rule, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Identity returns content unchanged whatever the rule.
type Identity struct{}

func (Identity) Transform(content, _ string, _ map[string]string) string { return content }
