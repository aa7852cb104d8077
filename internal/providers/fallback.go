package providers

import (
	"fmt"
	"sort"
	"strings"
)

// DefaultFallbackEdges is the text completion fallback graph. Following it
// from any provider ends at a provider with no outgoing edge.
var DefaultFallbackEdges = map[string]string{
	"runpod":     "vllm",
	"vllm":       "openai",
	"openai":     "openrouter",
	"openrouter": "groq",
	"deepseek":   "openrouter",
}

// DefaultTranscriptionFallbackEdges is the audio transcription fallback graph.
var DefaultTranscriptionFallbackEdges = map[string]string{
	"openai": "groq",
}

// FallbackChain is a directed acyclic graph provider → next provider. Every
// node has at most one outgoing edge.
type FallbackChain struct {
	next map[string]string
}

// NewFallbackChain validates edges and returns the chain. A cycle is a
// construction error.
func NewFallbackChain(edges map[string]string) (*FallbackChain, error) {
	c := &FallbackChain{next: make(map[string]string, len(edges))}
	for from, to := range edges {
		if from == "" || to == "" {
			return nil, fmt.Errorf("fallback: empty provider in edge %q -> %q", from, to)
		}
		c.next[from] = to
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// MustFallbackChain is NewFallbackChain for static tables.
func MustFallbackChain(edges map[string]string) *FallbackChain {
	c, err := NewFallbackChain(edges)
	if err != nil {
		panic(err)
	}
	return c
}

// Next returns the provider to try after provider, or false when the chain
// ends there.
func (c *FallbackChain) Next(provider string) (string, bool) {
	if c == nil {
		return "", false
	}
	to, ok := c.next[provider]
	return to, ok
}

// Path returns provider followed by every fallback reachable from it.
func (c *FallbackChain) Path(provider string) []string {
	out := []string{provider}
	for p := provider; ; {
		next, ok := c.Next(p)
		if !ok {
			return out
		}
		out = append(out, next)
		p = next
	}
}

// Validate reports a cycle reachable from any node.
func (c *FallbackChain) Validate() error {
	const (
		unvisited = iota
		onPath
		done
	)
	mark := make(map[string]int, len(c.next))

	starts := make([]string, 0, len(c.next))
	for from := range c.next {
		starts = append(starts, from)
	}
	sort.Strings(starts)

	for _, start := range starts {
		var path []string
		p := start
		for {
			if mark[p] == done {
				break
			}
			if mark[p] == onPath {
				return fmt.Errorf("fallback: cycle %s -> %s", strings.Join(path, " -> "), p)
			}
			mark[p] = onPath
			path = append(path, p)
			next, ok := c.next[p]
			if !ok {
				break
			}
			p = next
		}
		for _, n := range path {
			mark[n] = done
		}
	}
	return nil
}

// CheckKnown reports edges that reference providers missing from reg.
func (c *FallbackChain) CheckKnown(reg *Registry) error {
	for from, to := range c.next {
		for _, id := range []string{from, to} {
			if _, ok := reg.Config(id); !ok {
				return fmt.Errorf("fallback: unknown provider %q", id)
			}
		}
	}
	return nil
}
