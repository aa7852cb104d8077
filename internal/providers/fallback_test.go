package providers

import (
	"strings"
	"testing"
)

func TestDefaultFallbackChains_Terminate(t *testing.T) {
	reg := NewRegistry()
	for name, edges := range map[string]map[string]string{
		"text":          DefaultFallbackEdges,
		"transcription": DefaultTranscriptionFallbackEdges,
	} {
		t.Run(name, func(t *testing.T) {
			chain, err := NewFallbackChain(edges)
			if err != nil {
				t.Fatalf("default chain invalid: %v", err)
			}
			if err := chain.CheckKnown(reg); err != nil {
				t.Fatalf("default chain references unknown provider: %v", err)
			}
			for _, start := range reg.IDs() {
				p, steps := start, 0
				for {
					next, ok := chain.Next(p)
					if !ok {
						break
					}
					p = next
					steps++
					if steps > len(reg.IDs()) {
						t.Fatalf("chain from %s does not terminate", start)
					}
				}
			}
		})
	}
}

func TestFallbackChain_RejectsCycle(t *testing.T) {
	_, err := NewFallbackChain(map[string]string{
		"a": "b",
		"b": "c",
		"c": "a",
	})
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestFallbackChain_RejectsSelfLoop(t *testing.T) {
	if _, err := NewFallbackChain(map[string]string{"a": "a"}); err == nil {
		t.Fatal("expected self loop to be rejected")
	}
}

func TestFallbackChain_Path(t *testing.T) {
	chain := MustFallbackChain(DefaultFallbackEdges)
	got := strings.Join(chain.Path("runpod"), ",")
	if got != "runpod,vllm,openai,openrouter,groq" {
		t.Errorf("unexpected path %s", got)
	}
	if _, ok := chain.Next("ollama"); ok {
		t.Error("ollama has no fallback")
	}
}

func TestFallbackChain_NilIsEmpty(t *testing.T) {
	var chain *FallbackChain
	if _, ok := chain.Next("openai"); ok {
		t.Error("nil chain must have no edges")
	}
}
