package gateway

import "testing"

func TestExtractScore(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		pattern string
		want    string
	}{
		{"decimal extension", "Band score: 7.5 out of 9", `/\d+/`, "7.5"},
		{"empty pattern uses default", "Band score: 7.5 out of 9", "", "7.5"},
		{"bare pattern", "score 8", `\d+`, "8"},
		{"integer only", "Score: 6 / 9", `\d+`, "6"},
		{"trailing dot kept out", "Score 6.", `\d+`, "6"},
		{"explicit decimal pattern", "result 4.25!", `\d+\.\d+`, "4.25"},
		{"flags", "GRADE: B+", `/grade: ([a-f])/i`, "GRADE: B"},
		{"no match returns text", "no digits here", `\d+`, "no digits here"},
		{"invalid regex returns text", "score 5", `/(/`, "score 5"},
		{"unsupported flag returns text", "score 5", `/\d+/x`, "score 5"},
		{"non numeric match", "verdict: pass", `pass|fail`, "pass"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractScore(tt.text, tt.pattern); got != tt.want {
				t.Errorf("ExtractScore(%q, %q) = %q, want %q", tt.text, tt.pattern, got, tt.want)
			}
		})
	}
}
