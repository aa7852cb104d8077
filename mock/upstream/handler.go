package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "provider", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// chatRequest is the subset of the completion body the mock looks at.
type chatRequest struct {
	Model              string   `json:"model"`
	Stream             bool     `json:"stream"`
	GuidedChoice       []string `json:"guided_choice"`
	ChatTemplateKwargs *struct {
		EnableThinking bool `json:"enable_thinking"`
	} `json:"chat_template_kwargs"`
}

// newHandler returns an http.Handler that simulates an OpenAI-compatible
// backend: chat completions, audio transcriptions and the models list.
func newHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusServiceUnavailable, "mock upstream overloaded", "server_error")
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body", "invalid_request")
			return
		}

		content := fakeSentence(cfg.StreamWords)
		if len(req.GuidedChoice) > 0 {
			content = req.GuidedChoice[rand.IntN(len(req.GuidedChoice))]
		}
		thinking := req.ChatTemplateKwargs != nil && req.ChatTemplateKwargs.EnableThinking

		if req.Stream {
			var reasoning string
			if thinking {
				reasoning = fakeSentence(cfg.StreamWords)
			}
			serveStream(w, req.Model, reasoning, content)
			return
		}

		msg := map[string]string{"role": "assistant", "content": content}
		if thinking {
			msg["reasoning_content"] = fakeSentence(cfg.StreamWords)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":      fmt.Sprintf("chatcmpl-mock%x", rand.Int64()),
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   req.Model,
			"choices": []map[string]any{
				{"index": 0, "message": msg, "finish_reason": "stop"},
			},
		})
	})

	mux.HandleFunc("POST /v1/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		applyLatency(cfg)
		if shouldError(cfg) {
			writeError(w, http.StatusServiceUnavailable, "mock upstream overloaded", "server_error")
			return
		}
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			writeError(w, http.StatusBadRequest, "invalid multipart body", "invalid_request")
			return
		}
		_, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, http.StatusBadRequest, "missing file part", "invalid_request")
			return
		}

		text := "Transcript of " + filepath.Base(header.Filename) + ". " + fakeSentence(cfg.StreamWords)
		switch r.FormValue("response_format") {
		case "", "json":
			writeJSON(w, http.StatusOK, map[string]string{"text": text})
		case "verbose_json":
			writeJSON(w, http.StatusOK, map[string]any{
				"text":     text,
				"language": r.FormValue("language"),
				"segments": []map[string]any{{"id": 0, "start": 0.0, "end": 1.5, "text": text}},
			})
		case "srt":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "1\n00:00:00,000 --> 00:00:01,500\n%s\n\n", text)
		case "vtt":
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintf(w, "WEBVTT\n\n00:00:00.000 --> 00:00:01.500\n%s\n\n", text)
		default:
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprintln(w, text)
		}
	})

	// Models list (used by health check)
	mux.HandleFunc("GET /v1/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"object": "list",
			"data": []map[string]any{
				{"id": "gpt-4o-mini", "object": "model", "created": 1710000000, "owned_by": "mock"},
				{"id": "Qwen/Qwen3-8B", "object": "model", "created": 1710000000, "owned_by": "mock"},
				{"id": "whisper-1", "object": "model", "created": 1710000000, "owned_by": "mock"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path), "not_found")
	})

	return mux
}

// serveStream writes reasoning chunks, then content chunks, then [DONE].
func serveStream(w http.ResponseWriter, model, reasoning, content string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	send := func(field, text string) {
		chunk := map[string]any{
			"object":  "chat.completion.chunk",
			"created": time.Now().Unix(),
			"model":   model,
			"choices": []map[string]any{
				{"index": 0, "delta": map[string]string{field: text}, "finish_reason": nil},
			},
		}
		data, _ := json.Marshal(chunk)
		fmt.Fprintf(w, "data: %s\n\n", data)
		if flusher != nil {
			flusher.Flush()
		}
	}

	for _, word := range strings.Fields(reasoning) {
		send("reasoning_content", word+" ")
	}
	for _, word := range strings.Fields(content) {
		send("content", word+" ")
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the OpenAI-style error envelope.
func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{
		"message": msg,
		"type":    typ,
		"code":    typ,
	}})
}
