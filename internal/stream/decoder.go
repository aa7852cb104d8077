// Package stream decodes OpenAI-compatible server-sent event bodies that
// arrive as arbitrary byte chunks.
//
// Chunk boundaries never line up with line boundaries: a chunk may end in the
// middle of a line (or in the middle of a JSON string) and the next chunk
// continues it. The Decoder keeps a carry-over buffer and only parses
// complete, newline-terminated lines.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EventKind tags a decoded Event.
type EventKind int

const (
	EventNone EventKind = iota
	EventContent
	EventReasoning
	// EventReasoningClosed is synthesised on the first line without reasoning
	// content after chain-of-thought output, so a consumer can close the
	// reasoning channel deterministically.
	EventReasoningClosed
	EventDone
)

func (k EventKind) String() string {
	switch k {
	case EventContent:
		return "content"
	case EventReasoning:
		return "reasoning"
	case EventReasoningClosed:
		return "reasoning_closed"
	case EventDone:
		return "done"
	default:
		return "none"
	}
}

// Event is one decoded stream event. Text is set for content and reasoning
// deltas only.
type Event struct {
	Kind EventKind
	Text string
}

// State is the decoder state.
type State int

const (
	StateStreaming State = iota
	StateChainOfThought
	StateTerminated
)

// Delta is the text carried by a single data line.
type Delta struct {
	Content   string
	Reasoning string
}

// DeltaFunc extracts a Delta from the JSON payload of one data line.
type DeltaFunc func(payload []byte) (Delta, error)

const (
	dataPrefix   = "data:"
	doneSentinel = "[DONE]"
)

// Decoder is a push-style SSE decoder. The zero value is not usable; create
// one with NewDecoder. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	state   State
	extract DeltaFunc
}

// NewDecoder returns a Decoder using extract to read deltas. A nil extract
// selects ExtractChatDelta.
func NewDecoder(extract DeltaFunc) *Decoder {
	if extract == nil {
		extract = ExtractChatDelta
	}
	return &Decoder{extract: extract}
}

// State reports the current decoder state.
func (d *Decoder) State() State { return d.state }

// Feed consumes the next chunk and returns the events for every line the
// chunk completed. Bytes after the last newline are kept for the next call.
//
// When the [DONE] sentinel is seen, Done is emitted and any lines that follow
// it in the buffer are discarded. Feed returns nil once terminated.
func (d *Decoder) Feed(chunk []byte) []Event {
	if d.state == StateTerminated {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := d.buf[:i]
		events = d.line(line, events)
		if d.state == StateTerminated {
			d.buf = nil
			return events
		}
		d.buf = d.buf[i+1:]
	}

	// Compact so a long stream does not pin its whole history.
	if len(d.buf) > 0 {
		d.buf = append([]byte(nil), d.buf...)
	} else {
		d.buf = nil
	}
	return events
}

// Finish flushes a trailing line that was never newline-terminated. It is
// called once the body has been fully read.
func (d *Decoder) Finish() []Event {
	if d.state == StateTerminated || len(d.buf) == 0 {
		d.buf = nil
		return nil
	}
	line := d.buf
	d.buf = nil
	return d.line(line, nil)
}

func (d *Decoder) line(raw []byte, events []Event) []Event {
	line := bytes.TrimRight(raw, "\r")
	if len(line) == 0 || line[0] == ':' {
		return events
	}
	if !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return events
	}
	payload := bytes.TrimSpace(line[len(dataPrefix):])

	if string(payload) == doneSentinel {
		if d.state == StateChainOfThought {
			events = append(events, Event{Kind: EventReasoningClosed})
		}
		d.state = StateTerminated
		return append(events, Event{Kind: EventDone})
	}

	delta, err := d.extract(payload)
	if err != nil {
		// Keep-alives and provider metadata frames are not deltas.
		delta = Delta{}
	}

	if delta.Reasoning == "" && d.state == StateChainOfThought {
		events = append(events, Event{Kind: EventReasoningClosed})
		d.state = StateStreaming
	}
	if delta.Reasoning != "" {
		events = append(events, Event{Kind: EventReasoning, Text: delta.Reasoning})
		d.state = StateChainOfThought
	}
	if delta.Content != "" {
		events = append(events, Event{Kind: EventContent, Text: delta.Content})
	}
	return events
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content          *string `json:"content"`
			ReasoningContent *string `json:"reasoning_content"`
			Reasoning        *string `json:"reasoning"`
		} `json:"delta"`
		Text *string `json:"text"`
	} `json:"choices"`
}

// ExtractChatDelta reads choices[0].delta from an OpenAI-compatible chunk.
// Reasoning is taken from reasoning_content, or reasoning when the former is
// absent; legacy completion chunks carry their text in choices[0].text.
func ExtractChatDelta(payload []byte) (Delta, error) {
	var c chatChunk
	if err := json.Unmarshal(payload, &c); err != nil {
		return Delta{}, fmt.Errorf("stream: decode delta: %w", err)
	}
	if len(c.Choices) == 0 {
		return Delta{}, nil
	}
	ch := c.Choices[0]

	var d Delta
	switch {
	case ch.Delta.Content != nil:
		d.Content = *ch.Delta.Content
	case ch.Text != nil:
		d.Content = *ch.Text
	}
	switch {
	case ch.Delta.ReasoningContent != nil:
		d.Reasoning = *ch.Delta.ReasoningContent
	case ch.Delta.Reasoning != nil:
		d.Reasoning = *ch.Delta.Reasoning
	}
	return d, nil
}
