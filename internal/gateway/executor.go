package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nulpointcorp/promptgate/internal/logger"
	"github.com/nulpointcorp/promptgate/internal/providers"
	"github.com/nulpointcorp/promptgate/internal/stream"
)

const (
	routeGenerate = "generate"

	// DefaultEventType names the main channel when the caller gives none.
	DefaultEventType = "message"
	reasoningSuffix  = "_reasoning"

	readChunkSize = 4 << 10
)

// CallRequest is one streaming completion.
type CallRequest struct {
	Spec providers.RequestSpec

	// EventType names the sink channel for content deltas. Reasoning goes
	// to EventType + "_reasoning".
	EventType string

	// StepType "scoring" suppresses content forwarding and returns the score
	// extracted with ScorePattern.
	StepType     string
	ScorePattern string

	// ContentRule and Tags drive the content transformer.
	ContentRule string
	Tags        map[string]string
}

// CallResult is the outcome of a successful call.
type CallResult struct {
	Provider         string `json:"provider"`
	Model            string `json:"model"`
	Content          string `json:"content"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Executor runs single streaming calls. It makes exactly one attempt against
// the requested provider and never consults the fallback chain.
type Executor struct {
	builder *providers.Builder
	opts    Options
}

func NewExecutor(b *providers.Builder, opts Options) *Executor {
	return &Executor{builder: b, opts: opts.withDefaults(1)}
}

// callState tracks the channels of one call.
type callState struct {
	req       *CallRequest
	sink      EventSink
	full      strings.Builder
	reasoning strings.Builder
	cot       bool
	cotClosed bool
	done      bool
}

// Stream performs the call, forwarding transformed deltas to sink as they
// arrive. Errors are reported to sink and returned as *CallError.
func (e *Executor) Stream(ctx context.Context, req CallRequest, sink EventSink) (*CallResult, error) {
	if sink == nil {
		sink = Discard{}
	}
	if req.EventType == "" {
		req.EventType = DefaultEventType
	}
	spec := req.Spec
	spec.Stream = true

	start := time.Now()
	out, err := e.builder.Chat(ctx, &spec)
	if err != nil {
		return nil, e.fail(ctx, &req, sink, spec.Provider, spec.Model, err, start)
	}

	st := &callState{req: &req, sink: sink}
	status, err := e.consume(ctx, out, st)
	e.recordAttempt(ctx, out, status, err, time.Since(start))
	if err != nil {
		return nil, e.fail(ctx, &req, sink, out.Provider, out.Model, err, start)
	}

	// A body that ends without [DONE] still closes both channels.
	if !st.done {
		e.finish(st)
	}

	t := e.opts.Transformer
	res := &CallResult{Provider: out.Provider, Model: out.Model}
	if req.StepType == StepScoring {
		res.Content = t.Transform(ExtractScore(st.full.String(), req.ScorePattern), req.ContentRule, req.Tags)
	} else {
		res.Content = t.Transform(st.full.String(), req.ContentRule, req.Tags)
	}
	if st.reasoning.Len() > 0 {
		res.ReasoningContent = t.Transform(st.reasoning.String(), req.ContentRule, req.Tags)
	}

	e.opts.Logger.InfoContext(ctx, "call_completed",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("provider", out.Provider),
		slog.String("model", out.Model),
		slog.String("step_type", req.StepType),
		slog.Int("content_len", st.full.Len()),
		slog.Int("reasoning_len", st.reasoning.Len()),
		slog.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// consume streams the response body through a decoder. It returns the HTTP
// status received, or 0 when no response arrived.
func (e *Executor) consume(ctx context.Context, out *providers.Outbound, st *callState) (int, error) {
	reg := e.builder.Registry()
	httpReq, err := out.NewRequest(ctx)
	if err != nil {
		return 0, err
	}
	resp, err := reg.Client(out.Provider).Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		return 0, &TransportError{Provider: out.Provider, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return resp.StatusCode, &providers.HTTPError{
			Provider:   out.Provider,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(data)),
		}
	}

	var extract stream.DeltaFunc
	if s, ok := reg.Strategy(out.Provider); ok {
		extract = s.ExtractDelta
	}
	dec := stream.NewDecoder(extract)

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			e.handle(st, dec.Feed(buf[:n]))
			if dec.State() == stream.StateTerminated {
				return resp.StatusCode, nil
			}
		}
		if errors.Is(readErr, io.EOF) {
			e.handle(st, dec.Finish())
			return resp.StatusCode, nil
		}
		if readErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return resp.StatusCode, ctxErr
			}
			return resp.StatusCode, &TransportError{Provider: out.Provider, Err: readErr}
		}
	}
}

func (e *Executor) handle(st *callState, events []stream.Event) {
	t := e.opts.Transformer
	req := st.req
	for _, ev := range events {
		if e.opts.Metrics != nil {
			e.opts.Metrics.RecordStreamEvent(ev.Kind.String())
		}
		switch ev.Kind {
		case stream.EventContent:
			st.full.WriteString(ev.Text)
			if req.StepType != StepScoring {
				st.sink.SendMessage(req.EventType, t.Transform(ev.Text, req.ContentRule, req.Tags))
			}
		case stream.EventReasoning:
			st.reasoning.WriteString(ev.Text)
			st.cot = true
			st.sink.SendMessage(req.EventType+reasoningSuffix, t.Transform(ev.Text, req.ContentRule, req.Tags))
		case stream.EventReasoningClosed:
			e.closeReasoning(st)
		case stream.EventDone:
			e.finish(st)
		}
	}
}

func (e *Executor) closeReasoning(st *callState) {
	if st.cot && !st.cotClosed {
		st.cotClosed = true
		st.sink.SendDone(st.req.EventType + reasoningSuffix)
	}
}

func (e *Executor) finish(st *callState) {
	if st.done {
		return
	}
	e.closeReasoning(st)
	st.done = true
	st.sink.SendDone(st.req.EventType)
}

func (e *Executor) fail(ctx context.Context, req *CallRequest, sink EventSink, provider, model string, err error, start time.Time) error {
	status := statusOf(err)
	reason := classifyError(err)
	if e.opts.Metrics != nil {
		e.opts.Metrics.RecordError(provider, reason)
	}
	e.opts.Logger.ErrorContext(ctx, "call_failed",
		slog.String("request_id", requestIDFrom(ctx)),
		slog.String("provider", provider),
		slog.String("model", model),
		slog.String("reason", reason),
		slog.Int("status", status),
		slog.String("error", err.Error()),
		slog.Duration("elapsed", time.Since(start)),
	)
	sink.SendError(req.EventType, ErrorPayload{Message: err.Error(), Status: status})
	return &CallError{Provider: provider, Status: status, Err: err}
}

func (e *Executor) recordAttempt(ctx context.Context, out *providers.Outbound, status int, err error, dur time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = classifyError(err)
	}
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveUpstreamAttempt(out.Provider, routeGenerate, outcome, dur)
	}
	if status == 0 && err == nil {
		status = http.StatusOK
	}
	e.opts.AttemptLog.Log(logger.AttemptLog{
		RequestID: requestIDFrom(ctx),
		Route:     routeGenerate,
		Provider:  out.Provider,
		Model:     out.Model,
		Round:     1,
		Attempt:   1,
		Status:    status,
		Outcome:   outcome,
		Latency:   dur,
		CreatedAt: time.Now(),
	})
}
