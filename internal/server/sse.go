package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/promptgate/internal/gateway"
)

// Event names written by the server itself. Executor events keep their own
// names.
const (
	eventError  = "error"
	eventDone   = "done"
	eventResult = "result"
)

type (
	// errorEvent wraps an executor error payload with the channel it
	// belongs to.
	errorEvent struct {
		Event string `json:"event"`
		Error any    `json:"error"`
	}

	doneEvent struct {
		Event string `json:"event"`
	}
)

// sseSink writes executor events as Server-Sent Events. The first failed
// write marks the client as gone and cancels the run.
type sseSink struct {
	w      *bufio.Writer
	cancel context.CancelFunc
	broken bool
}

func (s *sseSink) SendMessage(eventType string, payload any) {
	s.write(eventType, payload)
}

func (s *sseSink) SendError(eventType string, payload any) {
	s.write(eventError, errorEvent{Event: eventType, Error: payload})
}

func (s *sseSink) SendDone(eventType string) {
	s.write(eventDone, doneEvent{Event: eventType})
}

func (s *sseSink) write(event string, payload any) {
	if s.broken {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprint(payload))
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data)
	if err := s.w.Flush(); err != nil {
		s.broken = true
		s.cancel()
	}
}

// stream answers ctx with an event stream and calls run from the stream
// writer. run gets a context derived from the server's base context, since
// the request context must not be used once the handler has returned.
func (s *Server) stream(ctx *fasthttp.RequestCtx, route string, run func(rctx context.Context, sink *sseSink)) {
	reqID := requestIDOf(ctx)
	reqBytes := len(ctx.PostBody())
	start := time.Now()

	ctx.SetUserValue(userValueStreaming, true)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		rctx, cancel := context.WithCancel(gateway.WithRequestID(s.baseCtx, reqID))
		defer cancel()
		sink := &sseSink{w: w, cancel: cancel}

		defer func() {
			if r := recover(); r != nil {
				s.log.Error("stream_panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
					slog.String("route", route),
				)
				sink.SendError(route, gateway.ErrorPayload{Message: "internal server error", Status: fasthttp.StatusInternalServerError})
			}
			if m := s.opts.Metrics; m != nil {
				m.DecInFlight()
				m.ObserveHTTP(route, fasthttp.StatusOK, time.Since(start), reqBytes)
			}
			if sink.broken {
				s.log.Warn("client_disconnected",
					slog.String("request_id", reqID),
					slog.String("route", route),
					slog.Duration("elapsed", time.Since(start)),
				)
			}
		}()

		run(rctx, sink)
	})
}
