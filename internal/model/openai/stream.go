package openai

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/openclaw/miniagent/internal/model"
)

// streamer adapts an OpenAI chat completion stream to model.Streamer,
// collapsing delta chunks addressed by tool-call index into a
// toolcall_start/toolcall_end pair, same shape as the anthropic adapter.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    StreamSource

	events chan model.Event

	mu     sync.Mutex
	err    error
	errSet bool
	meta   map[string]any
}

func newStreamer(ctx context.Context, src StreamSource) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, src: src, events: make(chan model.Event, 32)}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Event, error) {
	select {
	case ev, ok := <-s.events:
		if ok {
			return ev, nil
		}
		if err := s.getErr(); err != nil {
			return model.Event{}, err
		}
		return model.Event{}, io.EOF
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return model.Event{}, s.ctx.Err()
	}
}

func (s *streamer) Metadata() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

func (s *streamer) Close() error {
	s.cancel()
	return s.src.Close()
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.errSet {
		s.errSet, s.err = true, err
	}
}

func (s *streamer) getErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type toolCallBuf struct {
	id, name string
	args     strings.Builder
	started  bool
}

func (s *streamer) run() {
	defer close(s.events)
	defer s.src.Close()

	var textBuf strings.Builder
	calls := map[int64]*toolCallBuf{}

	emit := func(ev model.Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return false
		}
	}

	for s.src.Next() {
		chunk := s.src.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta
		if delta.Content != "" {
			textBuf.WriteString(delta.Content)
			if !emit(model.Event{Kind: model.EventTextDelta, Delta: delta.Content}) {
				return
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			buf, ok := calls[idx]
			if !ok {
				buf = &toolCallBuf{}
				calls[idx] = buf
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			if !buf.started && buf.id != "" && buf.name != "" {
				buf.started = true
				if !emit(model.Event{Kind: model.EventToolCallStart, ToolCallID: buf.id, ToolCallName: buf.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				buf.args.WriteString(tc.Function.Arguments)
			}
		}
		if choice.FinishReason != "" {
			if textBuf.Len() > 0 {
				if !emit(model.Event{Kind: model.EventTextEnd, Content: textBuf.String()}) {
					return
				}
				textBuf.Reset()
			}
			for _, buf := range calls {
				args, err := decodeArgs(buf.args.String())
				if err != nil {
					s.setErr(err)
					return
				}
				if !emit(model.Event{
					Kind:     model.EventToolCallEnd,
					ToolCall: model.ToolCall{ID: buf.id, Name: buf.name, Arguments: args},
				}) {
					return
				}
			}
			calls = map[int64]*toolCallBuf{}
		}
		if u := chunk.Usage; u.TotalTokens > 0 {
			s.mu.Lock()
			if s.meta == nil {
				s.meta = make(map[string]any)
			}
			s.meta["usage"] = map[string]int64{
				"input_tokens":  u.PromptTokens,
				"output_tokens": u.CompletionTokens,
			}
			s.mu.Unlock()
		}
	}
	if err := s.src.Err(); err != nil {
		s.setErr(err)
	}
}

func decodeArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	return args, nil
}
