package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/openclaw/miniagent/internal/model"
)

// streamer adapts an Anthropic Messages streaming response to
// model.Streamer, translating the SDK's richer event set down to the four
// event kinds: text_delta, text_end, toolcall_start, toolcall_end.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    StreamSource

	events chan model.Event

	mu       sync.Mutex
	err      error
	errSet   bool
	metadata map[string]any
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
	return s.metadata
}

func (s *streamer) Close() error {
	s.cancel()
	return s.src.Close()
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.errSet {
		s.errSet = true
		s.err = err
	}
}

func (s *streamer) getErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *streamer) recordUsage(input, output int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata["usage"] = map[string]int64{"input_tokens": input, "output_tokens": output}
}

type toolBuffer struct {
	id        string
	name      string
	fragments strings.Builder
}

func (s *streamer) run() {
	defer close(s.events)
	defer s.src.Close()

	var textBuf strings.Builder
	tools := map[int]*toolBuffer{}

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
		event := s.src.Current()
		switch ev := event.AsAny().(type) {
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				idx := int(ev.Index)
				tools[idx] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
				if !emit(model.Event{Kind: model.EventToolCallStart, ToolCallID: toolUse.ID, ToolCallName: toolUse.Name}) {
					return
				}
			}
		case sdk.ContentBlockDeltaEvent:
			idx := int(ev.Index)
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				if !emit(model.Event{Kind: model.EventTextDelta, Delta: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb, ok := tools[idx]; ok {
					tb.fragments.WriteString(delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if tb, ok := tools[idx]; ok {
				delete(tools, idx)
				args, err := decodeArgs(tb.fragments.String())
				if err != nil {
					s.setErr(err)
					return
				}
				if !emit(model.Event{
					Kind: model.EventToolCallEnd,
					ToolCall: model.ToolCall{
						ID:        tb.id,
						Name:      tb.name,
						Arguments: args,
					},
				}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			s.recordUsage(int64(ev.Usage.InputTokens), int64(ev.Usage.OutputTokens))
		case sdk.MessageStopEvent:
			if textBuf.Len() > 0 {
				if !emit(model.Event{Kind: model.EventTextEnd, Content: textBuf.String()}) {
					return
				}
				textBuf.Reset()
			}
		}
	}
	if err := s.src.Err(); err != nil {
		s.setErr(err)
	}
}

func decodeArgs(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || trimmed == "{}" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, errors.New("anthropic: malformed tool call arguments: " + err.Error())
	}
	return args, nil
}
