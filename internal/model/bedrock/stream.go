package bedrock

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/openclaw/miniagent/internal/model"
)

// streamer adapts a Bedrock ConverseStream event stream to model.Streamer.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	src    *bedrockruntime.ConverseStreamEventStream

	events chan model.Event

	mu     sync.Mutex
	err    error
	errSet bool
	meta   map[string]any
}

func newStreamer(ctx context.Context, src *bedrockruntime.ConverseStreamEventStream) model.Streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{ctx: cctx, cancel: cancel, src: src, events: make(chan model.Event, 32)}
	if src == nil {
		// An output without an event stream yields no events: Recv reports io.EOF.
		close(s.events)
		return s
	}
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
	if s.src == nil {
		return nil
	}
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

type toolBuf struct {
	id, name string
	args     strings.Builder
}

func (s *streamer) run() {
	defer close(s.events)
	defer s.src.Close()

	var textBuf strings.Builder
	tools := map[int32]*toolBuf{}

	emit := func(ev model.Event) bool {
		select {
		case s.events <- ev:
			return true
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return false
		}
	}

	for event := range s.src.Events() {
		switch ev := event.(type) {
		case *brtypes.ConverseStreamOutputMemberContentBlockStart:
			if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
				idx := derefInt32P(ev.Value.ContentBlockIndex)
				id := derefStr(start.Value.ToolUseId)
				name := derefStr(start.Value.Name)
				tools[idx] = &toolBuf{id: id, name: name}
				if !emit(model.Event{Kind: model.EventToolCallStart, ToolCallID: id, ToolCallName: name}) {
					return
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
			idx := derefInt32P(ev.Value.ContentBlockIndex)
			switch delta := ev.Value.Delta.(type) {
			case *brtypes.ContentBlockDeltaMemberText:
				if delta.Value == "" {
					continue
				}
				textBuf.WriteString(delta.Value)
				if !emit(model.Event{Kind: model.EventTextDelta, Delta: delta.Value}) {
					return
				}
			case *brtypes.ContentBlockDeltaMemberToolUse:
				if tb, ok := tools[idx]; ok && delta.Value.Input != nil {
					tb.args.WriteString(*delta.Value.Input)
				}
			}
		case *brtypes.ConverseStreamOutputMemberContentBlockStop:
			idx := derefInt32P(ev.Value.ContentBlockIndex)
			if tb, ok := tools[idx]; ok {
				delete(tools, idx)
				args, err := decodeArgs(tb.args.String())
				if err != nil {
					s.setErr(err)
					return
				}
				if !emit(model.Event{
					Kind:     model.EventToolCallEnd,
					ToolCall: model.ToolCall{ID: tb.id, Name: tb.name, Arguments: args},
				}) {
					return
				}
			}
		case *brtypes.ConverseStreamOutputMemberMessageStop:
			if textBuf.Len() > 0 {
				if !emit(model.Event{Kind: model.EventTextEnd, Content: textBuf.String()}) {
					return
				}
				textBuf.Reset()
			}
		case *brtypes.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				s.mu.Lock()
				if s.meta == nil {
					s.meta = make(map[string]any)
				}
				s.meta["usage"] = map[string]int64{
					"input_tokens":  int64(derefInt32P(u.InputTokens)),
					"output_tokens": int64(derefInt32P(u.OutputTokens)),
				}
				s.mu.Unlock()
			}
		}
	}
	if err := s.src.Err(); err != nil {
		s.setErr(err)
	}
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt32P(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
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
