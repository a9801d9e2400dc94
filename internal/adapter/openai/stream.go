package openai

import (
	"encoding/json"

	"google.golang.org/genai"
)

// StreamOptions tunes a StreamMapper.
type StreamOptions struct {
	// IncludeUsage attaches the backend's usage to the terminal chunk.
	IncludeUsage bool
	// Candidates is the number of choices the stream must finish before it
	// is terminal. Values below 1 mean one.
	Candidates int
}

// StreamMapper turns a sequence of streamed Gemini responses into chat
// completion chunks. One mapper serves one stream; Map must be called in
// arrival order from a single goroutine.
type StreamMapper struct {
	meta    CompletionMeta
	opts    StreamOptions
	choices map[int]*choiceState
	usage   *genai.GenerateContentResponseUsageMetadata
	blocked bool
	done    bool
}

// choiceState follows one choice across the stream.
type choiceState struct {
	started   bool
	finished  bool
	thinkOpen bool
	// byID maps backend call ids onto their stable tool call index.
	byID     map[string]int
	nextCall int
	argsSent []bool
}

func NewStreamMapper(meta CompletionMeta, opts StreamOptions) *StreamMapper {
	return &StreamMapper{meta: meta, opts: opts, choices: map[int]*choiceState{}}
}

// Done reports whether the terminal chunk has been produced.
func (m *StreamMapper) Done() bool { return m.done }

// Map translates one streamed response. It returns nil once the terminal
// chunk has been produced.
func (m *StreamMapper) Map(resp *genai.GenerateContentResponse) *StreamChunk {
	if m.done || resp == nil {
		return nil
	}
	if resp.UsageMetadata != nil {
		m.usage = resp.UsageMetadata
	}

	chunk := &StreamChunk{
		ID:      m.meta.ID,
		Object:  "chat.completion.chunk",
		Created: m.meta.Created,
		Model:   m.meta.Model,
		Choices: []StreamChoice{},
	}

	if len(resp.Candidates) == 0 {
		st := m.choice(0)
		sc := StreamChoice{Index: 0}
		if !st.started {
			sc.Delta.Role = "assistant"
			st.started = true
		}
		if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
			// A blocked prompt produces no candidates at all.
			reason := finishContentFilter
			st.finished = true
			sc.FinishReason = &reason
			m.blocked = true
		}
		chunk.Choices = append(chunk.Choices, sc)
	}

	for i, c := range resp.Candidates {
		if c == nil {
			continue
		}
		index := int(c.Index)
		if index == 0 {
			index = i
		}
		chunk.Choices = append(chunk.Choices, m.mapCandidate(index, c))
	}

	if m.blocked || m.allFinished() {
		m.done = true
		if m.opts.IncludeUsage {
			chunk.Usage = mapUsage(m.usage)
		}
	}
	return chunk
}

func (m *StreamMapper) choice(index int) *choiceState {
	st, ok := m.choices[index]
	if !ok {
		st = &choiceState{byID: map[string]int{}}
		m.choices[index] = st
	}
	return st
}

func (m *StreamMapper) allFinished() bool {
	if len(m.choices) == 0 || len(m.choices) < m.opts.Candidates {
		return false
	}
	for _, st := range m.choices {
		if !st.finished {
			return false
		}
	}
	return true
}

func (m *StreamMapper) mapCandidate(index int, c *genai.Candidate) StreamChoice {
	st := m.choice(index)
	sc := StreamChoice{Index: index}
	if !st.started {
		sc.Delta.Role = "assistant"
		st.started = true
	}
	if st.finished {
		return sc
	}

	if c.Content != nil {
		for _, p := range c.Content.Parts {
			switch {
			case p == nil:
			case p.FunctionCall != nil:
				m.closeThink(st, &sc.Delta)
				sc.Delta.ToolCalls = append(sc.Delta.ToolCalls, m.toolCallDelta(st, index, p.FunctionCall))
			case p.Thought:
				m.appendThought(st, &sc.Delta, p.Text)
			default:
				m.closeThink(st, &sc.Delta)
				sc.Delta.Content += p.Text
			}
		}
	}

	if c.FinishReason != "" && c.FinishReason != genai.FinishReasonUnspecified {
		m.closeThink(st, &sc.Delta)
		for call, sent := range st.argsSent {
			if !sent {
				sc.Delta.ToolCalls = append(sc.Delta.ToolCalls, ToolCall{
					Index:    intPtr(call),
					Function: FunctionCall{Arguments: "{}"},
				})
				st.argsSent[call] = true
			}
		}
		reason := mapFinishReason(c.FinishReason, st.nextCall > 0)
		sc.FinishReason = &reason
		st.finished = true
	}
	return sc
}

// toolCallDelta emits the opening fragment of a new call, or only the
// argument fragment of a call whose id was seen before.
func (m *StreamMapper) toolCallDelta(st *choiceState, choice int, fc *genai.FunctionCall) ToolCall {
	args := argsFragment(fc.Args)
	if fc.ID != "" {
		if call, ok := st.byID[fc.ID]; ok {
			if fc.Args != nil {
				st.argsSent[call] = true
			}
			return ToolCall{Index: intPtr(call), Function: FunctionCall{Arguments: args}}
		}
	}

	call := st.nextCall
	st.nextCall++
	st.argsSent = append(st.argsSent, fc.Args != nil)
	if fc.ID != "" {
		st.byID[fc.ID] = call
	}
	return ToolCall{
		Index: intPtr(call),
		ID:    toolCallID(fc.ID, m.meta.ID, choice, call),
		Type:  "function",
		Function: FunctionCall{
			Name:      fc.Name,
			Arguments: args,
		},
	}
}

func (m *StreamMapper) appendThought(st *choiceState, d *Delta, text string) {
	if !m.meta.ThinkTags {
		d.ReasoningContent += text
		return
	}
	if !st.thinkOpen {
		d.Content += "<think>"
		st.thinkOpen = true
	}
	d.Content += text
}

func (m *StreamMapper) closeThink(st *choiceState, d *Delta) {
	if st.thinkOpen {
		d.Content += "</think>"
		st.thinkOpen = false
	}
}

// argsFragment encodes a call's arguments; nil arguments are an empty fragment.
func argsFragment(args map[string]any) string {
	if args == nil {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return ""
	}
	return string(data)
}

func intPtr(v int) *int { return &v }
