package openai

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/tidwall/gjson"
	"google.golang.org/genai"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
	"github.com/zhengjr9/gemini-gateway/internal/gemini"
)

// MapOptions carries gateway defaults into MapRequest.
type MapOptions struct {
	DefaultModel string
}

// thoughtSignaturePlaceholder lets thinking models accept function calls
// replayed from history, whose real signatures the client never saw.
var thoughtSignaturePlaceholder = []byte("skip_thought_signature_validator")

var reasoningBudgets = map[string]int32{
	"low":    1024,
	"medium": 8192,
	"high":   24576,
}

// MapRequest translates a chat completions request into a Gemini
// generateContent call. The returned ToolSet indexes the declared tools.
func MapRequest(req *ChatCompletionRequest, opts MapOptions) (*gemini.Request, ToolSet, error) {
	if len(req.Messages) == 0 {
		return nil, nil, apierrors.Translationf("messages", "must not be empty")
	}
	model := req.Model
	if model == "" {
		model = opts.DefaultModel
	}
	if model == "" {
		return nil, nil, apierrors.Translationf("model", "must be set")
	}

	contents, system, err := mapMessages(req.Messages)
	if err != nil {
		return nil, nil, err
	}

	tools, decls, err := mapTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}

	cfg := &genai.GenerateContentConfig{SystemInstruction: system}
	if len(decls) > 0 {
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.ToolConfig, err = mapToolChoice(req.ToolChoice, tools); err != nil {
		return nil, nil, err
	}
	if err := mapGenerationConfig(req, cfg); err != nil {
		return nil, nil, err
	}

	return &gemini.Request{Model: model, Contents: contents, Config: cfg}, tools, nil
}

// mapMessages keeps message order and count; system and developer messages
// are hoisted into the system instruction.
func mapMessages(msgs []Message) ([]*genai.Content, *genai.Content, error) {
	var (
		contents  []*genai.Content
		system    *genai.Content
		callNames = map[string]string{}
	)
	for i, m := range msgs {
		field := fmt.Sprintf("messages[%d]", i)
		switch m.Role {
		case "system", "developer":
			text, err := messageText(field, m)
			if err != nil {
				return nil, nil, err
			}
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: text})
		case "user":
			parts, err := userParts(field, m)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: parts})
		case "assistant":
			parts, err := assistantParts(field, m, callNames)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})
		case "tool":
			part, err := toolResponsePart(field, m, callNames)
			if err != nil {
				return nil, nil, err
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})
		default:
			return nil, nil, apierrors.Translationf(field+".role", "unsupported role %q", m.Role)
		}
	}
	if len(contents) == 0 {
		return nil, nil, apierrors.Translationf("messages", "need at least one user, assistant or tool message")
	}
	return contents, system, nil
}

// messageText joins the text parts of m and rejects anything else.
func messageText(field string, m Message) (string, error) {
	parts, err := m.Parts()
	if err != nil {
		return "", apierrors.Translationf(field+".content", "%v", err)
	}
	texts := make([]string, 0, len(parts))
	for j, p := range parts {
		if p.Type != "text" {
			return "", apierrors.Translationf(fmt.Sprintf("%s.content[%d]", field, j), "unsupported part type %q", p.Type)
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, "\n"), nil
}

func userParts(field string, m Message) ([]*genai.Part, error) {
	parts, err := m.Parts()
	if err != nil {
		return nil, apierrors.Translationf(field+".content", "%v", err)
	}
	out := make([]*genai.Part, 0, len(parts))
	for j, p := range parts {
		pf := fmt.Sprintf("%s.content[%d]", field, j)
		switch p.Type {
		case "text":
			out = append(out, &genai.Part{Text: p.Text})
		case "image_url":
			if p.ImageURL == nil || p.ImageURL.URL == "" {
				return nil, apierrors.Translationf(pf+".image_url", "url is required")
			}
			part, err := imagePart(pf+".image_url.url", p.ImageURL.URL)
			if err != nil {
				return nil, err
			}
			out = append(out, part)
		default:
			return nil, apierrors.Translationf(pf, "unsupported part type %q", p.Type)
		}
	}
	if len(out) == 0 {
		out = append(out, &genai.Part{Text: ""})
	}
	return out, nil
}

// imagePart inlines data: URIs and references http(s) URLs by address.
func imagePart(field, ref string) (*genai.Part, error) {
	if rest, ok := strings.CutPrefix(ref, "data:"); ok {
		meta, data, found := strings.Cut(rest, ",")
		if !found {
			return nil, apierrors.Translationf(field, "malformed data URI")
		}
		mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
		if !isBase64 {
			return nil, apierrors.Translationf(field, "data URI must be base64 encoded")
		}
		raw, err := base64.StdEncoding.DecodeString(data)
		if err != nil {
			return nil, apierrors.Translationf(field, "decode data URI: %v", err)
		}
		if mimeType == "" {
			mimeType = "image/jpeg"
		}
		return &genai.Part{InlineData: &genai.Blob{MIMEType: mimeType, Data: raw}}, nil
	}

	u, err := url.Parse(ref)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, apierrors.Translationf(field, "expected a data URI or an http(s) URL")
	}
	mimeType, _, _ := strings.Cut(mime.TypeByExtension(path.Ext(u.Path)), ";")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}
	return &genai.Part{FileData: &genai.FileData{FileURI: ref, MIMEType: mimeType}}, nil
}

func assistantParts(field string, m Message, callNames map[string]string) ([]*genai.Part, error) {
	var out []*genai.Part
	text, err := messageText(field, m)
	if err != nil {
		return nil, err
	}
	if text != "" {
		out = append(out, &genai.Part{Text: text})
	}

	for j, tc := range m.ToolCalls {
		tf := fmt.Sprintf("%s.tool_calls[%d]", field, j)
		if tc.Type != "" && tc.Type != "function" {
			return nil, apierrors.Translationf(tf+".type", "unsupported tool call type %q", tc.Type)
		}
		if tc.Function.Name == "" {
			return nil, apierrors.Translationf(tf+".function.name", "must be set")
		}
		args, err := decodeArguments(tf+".function.arguments", tc.Function.Arguments)
		if err != nil {
			return nil, err
		}
		if tc.ID != "" {
			callNames[tc.ID] = tc.Function.Name
		}
		out = append(out, &genai.Part{
			FunctionCall:     &genai.FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args},
			ThoughtSignature: thoughtSignaturePlaceholder,
		})
	}

	if len(out) == 0 {
		out = append(out, &genai.Part{Text: ""})
	}
	return out, nil
}

func decodeArguments(field, arguments string) (map[string]any, error) {
	s := strings.TrimSpace(arguments)
	if s == "" {
		return map[string]any{}, nil
	}
	if !gjson.Valid(s) || !gjson.Parse(s).IsObject() {
		return nil, apierrors.Translationf(field, "must be a JSON object")
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(s), &args); err != nil {
		return nil, apierrors.Translationf(field, "%v", err)
	}
	return args, nil
}

// toolResponsePart names the response after the call it answers, falling
// back to the message's own name.
func toolResponsePart(field string, m Message, callNames map[string]string) (*genai.Part, error) {
	name := callNames[m.ToolCallID]
	if name == "" {
		name = m.Name
	}
	if name == "" {
		return nil, apierrors.Translationf(field+".tool_call_id", "unknown tool_call_id %q and no name", m.ToolCallID)
	}

	text, err := messageText(field, m)
	if err != nil {
		return nil, err
	}
	response := map[string]any{"result": text}
	if gjson.Valid(text) && gjson.Parse(text).IsObject() {
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err == nil {
			response = obj
		}
	}

	return &genai.Part{FunctionResponse: &genai.FunctionResponse{
		ID:       m.ToolCallID,
		Name:     name,
		Response: response,
	}}, nil
}

func mapTools(tools []Tool) (ToolSet, []*genai.FunctionDeclaration, error) {
	if len(tools) == 0 {
		return nil, nil, nil
	}
	set := make(ToolSet, len(tools))
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for i, t := range tools {
		field := fmt.Sprintf("tools[%d]", i)
		if t.Type != "function" {
			return nil, nil, apierrors.Translationf(field+".type", "unsupported tool type %q", t.Type)
		}
		name := t.Function.Name
		if name == "" {
			return nil, nil, apierrors.Translationf(field+".function.name", "must be set")
		}
		if set.Has(name) {
			return nil, nil, apierrors.Translationf(field+".function.name", "duplicate tool name %q", name)
		}
		schema, err := normalizeSchema(field+".function.parameters", t.Function.Parameters)
		if err != nil {
			return nil, nil, err
		}
		set[name] = t.Function
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 name,
			Description:          t.Function.Description,
			ParametersJsonSchema: schema,
		})
	}
	return set, decls, nil
}

func mapToolChoice(raw json.RawMessage, tools ToolSet) (*genai.ToolConfig, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	if !gjson.Valid(s) {
		return nil, apierrors.Translationf("tool_choice", "invalid JSON")
	}

	choice := gjson.Parse(s)
	fc := &genai.FunctionCallingConfig{}
	switch {
	case choice.Type == gjson.String:
		switch choice.String() {
		case "none":
			fc.Mode = genai.FunctionCallingConfigModeNone
		case "auto":
			fc.Mode = genai.FunctionCallingConfigModeAuto
		case "required":
			if len(tools) == 0 {
				return nil, apierrors.Translationf("tool_choice", "required needs at least one tool")
			}
			fc.Mode = genai.FunctionCallingConfigModeAny
		default:
			return nil, apierrors.Translationf("tool_choice", "unsupported value %q", choice.String())
		}
	case choice.IsObject():
		if t := choice.Get("type").String(); t != "function" {
			return nil, apierrors.Translationf("tool_choice.type", "unsupported type %q", t)
		}
		name := choice.Get("function.name").String()
		if !tools.Has(name) {
			return nil, apierrors.Translationf("tool_choice.function.name", "tool %q is not declared", name)
		}
		fc.Mode = genai.FunctionCallingConfigModeAny
		fc.AllowedFunctionNames = []string{name}
	default:
		return nil, apierrors.Translationf("tool_choice", "must be a string or an object")
	}
	return &genai.ToolConfig{FunctionCallingConfig: fc}, nil
}

func mapGenerationConfig(req *ChatCompletionRequest, cfg *genai.GenerateContentConfig) error {
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr(float32(*req.TopP))
	}
	maxTokens, maxField := req.MaxCompletionTokens, "max_completion_tokens"
	if maxTokens == nil {
		maxTokens, maxField = req.MaxTokens, "max_tokens"
	}
	if maxTokens != nil {
		if *maxTokens < 1 || *maxTokens > math.MaxInt32 {
			return apierrors.Translationf(maxField, "must be between 1 and %d, got %d", math.MaxInt32, *maxTokens)
		}
		cfg.MaxOutputTokens = int32(*maxTokens)
	}
	stop, err := stopSequences(req.Stop)
	if err != nil {
		return err
	}
	cfg.StopSequences = stop
	if req.N != nil {
		if *req.N < 1 || *req.N > math.MaxInt32 {
			return apierrors.Translationf("n", "must be between 1 and %d, got %d", math.MaxInt32, *req.N)
		}
		if *req.N > 1 {
			cfg.CandidateCount = int32(*req.N)
		}
	}
	if req.Seed != nil {
		if *req.Seed < math.MinInt32 || *req.Seed > math.MaxInt32 {
			return apierrors.Translationf("seed", "must fit in 32 bits, got %d", *req.Seed)
		}
		cfg.Seed = genai.Ptr(int32(*req.Seed))
	}
	if req.PresencePenalty != nil {
		cfg.PresencePenalty = genai.Ptr(float32(*req.PresencePenalty))
	}
	if req.FrequencyPenalty != nil {
		cfg.FrequencyPenalty = genai.Ptr(float32(*req.FrequencyPenalty))
	}

	if rf := req.ResponseFormat; rf != nil {
		switch rf.Type {
		case "", "text":
		case "json_object":
			cfg.ResponseMIMEType = "application/json"
		case "json_schema":
			cfg.ResponseMIMEType = "application/json"
			if rf.JSONSchema != nil {
				schema, err := normalizeSchema("response_format.json_schema.schema", rf.JSONSchema.Schema)
				if err != nil {
					return err
				}
				cfg.ResponseJsonSchema = schema
			}
		default:
			return apierrors.Translationf("response_format.type", "unsupported type %q", rf.Type)
		}
	}

	if req.IncludeReasoning || req.ReasoningEffort != "" {
		tc := &genai.ThinkingConfig{IncludeThoughts: true}
		if req.ReasoningEffort != "" {
			budget, ok := reasoningBudgets[req.ReasoningEffort]
			if !ok {
				return apierrors.Translationf("reasoning_effort", "unsupported value %q", req.ReasoningEffort)
			}
			tc.ThinkingBudget = genai.Ptr(budget)
		}
		cfg.ThinkingConfig = tc
	}
	return nil
}

func stopSequences(raw json.RawMessage) ([]string, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return nil, nil
	}
	v := gjson.Parse(s)
	switch {
	case v.Type == gjson.String:
		if v.String() == "" {
			return nil, nil
		}
		return []string{v.String()}, nil
	case v.IsArray():
		var out []string
		for _, item := range v.Array() {
			if item.Type != gjson.String {
				return nil, apierrors.Translationf("stop", "entries must be strings")
			}
			out = append(out, item.String())
		}
		return out, nil
	}
	return nil, apierrors.Translationf("stop", "must be a string or an array of strings")
}
