package openai

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
)

func decodeRequest(t *testing.T, body string) *ChatCompletionRequest {
	t.Helper()
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func requireTranslationError(t *testing.T, err error, field string) {
	t.Helper()
	var te *apierrors.TranslationError
	require.True(t, errors.As(err, &te), "expected TranslationError, got %v", err)
	assert.Equal(t, field, te.Field)
}

func TestMapRequestPreservesRoleOrder(t *testing.T) {
	req := decodeRequest(t, `{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hi"},
			{"role": "assistant", "content": "hello"},
			{"role": "developer", "content": [{"type": "text", "text": "no emoji"}]},
			{"role": "user", "content": [{"type": "text", "text": "again"}]}
		]
	}`)

	out, tools, err := MapRequest(req, MapOptions{DefaultModel: "unused"})
	require.NoError(t, err)
	assert.Nil(t, tools)
	assert.Equal(t, "gemini-2.5-pro", out.Model)

	require.Len(t, out.Contents, 3)
	var roles []string
	for _, c := range out.Contents {
		roles = append(roles, c.Role)
	}
	assert.Equal(t, []string{genai.RoleUser, genai.RoleModel, genai.RoleUser}, roles)
	assert.Equal(t, "again", out.Contents[2].Parts[0].Text)

	require.NotNil(t, out.Config.SystemInstruction)
	require.Len(t, out.Config.SystemInstruction.Parts, 2)
	assert.Equal(t, "be brief", out.Config.SystemInstruction.Parts[0].Text)
	assert.Equal(t, "no emoji", out.Config.SystemInstruction.Parts[1].Text)
}

func TestMapRequestModelDefaults(t *testing.T) {
	req := decodeRequest(t, `{"messages":[{"role":"user","content":"hi"}]}`)

	out, _, err := MapRequest(req, MapOptions{DefaultModel: "gemini-default"})
	require.NoError(t, err)
	assert.Equal(t, "gemini-default", out.Model)

	_, _, err = MapRequest(req, MapOptions{})
	requireTranslationError(t, err, "model")
}

func TestMapRequestRejects(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"no messages", `{}`, "messages"},
		{"only system", `{"messages":[{"role":"system","content":"x"}]}`, "messages"},
		{"bad role", `{"messages":[{"role":"robot","content":"x"}]}`, "messages[0].role"},
		{"bad part", `{"messages":[{"role":"user","content":[{"type":"input_audio"}]}]}`, "messages[0].content[0]"},
		{"image in system", `{"messages":[{"role":"system","content":[{"type":"image_url","image_url":{"url":"https://x/y.png"}}]},{"role":"user","content":"x"}]}`, "messages[0].content[0]"},
		{"ftp image", `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"ftp://x/y.png"}}]}]}`, "messages[0].content[0].image_url.url"},
		{"plain data uri", `{"messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"data:image/png,abc"}}]}]}`, "messages[0].content[0].image_url.url"},
		{"args not object", `{"messages":[{"role":"assistant","tool_calls":[{"id":"c1","type":"function","function":{"name":"f","arguments":"[1]"}}]}]}`, "messages[0].tool_calls[0].function.arguments"},
		{"orphan tool reply", `{"messages":[{"role":"tool","tool_call_id":"nope","content":"x"}]}`, "messages[0].tool_call_id"},
		{"tool type", `{"messages":[{"role":"user","content":"x"}],"tools":[{"type":"retrieval","function":{"name":"f"}}]}`, "tools[0].type"},
		{"duplicate tool", `{"messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f"}},{"type":"function","function":{"name":"f"}}]}`, "tools[1].function.name"},
		{"schema not object", `{"messages":[{"role":"user","content":"x"}],"tools":[{"type":"function","function":{"name":"f","parameters":[1,2]}}]}`, "tools[0].function.parameters"},
		{"choice undeclared", `{"messages":[{"role":"user","content":"x"}],"tool_choice":{"type":"function","function":{"name":"g"}}}`, "tool_choice.function.name"},
		{"choice unknown", `{"messages":[{"role":"user","content":"x"}],"tool_choice":"sometimes"}`, "tool_choice"},
		{"required without tools", `{"messages":[{"role":"user","content":"x"}],"tool_choice":"required"}`, "tool_choice"},
		{"stop numbers", `{"messages":[{"role":"user","content":"x"}],"stop":[1]}`, "stop"},
		{"effort", `{"messages":[{"role":"user","content":"x"}],"reasoning_effort":"extreme"}`, "reasoning_effort"},
		{"response format", `{"messages":[{"role":"user","content":"x"}],"response_format":{"type":"yaml"}}`, "response_format.type"},
		{"max tokens overflow", `{"messages":[{"role":"user","content":"x"}],"max_tokens":4294967297}`, "max_tokens"},
		{"max completion tokens zero", `{"messages":[{"role":"user","content":"x"}],"max_completion_tokens":0}`, "max_completion_tokens"},
		{"n overflow", `{"messages":[{"role":"user","content":"x"}],"n":4294967298}`, "n"},
		{"n zero", `{"messages":[{"role":"user","content":"x"}],"n":0}`, "n"},
		{"seed overflow", `{"messages":[{"role":"user","content":"x"}],"seed":4294967296}`, "seed"},
		{"seed underflow", `{"messages":[{"role":"user","content":"x"}],"seed":-2147483649}`, "seed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := MapRequest(decodeRequest(t, tt.body), MapOptions{DefaultModel: "m"})
			requireTranslationError(t, err, tt.field)
		})
	}
}

func TestMapRequestImages(t *testing.T) {
	req := decodeRequest(t, `{"messages":[{"role":"user","content":[
		{"type":"text","text":"what is this"},
		{"type":"image_url","image_url":{"url":"data:image/png;base64,aGVsbG8="}},
		{"type":"image_url","image_url":{"url":"https://example.com/cat.webp?size=large"}}
	]}]}`)

	out, _, err := MapRequest(req, MapOptions{DefaultModel: "m"})
	require.NoError(t, err)

	parts := out.Contents[0].Parts
	require.Len(t, parts, 3)
	require.NotNil(t, parts[1].InlineData)
	assert.Equal(t, "image/png", parts[1].InlineData.MIMEType)
	assert.Equal(t, []byte("hello"), parts[1].InlineData.Data)
	require.NotNil(t, parts[2].FileData)
	assert.Equal(t, "https://example.com/cat.webp?size=large", parts[2].FileData.FileURI)
	assert.Equal(t, "image/webp", parts[2].FileData.MIMEType)
}

func TestMapRequestToolRoundTrip(t *testing.T) {
	req := decodeRequest(t, `{"messages":[
		{"role":"user","content":"weather in Paris and Rome?"},
		{"role":"assistant","content":null,"tool_calls":[
			{"id":"call_1","type":"function","function":{"name":"get_weather","arguments":"{\"city\":\"Paris\"}"}},
			{"id":"call_2","type":"function","function":{"name":"get_weather","arguments":""}}
		]},
		{"role":"tool","tool_call_id":"call_1","content":"{\"temp\":21}"},
		{"role":"tool","tool_call_id":"call_2","content":"sunny"},
		{"role":"tool","tool_call_id":"call_x","name":"lookup","content":[{"type":"text","text":"42"}]}
	]}`)

	out, _, err := MapRequest(req, MapOptions{DefaultModel: "m"})
	require.NoError(t, err)
	require.Len(t, out.Contents, 5, "tool replies are not merged")

	model := out.Contents[1]
	assert.Equal(t, genai.RoleModel, model.Role)
	require.Len(t, model.Parts, 2)
	fc := model.Parts[0].FunctionCall
	require.NotNil(t, fc)
	assert.Equal(t, "call_1", fc.ID)
	assert.Equal(t, "get_weather", fc.Name)
	assert.Equal(t, map[string]any{"city": "Paris"}, fc.Args)
	assert.Equal(t, []byte("skip_thought_signature_validator"), model.Parts[0].ThoughtSignature)
	assert.Equal(t, map[string]any{}, model.Parts[1].FunctionCall.Args)

	first := out.Contents[2].Parts[0].FunctionResponse
	require.NotNil(t, first)
	assert.Equal(t, genai.RoleUser, out.Contents[2].Role)
	assert.Equal(t, "get_weather", first.Name)
	assert.Equal(t, "call_1", first.ID)
	assert.Equal(t, map[string]any{"temp": float64(21)}, first.Response)

	assert.Equal(t, map[string]any{"result": "sunny"}, out.Contents[3].Parts[0].FunctionResponse.Response)

	named := out.Contents[4].Parts[0].FunctionResponse
	assert.Equal(t, "lookup", named.Name)
	assert.Equal(t, map[string]any{"result": "42"}, named.Response)
}

func TestMapRequestTools(t *testing.T) {
	req := decodeRequest(t, `{
		"messages":[{"role":"user","content":"x"}],
		"tools":[
			{"type":"function","function":{"name":"search","description":"web search","parameters":{
				"$schema":"http://json-schema.org/draft-07/schema#",
				"type":"object",
				"properties":{
					"$id":{"type":"string"},
					"q":{"type":["string","null"],"$id":"#q"},
					"filters":{"anyOf":[{"$schema":"x","type":"object"},{"type":"null"}]}
				},
				"default":{"$id":"kept"},
				"additionalProperties":false
			}}},
			{"type":"function","function":{"name":"ping"}}
		],
		"tool_choice":{"type":"function","function":{"name":"search"}}
	}`)

	out, tools, err := MapRequest(req, MapOptions{DefaultModel: "m"})
	require.NoError(t, err)
	assert.True(t, tools.Has("search"))
	assert.True(t, tools.Has("ping"))
	assert.False(t, tools.Has("other"))

	require.Len(t, out.Config.Tools, 1)
	decls := out.Config.Tools[0].FunctionDeclarations
	require.Len(t, decls, 2)
	assert.Equal(t, "web search", decls[0].Description)

	got, err := json.Marshal(decls[0].ParametersJsonSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type":"object",
		"properties":{
			"$id":{"type":"string"},
			"q":{"type":["string","null"]},
			"filters":{"anyOf":[{"type":"object"},{"type":"null"}]}
		},
		"default":{"$id":"kept"},
		"additionalProperties":false
	}`, string(got))

	empty, err := json.Marshal(decls[1].ParametersJsonSchema)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(empty))

	require.NotNil(t, out.Config.ToolConfig)
	fcc := out.Config.ToolConfig.FunctionCallingConfig
	assert.Equal(t, genai.FunctionCallingConfigModeAny, fcc.Mode)
	assert.Equal(t, []string{"search"}, fcc.AllowedFunctionNames)
}

func TestMapRequestToolChoiceModes(t *testing.T) {
	tests := []struct {
		choice string
		want   genai.FunctionCallingConfigMode
	}{
		{`"none"`, genai.FunctionCallingConfigModeNone},
		{`"auto"`, genai.FunctionCallingConfigModeAuto},
		{`"required"`, genai.FunctionCallingConfigModeAny},
	}
	for _, tt := range tests {
		t.Run(tt.choice, func(t *testing.T) {
			req := decodeRequest(t, `{"messages":[{"role":"user","content":"x"}],
				"tools":[{"type":"function","function":{"name":"f"}}],"tool_choice":`+tt.choice+`}`)
			out, _, err := MapRequest(req, MapOptions{DefaultModel: "m"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Config.ToolConfig.FunctionCallingConfig.Mode)
		})
	}
}

func TestMapRequestGenerationConfig(t *testing.T) {
	req := decodeRequest(t, `{
		"messages":[{"role":"user","content":"x"}],
		"temperature":0.5, "top_p":0.9, "max_tokens":100, "max_completion_tokens":200,
		"stop":"END", "n":2, "seed":7, "presence_penalty":0.1, "frequency_penalty":0.2,
		"response_format":{"type":"json_schema","json_schema":{"name":"r","schema":{"$schema":"s","type":"object"}}},
		"reasoning_effort":"medium"
	}`)

	out, _, err := MapRequest(req, MapOptions{DefaultModel: "m"})
	require.NoError(t, err)

	cfg := out.Config
	assert.InDelta(t, 0.5, *cfg.Temperature, 1e-6)
	assert.InDelta(t, 0.9, *cfg.TopP, 1e-6)
	assert.EqualValues(t, 200, cfg.MaxOutputTokens, "max_completion_tokens wins")
	assert.Equal(t, []string{"END"}, cfg.StopSequences)
	assert.EqualValues(t, 2, cfg.CandidateCount)
	assert.EqualValues(t, 7, *cfg.Seed)
	assert.InDelta(t, 0.1, *cfg.PresencePenalty, 1e-6)
	assert.InDelta(t, 0.2, *cfg.FrequencyPenalty, 1e-6)
	assert.Equal(t, "application/json", cfg.ResponseMIMEType)
	assert.Equal(t, map[string]any{"type": "object"}, cfg.ResponseJsonSchema)
	require.NotNil(t, cfg.ThinkingConfig)
	assert.True(t, cfg.ThinkingConfig.IncludeThoughts)
	assert.EqualValues(t, 8192, *cfg.ThinkingConfig.ThinkingBudget)
}

func TestMapRequestIncludeReasoningAndStopArray(t *testing.T) {
	req := decodeRequest(t, `{"messages":[{"role":"user","content":"x"}],
		"include_reasoning":true, "stop":["a","b"], "response_format":{"type":"json_object"}}`)

	out, _, err := MapRequest(req, MapOptions{DefaultModel: "m"})
	require.NoError(t, err)
	require.NotNil(t, out.Config.ThinkingConfig)
	assert.True(t, out.Config.ThinkingConfig.IncludeThoughts)
	assert.Nil(t, out.Config.ThinkingConfig.ThinkingBudget)
	assert.Equal(t, []string{"a", "b"}, out.Config.StopSequences)
	assert.Equal(t, "application/json", out.Config.ResponseMIMEType)
	assert.Nil(t, out.Config.ResponseJsonSchema)
}
