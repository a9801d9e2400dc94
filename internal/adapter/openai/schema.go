package openai

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	apierrors "github.com/zhengjr9/gemini-gateway/internal/errors"
)

const emptyObjectSchema = `{"type":"object","properties":{}}`

// metaKeywords annotate a schema without constraining it.
var metaKeywords = []string{"$schema", "$id"}

// nameMapKeywords hold objects whose keys are names and whose values are subschemas.
var nameMapKeywords = map[string]bool{
	"properties":        true,
	"patternProperties": true,
	"$defs":             true,
	"definitions":       true,
	"dependentSchemas":  true,
}

// dataKeywords hold instance data, never subschemas.
var dataKeywords = map[string]bool{
	"enum":     true,
	"const":    true,
	"default":  true,
	"examples": true,
}

// normalizeSchema prepares a JSON Schema for Gemini's parametersJsonSchema
// slot. Missing or null schemas become an empty object schema; meta keywords
// are dropped wherever they occur; everything else passes through.
func normalizeSchema(field string, raw json.RawMessage) (map[string]any, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		s = emptyObjectSchema
	}
	if !gjson.Valid(s) {
		return nil, apierrors.Translationf(field, "schema is not valid JSON")
	}
	root := gjson.Parse(s)
	if !root.IsObject() {
		return nil, apierrors.Translationf(field, "schema must be a JSON object, got %s", root.Type)
	}

	var paths []string
	walkForMetaKeywords(root, "", false, &paths)
	for _, p := range paths {
		var err error
		if s, err = sjson.Delete(s, p); err != nil {
			return nil, apierrors.Translationf(field, "strip %s: %v", p, err)
		}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, apierrors.Translationf(field, "decode schema: %v", err)
	}
	return out, nil
}

// walkForMetaKeywords collects the paths of every meta keyword in a schema.
// inNameMap is set while iterating a properties-like object, whose keys are
// user-chosen names rather than keywords.
func walkForMetaKeywords(value gjson.Result, path string, inNameMap bool, paths *[]string) {
	switch {
	case value.IsObject():
		value.ForEach(func(key, val gjson.Result) bool {
			k := key.String()
			child := joinPath(path, escapePathKey(k))
			if !inNameMap {
				if slices.Contains(metaKeywords, k) {
					*paths = append(*paths, child)
					return true
				}
				if dataKeywords[k] {
					return true
				}
			}
			walkForMetaKeywords(val, child, !inNameMap && nameMapKeywords[k], paths)
			return true
		})
	case value.IsArray():
		for i, item := range value.Array() {
			walkForMetaKeywords(item, joinPath(path, strconv.Itoa(i)), false, paths)
		}
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// escapePathKey escapes the characters gjson and sjson treat as path syntax.
func escapePathKey(key string) string {
	if !strings.ContainsAny(key, `.*?|#@\!=<>%:`) {
		return key
	}
	var b strings.Builder
	for _, r := range key {
		if strings.ContainsRune(`.*?|#@\!=<>%:`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
