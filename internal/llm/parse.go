package llm

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const (
	ReasonEmpty         = "empty_response"
	ReasonNoJSON        = "no_json_object"
	ReasonInvalidJSON   = "invalid_json"
	ReasonSchemaInvalid = "schema_mismatch"
	ReasonUpstream      = "upstream_error"
	ReasonTimeout       = "upstream_timeout"
)

// Result is either ParsedOk or ParsedFallback.
type Result[T any] interface {
	isResult(T)
}

type ParsedOk[T any] struct {
	Value T
}

func (ParsedOk[T]) isResult(T) {}

type ParsedFallback[T any] struct {
	Reason string
	Detail string
}

func (ParsedFallback[T]) isResult(T) {}

// FallbackFor maps a completion error to a fallback result.
func FallbackFor[T any](err error) Result[T] {
	if err == nil {
		return ParsedFallback[T]{Reason: ReasonEmpty}
	}
	reason := ReasonUpstream
	if isTimeout(err) {
		reason = ReasonTimeout
	}
	return ParsedFallback[T]{Reason: reason, Detail: err.Error()}
}

//go:embed schemas/*.json
var schemaFS embed.FS

type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

func (s *Schema) Name() string {
	if s == nil {
		return ""
	}
	return s.name
}

// LoadSchema compiles schemas/<name>.json.
func LoadSchema(name string) (*Schema, error) {
	raw, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, err
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: compiled}, nil
}

func MustSchema(name string) *Schema {
	s, err := LoadSchema(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Parse never fails: anything that is not a schema-valid JSON object becomes
// a ParsedFallback. A nil schema skips validation.
func Parse[T any](raw string, schema *Schema) Result[T] {
	body := strings.TrimSpace(stripFences(raw))
	if body == "" {
		return ParsedFallback[T]{Reason: ReasonEmpty}
	}
	object, ok := firstJSONObject(body)
	if !ok {
		return ParsedFallback[T]{Reason: ReasonNoJSON}
	}

	if schema != nil {
		res, err := schema.schema.Validate(gojsonschema.NewBytesLoader([]byte(object)))
		if err != nil {
			return ParsedFallback[T]{Reason: ReasonInvalidJSON, Detail: err.Error()}
		}
		if !res.Valid() {
			msgs := make([]string, 0, len(res.Errors()))
			for _, e := range res.Errors() {
				msgs = append(msgs, e.String())
			}
			return ParsedFallback[T]{Reason: ReasonSchemaInvalid, Detail: strings.Join(msgs, "; ")}
		}
	}

	var value T
	dec := json.NewDecoder(bytes.NewReader([]byte(object)))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return ParsedFallback[T]{Reason: ReasonInvalidJSON, Detail: err.Error()}
	}
	return ParsedOk[T]{Value: value}
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return s
}

// firstJSONObject returns the first balanced {...} span, ignoring braces
// inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, context.DeadlineExceeded)
}
