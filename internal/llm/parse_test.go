package llm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type question struct {
	Question string `json:"question"`
}

type turn struct {
	Question string `json:"question"`
	Final    bool   `json:"final"`
	Score    *int   `json:"score"`
	Summary  string `json:"summary"`
}

func TestParseStripsFencesAndProse(t *testing.T) {
	raw := "Sure! Here you go:\n```json\n{\"question\": \"Tell me about {braces} in a string\"}\n```\nGood luck."
	res := Parse[question](raw, MustSchema("interview_question"))
	ok, isOk := res.(ParsedOk[question])
	require.True(t, isOk, "got %#v", res)
	assert.Equal(t, "Tell me about {braces} in a string", ok.Value.Question)
}

func TestParseFallbacks(t *testing.T) {
	schema := MustSchema("interview_question")
	cases := map[string]string{
		"":                       ReasonEmpty,
		"no json here":           ReasonNoJSON,
		`{"question": "unclosed`: ReasonNoJSON,
		`{"question": ""}`:       ReasonSchemaInvalid,
		`{"other": "field"}`:     ReasonSchemaInvalid,
		"```\n```":               ReasonEmpty,
		`{"question": 1}`:        ReasonSchemaInvalid,
		`{"question": " \n "}`:   ReasonSchemaInvalid,
	}
	for raw, reason := range cases {
		res := Parse[question](raw, schema)
		fb, ok := res.(ParsedFallback[question])
		if assert.True(t, ok, "input %q", raw) {
			assert.Equal(t, reason, fb.Reason, "input %q", raw)
		}
	}
}

func TestParseInterviewTurnVerdict(t *testing.T) {
	schema := MustSchema("interview_turn")

	res := Parse[turn](`{"final": true, "score": 82, "summary": "Solid answers."}`, schema)
	ok, isOk := res.(ParsedOk[turn])
	require.True(t, isOk, "got %#v", res)
	assert.True(t, ok.Value.Final)
	require.NotNil(t, ok.Value.Score)
	assert.Equal(t, 82, *ok.Value.Score)

	res = Parse[turn](`{"final": true, "score": 140, "summary": "x"}`, schema)
	_, isFallback := res.(ParsedFallback[turn])
	assert.True(t, isFallback)

	res = Parse[turn](`{"final": true, "score": 80, "summary": "   "}`, schema)
	fb, isFallback := res.(ParsedFallback[turn])
	require.True(t, isFallback)
	assert.Equal(t, ReasonSchemaInvalid, fb.Reason)

	res = Parse[turn](`{"question": "Next?"}`, schema)
	_, isOk = res.(ParsedOk[turn])
	assert.True(t, isOk)
}

func TestParseWithoutSchema(t *testing.T) {
	res := Parse[map[string]any](`prefix {"a": {"b": 1}} suffix {"c": 2}`, nil)
	ok, isOk := res.(ParsedOk[map[string]any])
	require.True(t, isOk)
	assert.Contains(t, ok.Value, "a")
	assert.NotContains(t, ok.Value, "c")
}

func TestFallbackFor(t *testing.T) {
	fb := FallbackFor[question](ErrUpstreamTimeout).(ParsedFallback[question])
	assert.Equal(t, ReasonTimeout, fb.Reason)

	fb = FallbackFor[question](errors.New("boom")).(ParsedFallback[question])
	assert.Equal(t, ReasonUpstream, fb.Reason)
}

func TestEmbeddedSchemasCompile(t *testing.T) {
	for _, name := range []string{"interview_question", "interview_turn", "cv", "cover_letter"} {
		_, err := LoadSchema(name)
		assert.NoError(t, err, name)
	}
	_, err := LoadSchema("missing")
	assert.Error(t, err)
}
