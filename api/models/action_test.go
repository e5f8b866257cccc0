package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyValuesWithIsImmutable(t *testing.T) {
	orig := KeyValues{{Key: "exec", Value: "nodejs:10"}}

	marked := orig.With(AnnotationAgent, true)
	assert.Len(t, orig, 1, "With must not alter the receiver")
	assert.Len(t, marked, 2)
	assert.True(t, marked.GetBool(AnnotationAgent))

	replaced := marked.With("exec", "python:3")
	assert.Equal(t, "python:3", replaced.GetString("exec"))
	assert.Equal(t, "exec", replaced[0].Key, "existing keys keep their position")
	assert.Equal(t, "nodejs:10", marked.GetString("exec"))

	assert.False(t, replaced.Without(AnnotationAgent).GetBool(AnnotationAgent))
}

func TestKeyValuesGetBoolSpellings(t *testing.T) {
	kv := KeyValues{{Key: "a", Value: "true"}, {Key: "b", Value: false}, {Key: "c", Value: 1}}
	assert.True(t, kv.GetBool("a"))
	assert.False(t, kv.GetBool("b"))
	assert.False(t, kv.GetBool("c"))
	assert.False(t, kv.GetBool("missing"))
}

func TestActionIsAgentAndKind(t *testing.T) {
	var a Action
	require.NoError(t, json.Unmarshal([]byte(`{
		"namespace":"guest","name":"myaction",
		"exec":{"binary":false},
		"annotations":[{"key":"exec","value":"nodejs:10"},{"key":"fndebug","value":true}],
		"limits":{"timeout":300000}
	}`), &a))

	assert.True(t, a.IsAgent())
	assert.Equal(t, "nodejs:10", a.Kind())
	assert.Equal(t, 300000, a.Timeout())
	assert.Equal(t, "guest/myaction", a.String())

	c := a.Clone()
	c.Annotations = c.Annotations.Without(AnnotationAgent)
	assert.True(t, a.IsAgent(), "clone edits must not leak into the original")
	assert.False(t, c.IsAgent())

	var nilAction *Action
	assert.False(t, nilAction.IsAgent())
}

func TestActionValidate(t *testing.T) {
	err := (&Action{Name: " "}).Validate()
	code, ok := IsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 400, code)
	assert.True(t, errors.Is(err, ErrMissingActionName))
}

func TestHelperNames(t *testing.T) {
	assert.Equal(t, "pkg/act_debug_original", BackupName("pkg/act"))
	assert.Equal(t, "act_debug_invoked", InvokedHelperName("act"))
	assert.Equal(t, "act_debug_completed", CompletedHelperName("act"))
}

func TestResultErrorCode(t *testing.T) {
	var r Result
	require.NoError(t, json.Unmarshal([]byte(`{"error":{"code":42,"message":"none"}}`), &r))
	code, ok := r.ErrorCode()
	assert.True(t, ok)
	assert.Equal(t, CodeRetry, code)

	code, ok = ErrorResult(CodeStop, "stop").ErrorCode()
	assert.True(t, ok)
	assert.Equal(t, CodeStop, code)

	_, ok = Result{"error": "plain"}.ErrorCode()
	assert.False(t, ok)
}

func TestStripReserved(t *testing.T) {
	p := StripReserved(map[string]interface{}{"a": 1, ParamActivationID: "x", ParamCondition: "a>0"})
	assert.Equal(t, map[string]interface{}{"a": 1}, p)
}
