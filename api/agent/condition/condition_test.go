package condition

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEval(t *testing.T) {
	params := map[string]interface{}{
		"name":  "world",
		"count": 3,
		"ratio": 0.5,
		"user":  map[string]interface{}{"id": "abc", "roles": []interface{}{"admin", "dev"}},
		"debug": false,
	}

	for _, test := range []struct {
		expr string
		want bool
	}{
		{`name === 'world'`, true},
		{`name == "world" && count > 2`, true},
		{`name !== 'world'`, false},
		{`count >= 3 && count < 4`, true},
		{`count * 2 == 6`, true},
		{`count % 2 == 1`, true},
		{`ratio < 1 || debug`, true},
		{`!debug`, true},
		{`user.id == 'abc'`, true},
		{`user.roles[0] == 'admin'`, true},
		{`user.roles.length == 2`, true},
		{`user["id"] == 'abc'`, true},
		{`user.missing == undefined`, true},
		{`(name + '!') == 'world!'`, true},
		{`-count < 0`, true},
		{`name`, true},
		{`debug`, false},
		{`'it\'s' == "it's"`, true},
		{`count == '3'`, true},
		{`count === '3'`, false},
		{`typeof name === 'string'`, true},
		{`user.roles.indexOf('dev') >= 0`, true},
		{`/^wor/.test(name)`, true},
	} {
		e, err := Parse(test.expr)
		require.NoError(t, err, test.expr)
		got, err := e.Eval(params)
		require.NoError(t, err, test.expr)
		assert.Equal(t, test.want, got, test.expr)
	}
}

func TestHitTreatsErrorsAsHit(t *testing.T) {
	params := map[string]interface{}{"a": 1}

	hit, err := Hit("", params)
	assert.True(t, hit)
	assert.NoError(t, err)

	hit, err = Hit("a == 2", params)
	assert.False(t, hit)
	assert.NoError(t, err)

	hit, err = Hit("b == 2", params)
	assert.True(t, hit)
	assert.True(t, errors.Is(err, ErrUnknownName))

	hit, err = Hit("a ==", params)
	assert.True(t, hit)
	assert.True(t, errors.Is(err, ErrSyntax))

	hit, err = Hit("a.b.c", params)
	assert.True(t, hit)
	assert.True(t, errors.Is(err, ErrEval))
}

func TestParse(t *testing.T) {
	e, err := Parse("a && b")
	require.NoError(t, err)
	assert.Equal(t, "a && b", e.String())

	_, err = Parse("a ) (")
	assert.True(t, errors.Is(err, ErrSyntax))
}

func TestParamNamesThatAreNotIdentifiers(t *testing.T) {
	hit, err := Hit("a == 1", map[string]interface{}{"a": 1, "not-a-name": 2})
	assert.True(t, hit)
	assert.True(t, errors.Is(err, ErrSyntax))
}
