package js

import (
	"testing"

	"github.com/dop251/goja"
	"github.com/fnproject/fndebug/api/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentsCompile(t *testing.T) {
	for _, v := range []string{models.VariantConcurrent, models.VariantTunnel, models.VariantLogRecord} {
		code, err := Agent(v)
		require.NoError(t, err, v)
		assert.Contains(t, code, "function main", v)
		_, err = goja.Compile(v+".js", code, false)
		assert.NoError(t, err, v)
	}
	_, err := Agent("carrier-pigeon")
	assert.Error(t, err)

	assert.Contains(t, Echo(), "function main")
	_, err = goja.Compile("echo.js", Echo(), false)
	assert.NoError(t, err)
}
