package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldsAreWritten(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)

	Info("step completed", "pool", "0xabc", "attempt", 2, "ok", true)
	Error("upload failed", "error", errors.New("boom"))

	out := buf.String()
	assert.Contains(t, out, `"message":"step completed"`)
	assert.Contains(t, out, `"pool":"0xabc"`)
	assert.Contains(t, out, `"attempt":2`)
	assert.Contains(t, out, `"ok":true`)
	assert.Contains(t, out, `"error":"boom"`)
}

func TestInitWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "datafi.log")
	require.NoError(t, Init(path, "debug"))
	t.Cleanup(Cleanup)

	Debug("hello", "k", "v")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"k":"v"`)
}
