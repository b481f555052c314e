package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.log")
	l, err := New(Options{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)

	l.Debug("hello", zap.String("k", "v"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
	assert.Contains(t, string(data), `"k":"v"`)
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	_, err := New(Options{Level: "loud"})
	assert.Error(t, err)
	_, err = New(Options{Format: "xml"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l)

	l, err = ParseLevel("WARN")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, l)
}

func TestInitAndL(t *testing.T) {
	t.Cleanup(func() { Init(nil) })
	require.NotNil(t, L())

	custom := zap.NewExample()
	Init(custom)
	assert.Same(t, custom, L())

	Init(nil)
	assert.NotSame(t, custom, L())
}

func TestRedactDSN(t *testing.T) {
	tests := map[string]string{
		"postgres://app:s3cret@db:5432/shop?sslmode=disable": "postgres://app:xxxxx@db:5432/shop?sslmode=disable",
		"postgres://app@db/shop":                            "postgres://app@db/shop",
		"host=db user=app password=s3cret dbname=shop":      "host=db user=app password=xxxxx dbname=shop",
		"file:/tmp/x.db?_foreign_keys=on":                   "file:/tmp/x.db?_foreign_keys=on",
	}
	for in, want := range tests {
		assert.Equal(t, want, RedactDSN(in), in)
	}
}
