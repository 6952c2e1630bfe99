package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewContext_CarriesFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	Replace(zap.New(core))

	ctx := NewContext(context.Background(), zap.String("request_id", "req-1"))
	WithContext(ctx).Info("received sync request", zap.String("kind", "risk"))
	Warn("plain")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "risk", fields["kind"])
	assert.NotContains(t, entries[1].ContextMap(), "request_id")

	assert.Same(t, L(), WithContext(context.Background()))
}

func TestInit_WritesRotatedFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "sync.log")
	require.NoError(t, Init(&Config{
		Level:       "info",
		Format:      "console",
		ServiceName: "esusfarm-sync",
		File:        file,
		MaxSizeMB:   1,
	}))
	t.Cleanup(func() { Replace(zap.NewNop()) })

	Debug("dropped below level")
	Info("synced", zap.String("tx_hash", "0xabc"))
	_ = Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"tx_hash":"0xabc"`)
	assert.Contains(t, string(data), `"service":"esusfarm-sync"`)
	assert.NotContains(t, string(data), "dropped below level")

	SetLevel("debug")
	Debug("now visible")
	_ = Sync()
	data, err = os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "now visible")
	SetLevel("info")
}
