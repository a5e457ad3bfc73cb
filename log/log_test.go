package log

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	ctx := WithFields(context.Background(), "xid", "abc")
	ctx = WithFields(ctx, "domain", "order")
	WarnContextf(ctx, "recover failed, retried count: %d", 3)
	InfoContextf(context.Background(), "plain")

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)
	assert.Equal(t, "recover failed, retried count: 3", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, map[string]interface{}{"xid": "abc", "domain": "order"}, entries[0].ContextMap())
	assert.Empty(t, entries[1].Context)
}

func TestInitLevel(t *testing.T) {
	Init(Options{Level: "warn", FileName: filepath.Join(t.TempDir(), "tcc.log")})
	t.Cleanup(func() { Init(Options{}) })

	assert.False(t, Logger().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Logger().Core().Enabled(zapcore.WarnLevel))
	ErrorContextf(context.Background(), "written to file")
	assert.NoError(t, Sync())
}
