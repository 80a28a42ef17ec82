package shellcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"shellcache/internal/logger"
)

func TestRateLimitedLogger_ThrottlesEachMessageSeparately(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := newRateLimitedLogger(logger.FromZap(zap.New(core)), time.Minute)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Warn("cache match failed")
	l.Warn("cache match failed")
	l.Warn("write-through failed", logger.String("key", "GET https://app.test/a"))
	l.Warn("cache match failed")
	l.Warn("precache store failed")

	require.Equal(t, 3, logs.Len())
	msgs := make([]string, 0, 3)
	for _, e := range logs.All() {
		msgs = append(msgs, e.Message)
	}
	assert.Equal(t, []string{"cache match failed", "write-through failed", "precache store failed"}, msgs)

	now = now.Add(time.Minute)
	l.Warn("cache match failed")
	l.Warn("write-through failed")

	all := logs.All()
	require.Len(t, all, 5)
	assert.Equal(t, "cache match failed", all[3].Message)
	assert.EqualValues(t, 2, all[3].ContextMap()["suppressed"])
	assert.Equal(t, "write-through failed", all[4].Message)
	assert.NotContains(t, all[4].ContextMap(), "suppressed")
}
