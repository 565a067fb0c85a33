package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetup_Level(t *testing.T) {
	prev := Log
	t.Cleanup(func() {
		Log = prev
		slog.SetDefault(prev)
	})

	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := Setup("development", tt.level)
			assert.Same(t, l, Log)
			assert.True(t, l.Enabled(context.Background(), tt.want))
			if tt.want > slog.LevelDebug {
				assert.False(t, l.Enabled(context.Background(), tt.want-1))
			}
		})
	}
}

func TestSetup_ProductionUsesJSON(t *testing.T) {
	prev := Log
	t.Cleanup(func() {
		Log = prev
		slog.SetDefault(prev)
	})

	l := Setup("production", "info")
	_, ok := l.Handler().(*slog.JSONHandler)
	assert.True(t, ok)
}
