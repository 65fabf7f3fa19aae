package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFillFromSettings(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	t.Run("fills empty fields", func(t *testing.T) {
		var info Info
		fillFromSettings(&info, settings)
		assert.Equal(t, "0123456789ab", info.CommitHash)
		assert.Equal(t, "2026-10-01T12:00:00Z", info.BuildTime)
		assert.True(t, info.Modified)
	})

	t.Run("ldflags win", func(t *testing.T) {
		info := Info{CommitHash: "abc123", BuildTime: "yesterday"}
		fillFromSettings(&info, settings)
		assert.Equal(t, "abc123", info.CommitHash)
		assert.Equal(t, "yesterday", info.BuildTime)
	})
}

func TestGetNeverEmpty(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.CommitHash)
	assert.NotEmpty(t, info.BuildTime)
	assert.NotEmpty(t, info.Platform)
}

func TestString(t *testing.T) {
	info := Info{Version: "v1.2.0", CommitHash: "abc123", BuildTime: "today", Modified: true}
	assert.Equal(t, "jobhub v1.2.0 (commit abc123+dirty, built today)", info.String())
}
