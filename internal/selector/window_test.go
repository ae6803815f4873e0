package selector

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveWindowContactOverridesCampaign(t *testing.T) {
	w, err := ResolveWindow(
		"America/New_York", "10:00:00", "18:00:00",
		"UTC", "09:00:00", "20:00:00",
	)
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", w.Location.String())
	assert.Equal(t, 10*time.Hour, w.Start)
	assert.Equal(t, 18*time.Hour, w.End)
}

func TestResolveWindowFallsBackToCampaign(t *testing.T) {
	w, err := ResolveWindow(
		"", "", "",
		"Asia/Shanghai", "09:00:00", "20:00:00",
	)
	require.NoError(t, err)
	assert.Equal(t, "Asia/Shanghai", w.Location.String())
	assert.Equal(t, 9*time.Hour, w.Start)
	assert.Equal(t, 20*time.Hour, w.End)
}

func TestResolveWindowRejectsBadTimezone(t *testing.T) {
	_, err := ResolveWindow("Mars/Olympus", "09:00:00", "20:00:00", "UTC", "09:00:00", "20:00:00")
	assert.Error(t, err)
}

func TestResolveWindowRejectsBadClock(t *testing.T) {
	_, err := ResolveWindow("", "", "", "UTC", "25:00:00", "20:00:00")
	assert.Error(t, err)

	_, err = ResolveWindow("", "", "", "UTC", "09:00:00", "9pm")
	assert.Error(t, err)
}

func TestWindowContains(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	w := Window{Location: ny, Start: 9 * time.Hour, End: 20 * time.Hour}

	// 纽约 2026-01-15 的 14:30 和 21:30，用 UTC 时刻表达
	inWindow := time.Date(2026, 1, 15, 19, 30, 0, 0, time.UTC)   // 14:30 EST
	outOfWindow := time.Date(2026, 1, 16, 2, 30, 0, 0, time.UTC) // 21:30 EST

	assert.True(t, w.Contains(inWindow))
	assert.False(t, w.Contains(outOfWindow))
}

// 同一 UTC 时刻在不同时区窗口下结论不同
func TestWindowContainsDependsOnZone(t *testing.T) {
	utc := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	la, err := time.LoadLocation("America/Los_Angeles")
	require.NoError(t, err)

	w := Window{Start: 9 * time.Hour, End: 20 * time.Hour}

	w.Location = shanghai // 当地 20:00，窗口右开
	assert.False(t, w.Contains(utc))

	w.Location = la // 当地 04:00
	assert.False(t, w.Contains(utc))

	w.Location = time.UTC // 12:00
	assert.True(t, w.Contains(utc))
}

// 跨午夜窗口：21:00 - 03:00
func TestWindowContainsOvernight(t *testing.T) {
	w := Window{Location: time.UTC, Start: 21 * time.Hour, End: 3 * time.Hour}

	assert.True(t, w.Contains(time.Date(2026, 1, 15, 22, 0, 0, 0, time.UTC)))
	assert.True(t, w.Contains(time.Date(2026, 1, 15, 2, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 1, 15, 3, 0, 0, 0, time.UTC))) // 右边界开区间
}

func TestWindowBoundaries(t *testing.T) {
	w := Window{Location: time.UTC, Start: 9 * time.Hour, End: 20 * time.Hour}

	assert.True(t, w.Contains(time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)))   // 左闭
	assert.False(t, w.Contains(time.Date(2026, 1, 15, 20, 0, 0, 0, time.UTC))) // 右开
	assert.False(t, w.Contains(time.Date(2026, 1, 15, 8, 59, 59, 0, time.UTC)))
}
