package retention

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"site-backup/internal/config"
)

const stampLayout = "20060102_150405"

var now = time.Date(2026, 3, 14, 12, 0, 0, 0, time.Local)

func entriesAt(offsets ...time.Duration) []Entry {
	entries := make([]Entry, 0, len(offsets))
	for _, off := range offsets {
		created := now.Add(-off)
		entries = append(entries, Entry{Name: created.Format(stampLayout), CreatedAt: created})
	}
	return entries
}

func names(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name)
	}
	return out
}

func TestPlan(t *testing.T) {
	h := time.Hour
	day := 24 * h
	entries := entriesAt(10*day, 1*h, 3*day, 2*h, 2*day+h, 2*day+3*h)

	tests := []struct {
		name       string
		policy     config.RetentionConfig
		wantKeep   []time.Duration
		wantRemove []time.Duration
	}{
		{
			name:     "disabled keeps everything",
			policy:   config.RetentionConfig{},
			wantKeep: []time.Duration{10 * day, 1 * h, 3 * day, 2 * h, 2*day + h, 2*day + 3*h},
		},
		{
			name:       "keep last two",
			policy:     config.RetentionConfig{KeepLast: 2},
			wantKeep:   []time.Duration{1 * h, 2 * h},
			wantRemove: []time.Duration{2*day + h, 2*day + 3*h, 3 * day, 10 * day},
		},
		{
			name:       "max age",
			policy:     config.RetentionConfig{MaxAge: 2*day + 2*h},
			wantKeep:   []time.Duration{1 * h, 2 * h, 2*day + h},
			wantRemove: []time.Duration{2*day + 3*h, 3 * day, 10 * day},
		},
		{
			name:       "newest of each of the last days",
			policy:     config.RetentionConfig{KeepDaily: 3},
			wantKeep:   []time.Duration{1 * h, 2*day + h, 3 * day},
			wantRemove: []time.Duration{2 * h, 2*day + 3*h, 10 * day},
		},
		{
			name:       "newest survives a tiny max age",
			policy:     config.RetentionConfig{MaxAge: time.Minute},
			wantKeep:   []time.Duration{1 * h},
			wantRemove: []time.Duration{2 * h, 2*day + h, 2*day + 3*h, 3 * day, 10 * day},
		},
		{
			name:       "rules combine",
			policy:     config.RetentionConfig{KeepLast: 1, MaxAge: 3 * h, KeepDaily: 4},
			wantKeep:   []time.Duration{1 * h, 2 * h, 2*day + h, 3 * day, 10 * day},
			wantRemove: []time.Duration{2*day + 3*h},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			keep, remove := Plan(entries, tt.policy, now)
			assert.ElementsMatch(t, names(entriesAt(tt.wantKeep...)), names(keep))
			assert.ElementsMatch(t, names(entriesAt(tt.wantRemove...)), names(remove))
		})
	}
}

func TestPlanEmpty(t *testing.T) {
	keep, remove := Plan(nil, config.RetentionConfig{KeepLast: 1}, now)
	assert.Empty(t, keep)
	assert.Empty(t, remove)
}

func parseStamp(name string) (time.Time, bool) {
	t, err := time.ParseInLocation(stampLayout, name, time.Local)
	return t, err == nil
}

func TestPrune(t *testing.T) {
	dir := t.TempDir()
	for _, e := range entriesAt(time.Hour, 2*time.Hour, 3*time.Hour) {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, e.Name), 0750))
		require.NoError(t, os.WriteFile(filepath.Join(dir, e.Name, "app.tar.gz"), []byte("x"), 0640))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("keep me"), 0640))

	result, err := Prune(dir, parseStamp, config.RetentionConfig{KeepLast: 1}, now, nil)
	require.NoError(t, err)
	assert.Len(t, result.Kept, 1)
	assert.Len(t, result.Removed, 2)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	var leftNames []string
	for _, l := range left {
		leftNames = append(leftNames, l.Name())
	}
	assert.ElementsMatch(t, []string{"README", now.Add(-time.Hour).Format(stampLayout)}, leftNames)
}

func TestPruneMissingDir(t *testing.T) {
	result, err := Prune(filepath.Join(t.TempDir(), "missing"), parseStamp, config.RetentionConfig{KeepLast: 1}, now, nil)
	require.NoError(t, err)
	assert.Empty(t, result.Kept)
	assert.Empty(t, result.Removed)
}
