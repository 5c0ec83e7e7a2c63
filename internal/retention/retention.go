// Package retention prunes the files that accumulate across runs: run reports
// and the per-run directories of local offsite storage.
package retention

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"site-backup/internal/config"
	"site-backup/internal/logging"
)

// Entry is one prunable file or directory
type Entry struct {
	Name      string
	Path      string
	CreatedAt time.Time
}

// Result lists what a prune kept and removed
type Result struct {
	Kept    []Entry
	Removed []Entry
}

// StampFunc extracts the creation time encoded in a directory entry name. Entries
// it does not recognize are never touched.
type StampFunc func(name string) (time.Time, bool)

// Plan splits entries into the ones to keep and the ones to remove. The newest
// entry is always kept; an entry is kept when any rule of the policy keeps it.
func Plan(entries []Entry, policy config.RetentionConfig, now time.Time) (keep, remove []Entry) {
	if len(entries) == 0 || !policy.Enabled() {
		return entries, nil
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	keepSet := make(map[int]bool)
	keepSet[0] = true

	for i := 0; i < len(sorted) && i < policy.KeepLast; i++ {
		keepSet[i] = true
	}

	if policy.MaxAge > 0 {
		cutoff := now.Add(-policy.MaxAge)
		for i, e := range sorted {
			if e.CreatedAt.After(cutoff) {
				keepSet[i] = true
			}
		}
	}

	if policy.KeepDaily > 0 {
		keepPeriodic(sorted, keepSet, policy.KeepDaily, 24*time.Hour, now)
	}

	for i, e := range sorted {
		if keepSet[i] {
			keep = append(keep, e)
		} else {
			remove = append(remove, e)
		}
	}
	return keep, remove
}

// keepPeriodic keeps the newest entry of each of the most recent count periods.
// sorted must be newest first.
func keepPeriodic(sorted []Entry, keepSet map[int]bool, count int, period time.Duration, now time.Time) {
	newest := make(map[int]int)
	var buckets []int
	for i, e := range sorted {
		bucket := int(now.Sub(e.CreatedAt) / period)
		if _, seen := newest[bucket]; !seen {
			newest[bucket] = i
			buckets = append(buckets, bucket)
		}
	}
	sort.Ints(buckets)

	for i, bucket := range buckets {
		if i >= count {
			break
		}
		keepSet[newest[bucket]] = true
	}
}

// Prune applies policy to the entries of dir recognized by stamp. A missing dir
// is not an error.
func Prune(dir string, stamp StampFunc, policy config.RetentionConfig, now time.Time, logger *logging.Logger) (Result, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	items, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return Result{}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("read %s: %w", dir, err)
	}

	var entries []Entry
	for _, item := range items {
		created, ok := stamp(item.Name())
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Name:      item.Name(),
			Path:      filepath.Join(dir, item.Name()),
			CreatedAt: created,
		})
	}

	keep, remove := Plan(entries, policy, now)
	result := Result{Kept: keep}

	var errs []error
	for _, e := range remove {
		if err := os.RemoveAll(e.Path); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", e.Name, err))
			result.Kept = append(result.Kept, e)
			continue
		}
		result.Removed = append(result.Removed, e)
		logger.WithFields(map[string]interface{}{
			"path":       e.Path,
			"created_at": e.CreatedAt.Format(time.RFC3339),
		}).Debug("Removed expired entry")
	}

	if len(result.Removed) > 0 {
		logger.WithFields(map[string]interface{}{
			"dir":     dir,
			"removed": len(result.Removed),
			"kept":    len(result.Kept),
		}).Info("Retention applied")
	}
	return result, errors.Join(errs...)
}
