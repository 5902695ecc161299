package cleanup

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Remover deletes transient upload files. Failures are logged and swallowed.
type Remover struct {
	logger *slog.Logger
}

func NewRemover(logger *slog.Logger) *Remover {
	return &Remover{logger: logger}
}

// Remove deletes path. It reports whether the file is gone afterwards.
func (r *Remover) Remove(path string) bool {
	if path == "" {
		return true
	}
	err := os.Remove(path)
	switch {
	case err == nil:
		return true
	case errors.Is(err, os.ErrNotExist):
		r.logger.Debug("transient source already removed", "path", path)
		return true
	default:
		r.logger.Warn("failed to remove transient source", "path", path, "error", err)
		return false
	}
}

// Sweeper expires stored artifacts older than a cutoff.
type Sweeper interface {
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
}

type storeTarget struct {
	sweeper Sweeper
	ttl     time.Duration
}

// Janitor periodically removes files older than a TTL from a set of
// directories and artifact stores. It catches uploads orphaned by aborted
// requests and expires old artifacts.
type Janitor struct {
	logger *slog.Logger
	dirs   map[string]time.Duration
	stores map[string]storeTarget
}

func NewJanitor(logger *slog.Logger) *Janitor {
	return &Janitor{
		logger: logger,
		dirs:   make(map[string]time.Duration),
		stores: make(map[string]storeTarget),
	}
}

// Watch registers dir for sweeping. A non-positive ttl is ignored.
func (j *Janitor) Watch(dir string, ttl time.Duration) {
	if dir == "" || ttl <= 0 {
		return
	}
	j.dirs[dir] = ttl
}

// WatchStore registers an artifact store under label. A non-positive ttl is ignored.
func (j *Janitor) WatchStore(label string, s Sweeper, ttl time.Duration) {
	if s == nil || ttl <= 0 {
		return
	}
	j.stores[label] = storeTarget{sweeper: s, ttl: ttl}
}

// Start runs a sweep every interval until ctx is done.
func (j *Janitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 || len(j.dirs)+len(j.stores) == 0 {
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Sweep(ctx, time.Now())
			}
		}
	}()
}

// Sweep removes expired entries from every watched directory and store and
// returns how many were removed.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) int {
	total := 0
	for dir, ttl := range j.dirs {
		removed, err := sweepDir(dir, now.Add(-ttl))
		if err != nil {
			j.logger.Warn("cleanup sweep failed", "dir", dir, "error", err)
		}
		total += removed
		if removed > 0 {
			j.logger.Info("cleanup completed", "dir", dir, "removed_files", removed)
		}
	}
	for label, target := range j.stores {
		removed, err := target.sweeper.Sweep(ctx, now.Add(-target.ttl))
		if err != nil {
			j.logger.Warn("artifact sweep failed", "store", label, "error", err)
		}
		total += removed
		if removed > 0 {
			j.logger.Info("artifacts expired", "store", label, "removed_files", removed)
		}
	}
	return total
}

func sweepDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
