package store

import (
	"context"
	"errors"
	"os"
	"slices"

	appLog "calarm/internal/log"
)

// CheckExternalChanges refreshes remote mirrors, then polls the
// modification time and size of every loaded calendar file. When anything
// changed on disk, all open calendars are reloaded and the OnReload hooks
// run. It reports whether a reload happened; an unchanged tree is a no-op.
//
// Network requests run before the store lock is taken, so readers are
// never held up by a slow remote.
func (s *Store) CheckExternalChanges(ctx context.Context) (bool, error) {
	s.mu.Lock()
	var foreign []ForeignSource
	if len(s.foreign) > 0 {
		foreign = slices.Clone(s.opts.Foreign)
	}
	s.mu.Unlock()

	fetchErrs := s.refreshRemotes(ctx, foreign)

	s.mu.Lock()
	if !s.changedLocked() {
		s.mu.Unlock()
		return false, nil
	}

	appLog.Info("external calendar change detected, reloading")

	// Loaders swap a source only on success; a calendar that fails to
	// reload keeps its previous contents.
	var errs []error
	if err := s.openLocked(ctx); err != nil {
		errs = append(errs, err)
	}
	if len(s.foreign) > 0 {
		if err := s.openForeignLocked(ctx, fetchErrs); err != nil {
			errs = append(errs, err)
		}
	}
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	return true, errors.Join(errs...)
}

func (s *Store) changedLocked() bool {
	changed := false
	for _, src := range s.sources() {
		fi, err := os.Stat(src.path)
		if err != nil {
			if src.size != -1 {
				appLog.Warn("calendar file vanished", "source", src.name, "path", src.path)
				changed = true
			}
			continue
		}
		if !fi.ModTime().Equal(src.modTime) || fi.Size() != src.size {
			appLog.Debug("calendar file changed", "source", src.name, "path", src.path)
			changed = true
		}
	}
	return changed
}
