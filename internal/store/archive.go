package store

import (
	"context"
	"fmt"
	"maps"
	"time"

	"calarm/internal/ics"
	appLog "calarm/internal/log"
	"calarm/internal/model"
)

// ArchiveThreshold is the first day of the month ArchiveMonths before now.
// Appointments that ended before it are archived.
func (s *Store) ArchiveThreshold(now time.Time) time.Time {
	now = now.In(s.loc)
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.loc)
	return first.AddDate(0, -s.opts.ArchiveMonths, 0)
}

// Archive moves old appointments from the main calendar into the archive
// and returns how many moved. Recurring appointments move only once their
// count or until limit has run out; open todos stay.
func (s *Store) Archive(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main == nil {
		return 0, fmt.Errorf("%w: main calendar", ErrNotOpen)
	}
	if s.archive == nil {
		if err := s.openArchiveLocked(ctx); err != nil {
			return 0, err
		}
	}
	threshold := s.ArchiveThreshold(now)

	var uids []string
	for uid, a := range s.main.appts {
		if archivable(a, threshold) {
			uids = append(uids, uid)
		}
	}
	n, err := s.move(s.main, s.archive, uids)
	if err != nil {
		return 0, err
	}
	appLog.Info("archive completed", "moved", n, "threshold", threshold.Format(time.DateOnly))
	return n, nil
}

// Unarchive moves every archived appointment back into the main calendar.
func (s *Store) Unarchive(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.archiveReadyLocked(ctx); err != nil {
		return 0, err
	}
	uids := make([]string, 0, len(s.archive.appts))
	for uid := range s.archive.appts {
		uids = append(uids, uid)
	}
	n, err := s.move(s.archive, s.main, uids)
	if err != nil {
		return 0, err
	}
	appLog.Info("unarchive completed", "moved", n)
	return n, nil
}

// UnarchiveUID moves one archived appointment back and returns its new
// main UID.
func (s *Store) UnarchiveUID(ctx context.Context, uid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.archiveReadyLocked(ctx); err != nil {
		return "", err
	}
	if _, ok := s.archive.appts[uid]; !ok {
		return "", fmt.Errorf("%w: %q", ErrNotFound, uid)
	}
	if _, err := s.move(s.archive, s.main, []string{uid}); err != nil {
		return "", err
	}
	_, raw := model.SplitUID(uid)
	return TagMain + "." + raw, nil
}

func (s *Store) archiveReadyLocked(ctx context.Context) error {
	if s.main == nil {
		return fmt.Errorf("%w: main calendar", ErrNotOpen)
	}
	if s.archive == nil {
		return s.openArchiveLocked(ctx)
	}
	return nil
}

// move transfers uids between two sources, re-tagging them, and writes
// both files. If either write fails both sources are restored and the
// first file is rewritten.
func (s *Store) move(from, to *source, uids []string) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	fromBefore := maps.Clone(from.appts)
	toBefore := maps.Clone(to.appts)

	for _, uid := range uids {
		a := from.appts[uid]
		delete(from.appts, uid)
		_, raw := model.SplitUID(uid)
		a = a.Clone()
		a.UID = to.tag + "." + raw
		to.appts[a.UID] = a
	}

	if err := s.persist(to); err != nil {
		from.appts, to.appts = fromBefore, toBefore
		return 0, err
	}
	if err := s.persist(from); err != nil {
		from.appts, to.appts = fromBefore, toBefore
		if rerr := s.persist(to); rerr != nil {
			appLog.Error("move rollback failed", rerr, "source", to.name)
		}
		return 0, err
	}
	return len(uids), nil
}

func archivable(a *model.Appointment, threshold time.Time) bool {
	if a.Readonly {
		return false
	}
	if a.Type == model.TypeTodo && (a.Todo == nil || !a.Todo.Completed) {
		return false
	}
	if a.Start.IsZero() || !a.Start.Before(threshold) {
		return false
	}
	if !a.IsRecurring() {
		return a.EndAt().Before(threshold)
	}
	if a.Recur.Limit == model.LimitNone {
		return false
	}
	_, more := ics.NextOccurrence(a, threshold.Add(-a.Length()))
	return !more
}
