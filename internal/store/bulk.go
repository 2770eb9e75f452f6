package store

import (
	"fmt"
	"maps"
	"os"

	"calarm/internal/config"
	"calarm/internal/ics"
	appLog "calarm/internal/log"
	"calarm/internal/model"
)

// ExportScope selects what Export writes.
type ExportScope int

const (
	// ExportAll writes the whole main calendar.
	ExportAll ExportScope = iota
	// ExportUIDs writes the listed appointments from any source.
	ExportUIDs
)

// Import adds every component of the calendar at path to the main
// calendar. Raw UIDs are kept, so re-importing an export replaces the
// records it came from. The main file is written once; on failure nothing
// changes.
func (s *Store) Import(path string) (int, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.main == nil {
		return 0, fmt.Errorf("%w: main calendar", ErrNotOpen)
	}
	res, err := ics.Decode(body, ics.DecodeOptions{Tag: TagMain, Location: s.loc, Name: path})
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", model.ErrValidation, path, err)
	}

	before := maps.Clone(s.main.appts)
	for _, a := range res.Appointments {
		s.main.appts[a.UID] = a
	}
	if err := s.persist(s.main); err != nil {
		s.main.appts = before
		appLog.Error("import rolled back", err, "path", path)
		return 0, err
	}
	appLog.Info("calendar imported", "path", path, "count", len(res.Appointments), "skipped", res.Skipped)
	return len(res.Appointments), nil
}

// Export writes a calendar file with raw UIDs. With ExportUIDs every uid
// must exist.
func (s *Store) Export(path string, scope ExportScope, uids []string) error {
	s.mu.Lock()
	var appts []*model.Appointment
	switch scope {
	case ExportAll:
		if s.main == nil {
			s.mu.Unlock()
			return fmt.Errorf("%w: main calendar", ErrNotOpen)
		}
		appts = s.main.sorted()
	case ExportUIDs:
		for _, uid := range uids {
			_, a, err := s.find(uid)
			if err != nil {
				s.mu.Unlock()
				return err
			}
			appts = append(appts, a)
		}
	default:
		s.mu.Unlock()
		return fmt.Errorf("unknown export scope %d", scope)
	}
	body := ics.Encode(appts, ics.EncodeOptions{RawUIDs: true})
	s.mu.Unlock()

	if err := config.WriteFileAtomic(path, body); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, path, err)
	}
	appLog.Info("calendar exported", "path", path, "count", len(appts))
	return nil
}

// Check validates that path holds a calendar every component of which can
// be loaded.
func Check(path string) error {
	body, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %w", ErrIO, path, err)
	}
	if err := ics.Check(body); err != nil {
		return fmt.Errorf("%w: %s: %w", model.ErrValidation, path, err)
	}
	return nil
}
