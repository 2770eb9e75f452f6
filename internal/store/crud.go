package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	appLog "calarm/internal/log"
	"calarm/internal/model"
)

// Add stores a copy of a in the source identified by tag and returns the
// new store UID. A fresh iCalendar UID is always assigned.
func (s *Store) Add(tag string, a *model.Appointment) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, err := s.sourceFor(tag)
	if err != nil {
		return "", err
	}
	if src.readonly {
		return "", fmt.Errorf("%w: calendar %s", ErrPermission, src.name)
	}
	rec, err := prepare(a)
	if err != nil {
		return "", err
	}
	rec.UID = src.tag + "." + uuid.NewString()
	rec.Readonly = false

	src.appts[rec.UID] = rec
	if err := s.persist(src); err != nil {
		delete(src.appts, rec.UID)
		appLog.Error("add rolled back", err, "uid", rec.UID)
		return "", err
	}
	appLog.Debug("appointment added", "uid", rec.UID, "type", rec.Type.String())
	return rec.UID, nil
}

// Get returns a copy of the appointment with the given store UID.
func (s *Store) Get(uid string) (*model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, a, err := s.find(uid)
	if err != nil {
		return nil, err
	}
	return a.Clone(), nil
}

// Update replaces the appointment uid with a copy of a. Read-only records
// and calendars are rejected with ErrPermission.
func (s *Store) Update(uid string, a *model.Appointment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, old, err := s.find(uid)
	if err != nil {
		return err
	}
	if src.readonly || old.Readonly {
		return fmt.Errorf("%w: %s", ErrPermission, uid)
	}
	rec, err := prepare(a)
	if err != nil {
		return err
	}
	rec.UID = uid
	rec.Readonly = false

	src.appts[uid] = rec
	if err := s.persist(src); err != nil {
		src.appts[uid] = old
		appLog.Error("update rolled back", err, "uid", uid)
		return err
	}
	appLog.Debug("appointment updated", "uid", uid)
	return nil
}

// Delete removes the appointment uid.
func (s *Store) Delete(uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	src, old, err := s.find(uid)
	if err != nil {
		return err
	}
	if src.readonly || old.Readonly {
		return fmt.Errorf("%w: %s", ErrPermission, uid)
	}
	delete(src.appts, uid)
	if err := s.persist(src); err != nil {
		src.appts[uid] = old
		appLog.Error("delete rolled back", err, "uid", uid)
		return err
	}
	appLog.Debug("appointment deleted", "uid", uid)
	return nil
}

func (s *Store) find(uid string) (*source, *model.Appointment, error) {
	tag, _ := model.SplitUID(uid)
	if tag == "" {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, uid)
	}
	src, err := s.sourceFor(tag)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, uid)
	}
	a, ok := src.appts[uid]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, uid)
	}
	return src, a, nil
}

// prepare copies, normalizes and validates a record before it is stored.
// Computed occurrence times are cleared.
func prepare(a *model.Appointment) (*model.Appointment, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil appointment", model.ErrValidation)
	}
	rec := a.Clone()
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.StartCurrent = time.Time{}
	rec.EndCurrent = time.Time{}
	return rec, nil
}
