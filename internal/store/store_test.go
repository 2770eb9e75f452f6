package store_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calarm/internal/config"
	"calarm/internal/ics"
	"calarm/internal/model"
	"calarm/internal/store"
)

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func newEvent(title string, start time.Time) *model.Appointment {
	a := model.New(model.TypeEvent)
	a.Title = title
	a.Start = start
	a.End = start.Add(time.Hour)
	return a
}

func writeCalendar(t *testing.T, path string, appts ...*model.Appointment) {
	t.Helper()
	require.NoError(t, config.WriteFileAtomic(path, ics.Encode(appts, ics.EncodeOptions{RawUIDs: true})))
}

func openStore(t *testing.T, opts store.Options) *store.Store {
	t.Helper()
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := store.New(opts)
	require.NoError(t, s.Open(context.Background()))
	return s
}

func TestOpenCreatesMainCalendar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "main.ics")
	s := openStore(t, store.Options{MainPath: path})

	require.NoError(t, store.Check(path))
	assert.Empty(t, s.Snapshot(store.ScopeAny))
}

func TestCRUD(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ics")
	s := openStore(t, store.Options{MainPath: path})

	uid, err := s.Add(store.TagMain, newEvent("Dentist", at(2024, 3, 1, 9)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uid, store.TagMain+"."))

	got, err := s.Get(uid)
	require.NoError(t, err)
	assert.Equal(t, "Dentist", got.Title)

	got.Title = "Dentist (moved)"
	got.Start = at(2024, 3, 2, 9)
	got.End = at(2024, 3, 2, 10)
	require.NoError(t, s.Update(uid, got))

	// A second store reading the same file sees the change.
	other := openStore(t, store.Options{MainPath: path})
	reloaded, err := other.Get(uid)
	require.NoError(t, err)
	assert.Equal(t, "Dentist (moved)", reloaded.Title)
	assert.True(t, at(2024, 3, 2, 9).Equal(reloaded.Start))

	require.NoError(t, s.Delete(uid))
	_, err = s.Get(uid)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(uid), store.ErrNotFound)
	assert.ErrorIs(t, s.Update("bogus", got), store.ErrNotFound)
}

func TestAddSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "main.ics")
	s := openStore(t, store.Options{MainPath: path})

	meeting := newEvent("Review; round 2", at(2024, 3, 4, 9))
	meeting.Location = "Room 1, east wing"
	meeting.Note = "agenda\nfollow-ups"
	meeting.Categories = "work,review"
	meeting.Priority = 2
	meeting.StartTZ = "Europe/Helsinki"
	meeting.EndTZ = "Europe/Helsinki"
	meeting.Recur.Exceptions = []model.Exception{{Time: at(2024, 3, 11, 9), Kind: model.RDate}}
	meeting.Alarm = model.Alarm{Offset: 10 * time.Minute, Before: true, RelatedStart: true, DisplayNative: true}

	chore := model.New(model.TypeTodo)
	chore.Title = "Renew passport"
	chore.Start = at(2024, 3, 1, 8)
	chore.UseDuration = true
	chore.Duration = 48 * time.Hour
	chore.Availability = model.AvailabilityFree
	chore.Todo.UseDueTime = true
	chore.Todo.Completed = true
	chore.Todo.CompletedTime = at(2024, 3, 2, 17)
	chore.Todo.CompletedTZ = "Europe/Helsinki"

	diary := model.New(model.TypeJournal)
	diary.Title = "Trip notes"
	diary.AllDay = true
	diary.Start = at(2024, 3, 5, 0)
	diary.End = at(2024, 3, 8, 0)
	diary.Availability = model.AvailabilityFree

	var uids []string
	for _, a := range []*model.Appointment{meeting, chore, diary} {
		uid, err := s.Add(store.TagMain, a)
		require.NoError(t, err)
		uids = append(uids, uid)
	}

	reopened := openStore(t, store.Options{MainPath: path})
	for _, uid := range uids {
		want := mustGet(t, s, uid)
		got := mustGet(t, reopened, uid)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%s changed after reopen (-want +got):\n%s", uid, diff)
		}
	}
}

func mustGet(t *testing.T, s *store.Store, uid string) *model.Appointment {
	t.Helper()
	a, err := s.Get(uid)
	require.NoError(t, err)
	return a
}

func TestAddRejectsInvalid(t *testing.T) {
	s := openStore(t, store.Options{MainPath: filepath.Join(t.TempDir(), "main.ics")})

	bad := newEvent("Backwards", at(2024, 3, 1, 9))
	bad.End = at(2024, 3, 1, 8)
	_, err := s.Add(store.TagMain, bad)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Empty(t, s.Snapshot(store.ScopeMain))

	_, err = s.Add(store.TagArchive, newEvent("No archive", at(2024, 3, 1, 9)))
	assert.ErrorIs(t, err, store.ErrNotOpen)
}

func TestAddNormalizes(t *testing.T) {
	s := openStore(t, store.Options{MainPath: filepath.Join(t.TempDir(), "main.ics")})

	a := newEvent("Daily", at(2024, 3, 1, 9))
	a.Recur.Freq = model.FreqDaily
	a.Recur.Interval = 0
	a.Recur.Limit = model.LimitCount
	a.StartCurrent = at(2030, 1, 1, 0)
	uid, err := s.Add(store.TagMain, a)
	require.NoError(t, err)

	got, err := s.Get(uid)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Recur.Interval)
	assert.Equal(t, model.LimitNone, got.Recur.Limit)
	assert.True(t, got.StartCurrent.IsZero())
}

func TestReadonlyForeign(t *testing.T) {
	dir := t.TempDir()
	foreignPath := filepath.Join(dir, "holidays.ics")
	ev := newEvent("Holiday", at(2024, 5, 1, 0))
	ev.UID = "holiday-1"
	writeCalendar(t, foreignPath, ev)
	before, err := os.ReadFile(foreignPath)
	require.NoError(t, err)

	s := openStore(t, store.Options{
		MainPath: filepath.Join(dir, "main.ics"),
		Foreign: []store.ForeignSource{
			{Location: foreignPath, Name: "holidays"},
		},
	})
	require.NoError(t, s.OpenForeign(context.Background()))

	uid := store.ForeignTag(0) + ".holiday-1"
	got, err := s.Get(uid)
	require.NoError(t, err)
	assert.True(t, got.Readonly)

	got.Title = "Changed"
	assert.ErrorIs(t, s.Update(uid, got), store.ErrPermission)
	assert.ErrorIs(t, s.Delete(uid), store.ErrPermission)
	_, err = s.Add(store.ForeignTag(0), newEvent("Nope", at(2024, 5, 2, 0)))
	assert.ErrorIs(t, err, store.ErrPermission)

	unchanged, err := s.Get(uid)
	require.NoError(t, err)
	assert.Equal(t, "Holiday", unchanged.Title)
	after, err := os.ReadFile(foreignPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Len(t, s.Snapshot(store.ScopeForeign), 1)
	assert.Empty(t, s.Snapshot(store.ScopeMain))
	assert.Equal(t, store.Stats{Foreign: 1, ForeignSources: 1}, s.Stats())
}

func TestWritableForeign(t *testing.T) {
	dir := t.TempDir()
	foreignPath := filepath.Join(dir, "shared.ics")
	writeCalendar(t, foreignPath)

	s := openStore(t, store.Options{
		MainPath: filepath.Join(dir, "main.ics"),
		Foreign:  []store.ForeignSource{{Location: foreignPath, Writable: true}},
	})
	require.NoError(t, s.OpenForeign(context.Background()))

	uid, err := s.Add(store.ForeignTag(0), newEvent("Shared", at(2024, 5, 2, 9)))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uid, "F00."))
	require.NoError(t, s.Delete(uid))
}

func TestFailedWriteRollsBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.ics")
	s := openStore(t, store.Options{MainPath: path})

	uid, err := s.Add(store.TagMain, newEvent("Keep", at(2024, 3, 1, 9)))
	require.NoError(t, err)

	// A non-empty directory in place of the file makes the final rename fail.
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "blocker"), 0o700))

	_, err = s.Add(store.TagMain, newEvent("Lost", at(2024, 3, 2, 9)))
	assert.ErrorIs(t, err, store.ErrIO)

	changed, err := s.Get(uid)
	require.NoError(t, err)
	changed.Title = "Changed"
	assert.ErrorIs(t, s.Update(uid, changed), store.ErrIO)
	assert.ErrorIs(t, s.Delete(uid), store.ErrIO)

	snap := s.Snapshot(store.ScopeMain)
	require.Len(t, snap, 1)
	assert.Equal(t, uid, snap[0].UID)
	assert.Equal(t, "Keep", snap[0].Title)
}

func TestForeignLimit(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, store.Options{MainPath: filepath.Join(dir, "main.ics")})
	ctx := context.Background()

	for i := range config.MaxForeign {
		p := filepath.Join(dir, "f"+store.ForeignTag(i)+".ics")
		writeCalendar(t, p)
		require.NoError(t, s.AddForeign(ctx, store.ForeignSource{Location: p}))
	}
	p := filepath.Join(dir, "one-too-many.ics")
	writeCalendar(t, p)
	assert.ErrorIs(t, s.AddForeign(ctx, store.ForeignSource{Location: p}), store.ErrLimit)
	assert.Len(t, s.Foreign(), config.MaxForeign)

	require.NoError(t, s.RemoveForeign(ctx, 0))
	assert.Len(t, s.Foreign(), config.MaxForeign-1)
	assert.ErrorIs(t, s.RemoveForeign(ctx, 42), store.ErrNotFound)
}

func TestForeignLoadFailureKeepsOthers(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.ics")
	ev := newEvent("Good", at(2024, 5, 1, 9))
	ev.UID = "good-1"
	writeCalendar(t, good, ev)

	s := openStore(t, store.Options{
		MainPath: filepath.Join(dir, "main.ics"),
		Foreign: []store.ForeignSource{
			{Location: filepath.Join(dir, "missing.ics")},
			{Location: good},
		},
	})
	err := s.OpenForeign(context.Background())
	assert.ErrorIs(t, err, store.ErrIO)
	_, err = s.Get("F01.good-1")
	assert.NoError(t, err)
}

func TestImportExportRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := openStore(t, store.Options{MainPath: filepath.Join(dir, "a.ics")})
	uid1, err := src.Add(store.TagMain, newEvent("One", at(2024, 3, 1, 9)))
	require.NoError(t, err)
	uid2, err := src.Add(store.TagMain, newEvent("Two", at(2024, 3, 2, 9)))
	require.NoError(t, err)

	exported := filepath.Join(dir, "export.ics")
	require.NoError(t, src.Export(exported, store.ExportAll, nil))
	require.NoError(t, store.Check(exported))
	body, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "O00.")

	dst := openStore(t, store.Options{MainPath: filepath.Join(dir, "b.ics")})
	n, err := dst.Import(exported)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	for _, uid := range []string{uid1, uid2} {
		_, err := dst.Get(uid)
		assert.NoError(t, err, uid)
	}

	// Importing again replaces instead of duplicating.
	n, err = dst.Import(exported)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, dst.Snapshot(store.ScopeMain), 2)

	one := filepath.Join(dir, "one.ics")
	require.NoError(t, src.Export(one, store.ExportUIDs, []string{uid2}))
	res, err := ics.Decode(mustRead(t, one), ics.DecodeOptions{Location: time.UTC})
	require.NoError(t, err)
	require.Len(t, res.Appointments, 1)
	assert.Equal(t, "Two", res.Appointments[0].Title)

	assert.ErrorIs(t, src.Export(one, store.ExportUIDs, []string{"O00.nope"}), store.ErrNotFound)
}

func TestImportRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, store.Options{MainPath: filepath.Join(dir, "main.ics")})
	bad := filepath.Join(dir, "bad.ics")
	require.NoError(t, os.WriteFile(bad, []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\n"), 0o600))

	_, err := s.Import(bad)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Error(t, store.Check(bad))
	assert.Empty(t, s.Snapshot(store.ScopeMain))
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}
