package alarm

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jmhodges/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"calarm/internal/model"
	"calarm/internal/store"
)

type fakeSource struct {
	appts []*model.Appointment
}

func (f *fakeSource) Snapshot(store.Scope) []*model.Appointment {
	out := make([]*model.Appointment, 0, len(f.appts))
	for _, a := range f.appts {
		out = append(out, a.Clone())
	}
	return out
}

type call struct {
	kind   string
	uid    string
	repeat int
	state  State
}

type recorder struct {
	calls []call
}

func (r *recorder) record(kind string, p Pending) error {
	r.calls = append(r.calls, call{kind: kind, uid: p.UID, repeat: p.Repeat, state: p.State})
	return nil
}

func (r *recorder) Sound(_ context.Context, p Pending) error     { return r.record("sound", p) }
func (r *recorder) Display(_ context.Context, p Pending) error   { return r.record("display", p) }
func (r *recorder) Procedure(_ context.Context, p Pending) error { return r.record("procedure", p) }

func at(d, h, m int) time.Time {
	return time.Date(2024, 1, d, h, m, 0, 0, time.UTC)
}

func alarmed(uid string, start time.Time, before time.Duration) *model.Appointment {
	a := model.New(model.TypeEvent)
	a.UID = uid
	a.Title = uid
	a.Start = start
	a.End = start.Add(time.Hour)
	a.Alarm.Offset = before
	a.Alarm.DisplayNative = true
	return a
}

func newScheduler(t *testing.T, src *fakeSource, now time.Time, statePath string) (*Scheduler, clock.FakeClock, *recorder) {
	t.Helper()
	clk := clock.NewFake()
	clk.Set(now)
	rec := &recorder{}
	s := New(src, rec, Options{StatePath: statePath, Clock: clk, Horizon: 30 * 24 * time.Hour})
	return s, clk, rec
}

func uidsAt(ps []Pending) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.UID+"@"+p.At.Format("02T15:04"))
	}
	return out
}

func TestBuildOrdersAndIsIdempotent(t *testing.T) {
	daily := alarmed("O00.daily", at(1, 9, 0), 10*time.Minute)
	daily.Recur.Freq = model.FreqDaily
	src := &fakeSource{appts: []*model.Appointment{
		daily,
		alarmed("O00.b", at(1, 12, 0), 0),
		alarmed("O00.a", at(1, 12, 0), 0),
		alarmed("O00.past", at(1, 7, 0), 0),
	}}
	silent := alarmed("O00.silent", at(1, 13, 0), 0)
	silent.Alarm.DisplayNative = false
	src.appts = append(src.appts, silent)

	s, clk, _ := newScheduler(t, src, at(1, 8, 0), "")
	require.NoError(t, s.Build(false))
	first := s.Pending()
	assert.Equal(t, []string{"O00.daily@01T08:50", "O00.a@01T12:00", "O00.b@01T12:00"}, uidsAt(first))

	require.NoError(t, s.Build(false))
	if diff := cmp.Diff(first, s.Pending()); diff != "" {
		t.Errorf("second build differs (-first +second):\n%s", diff)
	}

	// A due but not yet ticked alarm survives a rebuild.
	clk.Set(at(1, 8, 55))
	require.NoError(t, s.Build(false))
	assert.Equal(t, uidsAt(first), uidsAt(s.Pending()))
}

func TestTickFiresAndReschedulesRecurring(t *testing.T) {
	daily := alarmed("O00.daily", at(1, 9, 0), 10*time.Minute)
	daily.Recur.Freq = model.FreqDaily
	daily.Alarm.Procedure = true
	daily.Alarm.ProcedureCmd = "/bin/true"
	src := &fakeSource{appts: []*model.Appointment{daily}}

	s, clk, rec := newScheduler(t, src, at(1, 8, 0), "")
	require.NoError(t, s.Build(false))

	assert.Empty(t, s.Tick(context.Background()))

	clk.Set(at(1, 8, 50))
	fired := s.Tick(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, at(1, 9, 0), fired[0].Start)
	assert.Equal(t, []call{
		{kind: "display", uid: "O00.daily"},
		{kind: "procedure", uid: "O00.daily"},
	}, rec.calls)
	assert.Equal(t, []string{"O00.daily@02T08:50"}, uidsAt(s.Pending()))

	// Missing several ticks fires each overdue occurrence once.
	clk.Set(at(4, 9, 0))
	fired = s.Tick(context.Background())
	assert.Equal(t, []string{"O00.daily@02T08:50", "O00.daily@03T08:50", "O00.daily@04T08:50"}, uidsAt(fired))
	assert.Equal(t, []string{"O00.daily@05T08:50"}, uidsAt(s.Pending()))
	assert.Equal(t, at(4, 9, 0), s.LastSeen())
}

func TestSoundRepeats(t *testing.T) {
	a := alarmed("O00.ring", at(1, 9, 0), 0)
	a.Alarm.DisplayNative = false
	a.Alarm.Sound = true
	a.Alarm.SoundRepeat = true
	a.Alarm.SoundRepeatCount = 2
	a.Alarm.SoundRepeatInterval = 5 * time.Minute
	src := &fakeSource{appts: []*model.Appointment{a}}

	var notified []Pending
	clk := clock.NewFake()
	clk.Set(at(1, 8, 0))
	rec := &recorder{}
	s := New(src, rec, Options{Clock: clk, OnFire: func(p Pending) { notified = append(notified, p) }})
	require.NoError(t, s.Build(false))

	clk.Set(at(1, 9, 0))
	require.Len(t, s.Tick(context.Background()), 1)
	assert.Equal(t, []string{"O00.ring@01T09:05", "O00.ring@01T09:10"}, uidsAt(s.Pending()))

	// Repeats survive a rebuild.
	require.NoError(t, s.Build(false))
	assert.Len(t, s.Pending(), 2)

	clk.Set(at(1, 9, 10))
	fired := s.Tick(context.Background())
	require.Len(t, fired, 2)
	assert.Equal(t, 1, fired[0].Repeat)
	assert.Equal(t, 2, fired[1].Repeat)
	assert.Empty(t, s.Pending())

	assert.Equal(t, []call{
		{kind: "sound", uid: "O00.ring"},
		{kind: "sound", uid: "O00.ring", repeat: 1},
		{kind: "sound", uid: "O00.ring", repeat: 2},
	}, rec.calls)
	assert.Len(t, notified, 3)
}

func TestLateAlarmsOnColdStart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.yaml")
	data, err := yaml.Marshal(persistedState{LastSeen: at(1, 6, 0)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, data, 0o600))

	persistent := alarmed("O00.persistent", at(1, 7, 0), 0)
	persistent.Alarm.Persistent = true
	persistent.Alarm.Sound = true
	persistent.Alarm.SoundRepeat = true
	persistent.Alarm.SoundRepeatCount = 1
	persistent.Alarm.SoundRepeatInterval = time.Minute
	transient := alarmed("O00.transient", at(1, 7, 30), 0)
	tooOld := alarmed("O00.old", at(1, 5, 0), 0)
	tooOld.Alarm.Persistent = true
	src := &fakeSource{appts: []*model.Appointment{persistent, transient, tooOld}}

	s, clk, rec := newScheduler(t, src, at(1, 8, 0), statePath)
	require.NoError(t, s.Build(false))

	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "O00.persistent", pending[0].UID)
	assert.Equal(t, StateFiredLate, pending[0].State)

	// Rebuilding while warm keeps the late alarm exactly once.
	require.NoError(t, s.Build(false))
	require.Len(t, s.Pending(), 1)

	fired := s.Tick(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, StateFiredLate, fired[0].State)
	// The repeat is counted from now, not from the missed trigger.
	assert.Equal(t, []string{"O00.persistent@01T08:01"}, uidsAt(s.Pending()))

	clk.Set(at(1, 8, 1))
	s.Tick(context.Background())
	assert.Empty(t, s.Tick(context.Background()))

	var displays int
	for _, c := range rec.calls {
		if c.kind == "display" {
			displays++
			assert.Equal(t, "O00.persistent", c.uid)
		}
	}
	assert.Equal(t, 1, displays)
}

func TestLateAlarmsSurviveRestartBeforeTick(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.yaml")
	data, err := yaml.Marshal(persistedState{LastSeen: at(1, 6, 0)})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, data, 0o600))

	persistent := alarmed("O00.persistent", at(1, 7, 0), 0)
	persistent.Alarm.Persistent = true
	src := &fakeSource{appts: []*model.Appointment{persistent}}

	readState := func() time.Time {
		data, err := os.ReadFile(statePath)
		require.NoError(t, err)
		var st persistedState
		require.NoError(t, yaml.Unmarshal(data, &st))
		return st.LastSeen
	}

	// Stopped after Build, before the late alarm fired.
	s, _, _ := newScheduler(t, src, at(1, 8, 0), statePath)
	require.NoError(t, s.Build(false))
	require.Len(t, s.Pending(), 1)
	assert.True(t, at(1, 6, 0).Equal(readState()))

	s, _, rec := newScheduler(t, src, at(1, 8, 5), statePath)
	require.NoError(t, s.Build(false))
	pending := s.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, StateFiredLate, pending[0].State)

	fired := s.Tick(context.Background())
	require.Len(t, fired, 1)
	assert.Equal(t, []call{{kind: "display", uid: "O00.persistent", state: StateFiredLate}}, rec.calls)
	assert.True(t, at(1, 8, 5).Equal(readState()))

	// Fired once; the next start finds nothing late.
	s, _, _ = newScheduler(t, src, at(1, 8, 10), statePath)
	require.NoError(t, s.Build(false))
	assert.Empty(t, s.Pending())
}

func TestRebuildFromToday(t *testing.T) {
	morning := alarmed("O00.morning", at(1, 10, 0), 0)
	morning.Alarm.Persistent = true
	yesterday := alarmed("O00.yesterday", at(0, 23, 0), 0)
	yesterday.Alarm.Persistent = true
	src := &fakeSource{appts: []*model.Appointment{morning, yesterday}}

	s, _, _ := newScheduler(t, src, at(1, 12, 0), "")
	require.NoError(t, s.Build(true))
	assert.Equal(t, []string{"O00.morning@01T10:00"}, uidsAt(s.Pending()))

	s, _, _ = newScheduler(t, src, at(1, 12, 0), "")
	require.NoError(t, s.Build(false))
	assert.Empty(t, s.Pending())
}

func TestStatePersistsLastSeen(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state", "alarm.yaml")
	src := &fakeSource{}

	s, clk, _ := newScheduler(t, src, at(1, 8, 0), statePath)
	require.NoError(t, s.Build(false))
	clk.Set(at(1, 9, 30))
	s.Tick(context.Background())

	data, err := os.ReadFile(statePath)
	require.NoError(t, err)
	var st persistedState
	require.NoError(t, yaml.Unmarshal(data, &st))
	assert.True(t, at(1, 9, 30).Equal(st.LastSeen))

	// A broken state file is logged and treated as missing.
	require.NoError(t, os.WriteFile(statePath, []byte("last_seen: [nope"), 0o600))
	s, _, _ = newScheduler(t, src, at(1, 10, 0), statePath)
	assert.NoError(t, s.Build(false))
}

func TestSchedulable(t *testing.T) {
	todo := model.New(model.TypeTodo)
	todo.Start = at(1, 9, 0)
	todo.Alarm.DisplayNative = true
	assert.True(t, schedulable(todo))

	todo.Todo.Completed = true
	assert.False(t, schedulable(todo))

	todo.Recur.Freq = model.FreqWeekly
	assert.True(t, schedulable(todo))

	noStart := model.New(model.TypeTodo)
	noStart.Alarm.DisplayNative = true
	assert.False(t, schedulable(noStart))
}

func TestTriggerRelatedToEnd(t *testing.T) {
	a := alarmed("O00.end", at(1, 9, 0), 0)
	a.Alarm.RelatedStart = false
	a.Alarm.Before = false
	a.Alarm.Offset = 5 * time.Minute
	a.Recur.Freq = model.FreqDaily

	p, ok := nextTrigger(a, at(1, 10, 5), at(10, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(2, 10, 5), p.At)

	p, ok = nextTrigger(a, at(1, 10, 4), at(10, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(1, 10, 5), p.At)

	last, ok := lastTrigger(a, at(1, 0, 0), at(3, 0, 0))
	require.True(t, ok)
	assert.Equal(t, at(2, 10, 5), last.At)
}
