package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWritesDefaultsOnFirstRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "calarm.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadPartialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calarm.yaml")
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(`
data_dir: /srv/cal
timezone: Europe/Berlin
alarm:
  horizon: 72h
  sound_command: paplay
foreign:
  - location: https://example.com/team.ics
    name: team
  - location: holidays.ics
    writable: true
`)), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/cal", cfg.DataDir)
	assert.Equal(t, "calarm.ics", cfg.MainFile)
	assert.Equal(t, 72*time.Hour, cfg.Alarm.Horizon)
	assert.Equal(t, "paplay", cfg.Alarm.SoundCommand)
	assert.Equal(t, "* * * * *", cfg.Alarm.TickCron)
	require.Len(t, cfg.Foreign, 2)
	assert.True(t, cfg.Foreign[1].Writable)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", loc.String())

	assert.Equal(t, "/srv/cal/calarm.ics", cfg.Path(cfg.MainFile))
	assert.Equal(t, "/abs/state.yaml", cfg.Path("/abs/state.yaml"))
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}

	_, err := Load(write("tz.yaml", "timezone: Mars/Olympus\n"))
	assert.Error(t, err)

	_, err = Load(write("empty-foreign.yaml", "foreign:\n  - name: nowhere\n"))
	assert.Error(t, err)

	var b strings.Builder
	b.WriteString("foreign:\n")
	for range MaxForeign + 1 {
		b.WriteString("  - location: x.ics\n")
	}
	_, err = Load(write("many.yaml", b.String()))
	assert.Error(t, err)

	_, err = Load(write("broken.yaml", "alarm: [\n"))
	assert.Error(t, err)

	_, err = Load("")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	cfg := &Config{}
	cfg.Normalize()
	def := DefaultConfig()

	assert.Equal(t, def.DataDir, cfg.DataDir)
	assert.Equal(t, def.Archive.Months, cfg.Archive.Months)
	assert.Equal(t, def.Alarm.Horizon, cfg.Alarm.Horizon)
	assert.Equal(t, def.Alarm.RebuildCron, cfg.Alarm.RebuildCron)
	assert.NotNil(t, cfg.Foreign)
	// Booleans keep their explicit value.
	assert.False(t, cfg.Alarm.RebuildFromToday)
}

func TestWriteFileAtomicReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "file.txt")
	require.NoError(t, WriteFileAtomic(path, []byte("one")))
	require.NoError(t, WriteFileAtomic(path, []byte("two")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
