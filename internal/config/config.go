package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxForeign is the number of foreign calendar slots.
const MaxForeign = 10

// ForeignConfig describes one foreign calendar merged into the view.
type ForeignConfig struct {
	// Location is a file path or an http(s) URL.
	Location string `yaml:"location" json:"location"`
	// Name is a label used in logs and the API.
	Name string `yaml:"name" json:"name"`
	// Writable lets the store modify appointments of this calendar. Remote
	// calendars are always read-only.
	Writable bool `yaml:"writable" json:"writable"`
}

// ArchiveConfig controls moving old appointments out of the main file.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	File    string `yaml:"file" json:"file"`
	// Months: appointments that ended before the first day of the month
	// this many months back are archived.
	Months int `yaml:"months" json:"months"`
}

// AlarmConfig holds alarm scheduling and action settings.
type AlarmConfig struct {
	// StateFile keeps the last time the scheduler looked at the clock so
	// persistent alarms missed while down still fire.
	StateFile string `yaml:"state_file" json:"state_file"`
	// TickCron drives change detection and alarm firing.
	TickCron string `yaml:"tick" json:"tick"`
	// RebuildCron triggers a full pending-list rebuild.
	RebuildCron string `yaml:"rebuild" json:"rebuild"`
	// RebuildFromToday fires persistent alarms from the start of today on
	// the very first run, when no state file exists yet.
	RebuildFromToday bool `yaml:"rebuild_from_today" json:"rebuild_from_today"`
	// Horizon bounds how far ahead occurrences are scanned for alarms.
	Horizon time.Duration `yaml:"horizon" json:"horizon"`

	SoundCommand  string `yaml:"sound_command" json:"sound_command"`
	NotifyCommand string `yaml:"notify_command" json:"notify_command"`
}

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// DataDir holds the calendar files, the remote mirror cache and the
	// alarm state unless those paths are absolute.
	DataDir string `yaml:"data_dir" json:"data_dir"`
	// MainFile is the user's own calendar.
	MainFile string `yaml:"main_file" json:"main_file"`

	Archive ArchiveConfig   `yaml:"archive" json:"archive"`
	Foreign []ForeignConfig `yaml:"foreign" json:"foreign"`

	// Timezone is the IANA name used for wall-clock (floating) times.
	// Empty uses the system zone.
	Timezone string `yaml:"timezone" json:"timezone"`

	Alarm AlarmConfig `yaml:"alarm" json:"alarm"`

	// Listen is the HTTP listen address of the API. Empty disables it.
	Listen    string           `yaml:"listen" json:"listen"`
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir:  "./var/calarm",
		MainFile: "calarm.ics",
		Archive: ArchiveConfig{
			File:   "archive.ics",
			Months: 6,
		},
		Foreign: []ForeignConfig{},
		Alarm: AlarmConfig{
			StateFile:        "alarm-state.yaml",
			TickCron:         "* * * * *",
			RebuildCron:      "0 0 * * *",
			RebuildFromToday: true,
			Horizon:          400 * 24 * time.Hour,
			NotifyCommand:    "notify-send",
		},
		Listen:   "127.0.0.1:8080",
		LogLevel: "info",
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.MainFile == "" {
		c.MainFile = def.MainFile
	}
	if c.Archive.File == "" {
		c.Archive.File = def.Archive.File
	}
	if c.Archive.Months <= 0 {
		c.Archive.Months = def.Archive.Months
	}
	if c.Foreign == nil {
		c.Foreign = []ForeignConfig{}
	}
	if c.Alarm.StateFile == "" {
		c.Alarm.StateFile = def.Alarm.StateFile
	}
	if c.Alarm.TickCron == "" {
		c.Alarm.TickCron = def.Alarm.TickCron
	}
	if c.Alarm.RebuildCron == "" {
		c.Alarm.RebuildCron = def.Alarm.RebuildCron
	}
	if c.Alarm.Horizon <= 0 {
		c.Alarm.Horizon = def.Alarm.Horizon
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate reports settings Normalize cannot repair.
func (c *Config) Validate() error {
	if len(c.Foreign) > MaxForeign {
		return fmt.Errorf("%d foreign calendars configured, at most %d allowed", len(c.Foreign), MaxForeign)
	}
	for i, f := range c.Foreign {
		if f.Location == "" {
			return fmt.Errorf("foreign[%d]: empty location", i)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Path resolves p against DataDir unless it is absolute.
func (c *Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir, p)
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     permissions and returned.
//   - Otherwise the YAML is read and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path atomically (temp file + rename, 0600).
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}
	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, data)
}

// Save delegates to the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. Parent directories are created with 0700.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".calarm-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
