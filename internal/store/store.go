// Package store owns the loaded calendars: the user's main file, an
// optional archive and up to config.MaxForeign foreign calendars. Every
// exported method serializes on one mutex, so the store, the query layer
// and the alarm scheduler never observe a half-applied change.
package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"sync"
	"time"

	"calarm/internal/config"
	"calarm/internal/ics"
	appLog "calarm/internal/log"
	"calarm/internal/model"
)

var (
	ErrNotFound   = errors.New("appointment not found")
	ErrPermission = errors.New("read-only")
	ErrIO         = errors.New("calendar file i/o")
	ErrLimit      = errors.New("too many foreign calendars")
	ErrNotOpen    = errors.New("calendar not open")
)

// Source tags prefixed to store UIDs.
const (
	TagMain    = "O00"
	TagArchive = "A00"
)

// ForeignTag returns the tag of foreign slot i.
func ForeignTag(i int) string {
	return fmt.Sprintf("F%02d", i)
}

// Scope selects which sources a read covers.
type Scope int

const (
	ScopeMain Scope = iota
	ScopeArchive
	ScopeForeign
	ScopeAny
)

func (s Scope) String() string {
	switch s {
	case ScopeMain:
		return "main"
	case ScopeArchive:
		return "archive"
	case ScopeForeign:
		return "foreign"
	default:
		return "any"
	}
}

// ParseScope maps "main", "archive", "foreign" and anything else to ScopeAny.
func ParseScope(v string) Scope {
	switch v {
	case "main":
		return ScopeMain
	case "archive":
		return ScopeArchive
	case "foreign":
		return ScopeForeign
	default:
		return ScopeAny
	}
}

type kind int

const (
	kindMain kind = iota
	kindArchive
	kindForeign
)

func (k kind) in(s Scope) bool {
	switch s {
	case ScopeMain:
		return k == kindMain
	case ScopeArchive:
		return k == kindArchive
	case ScopeForeign:
		return k == kindForeign
	default:
		return true
	}
}

// ForeignSource describes a foreign calendar.
type ForeignSource struct {
	// Location is a file path or http(s) URL.
	Location string
	Name     string
	Writable bool
}

// Options configures a Store.
type Options struct {
	MainPath string
	// ArchivePath enables the archive when set.
	ArchivePath   string
	ArchiveMonths int
	Foreign       []ForeignSource
	// Location is used for wall-clock times. Nil means time.Local.
	Location *time.Location
	// Fetcher mirrors remote foreign calendars. Required only when a
	// foreign Location is a URL.
	Fetcher *ics.Fetcher
}

// source is one loaded calendar file.
type source struct {
	tag      string
	kind     kind
	name     string
	path     string
	remote   string
	location string
	readonly bool
	appts    map[string]*model.Appointment

	modTime time.Time
	size    int64
}

func (src *source) sorted() []*model.Appointment {
	out := make([]*model.Appointment, 0, len(src.appts))
	for _, a := range src.appts {
		out = append(out, a)
	}
	slices.SortFunc(out, func(x, y *model.Appointment) int {
		if x.UID < y.UID {
			return -1
		}
		if x.UID > y.UID {
			return 1
		}
		return 0
	})
	return out
}

// Store is the in-memory calendar state.
type Store struct {
	mu sync.Mutex

	opts    Options
	loc     *time.Location
	main    *source
	archive *source
	foreign []*source
	hooks   []func()
}

// New creates a store. Nothing is loaded until Open / OpenForeign.
func New(opts Options) *Store {
	loc := opts.Location
	if loc == nil {
		loc = time.Local
	}
	if opts.ArchiveMonths <= 0 {
		opts.ArchiveMonths = 6
	}
	opts.Foreign = slices.Clone(opts.Foreign)
	return &Store{opts: opts, loc: loc}
}

// FromConfig builds store options from the application config.
func FromConfig(cfg *config.Config, loc *time.Location, fetcher *ics.Fetcher) Options {
	opts := Options{
		MainPath:      cfg.Path(cfg.MainFile),
		ArchiveMonths: cfg.Archive.Months,
		Location:      loc,
		Fetcher:       fetcher,
	}
	if cfg.Archive.Enabled {
		opts.ArchivePath = cfg.Path(cfg.Archive.File)
	}
	for _, f := range cfg.Foreign {
		location := f.Location
		if !ics.IsRemote(location) {
			location = cfg.Path(location)
		}
		opts.Foreign = append(opts.Foreign, ForeignSource{Location: location, Name: f.Name, Writable: f.Writable})
	}
	return opts
}

// Location returns the location used for wall-clock times.
func (s *Store) Location() *time.Location {
	return s.loc
}

// OnReload registers fn to run after an external change reloaded the
// store. Hooks run without the store lock held.
func (s *Store) OnReload(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Open loads the main calendar, creating it empty when missing, and the
// archive when one is configured. On error the previously loaded state is
// kept.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Store) openLocked(ctx context.Context) error {
	main, err := s.load(ctx, source{tag: TagMain, kind: kindMain, name: "main", path: s.opts.MainPath}, true)
	if err != nil {
		return err
	}
	var archive *source
	if s.opts.ArchivePath != "" {
		archive, err = s.load(ctx, source{tag: TagArchive, kind: kindArchive, name: "archive", path: s.opts.ArchivePath}, true)
		if err != nil {
			return err
		}
	}
	s.main = main
	if archive != nil {
		s.archive = archive
	}
	return nil
}

// OpenArchive loads the archive calendar.
func (s *Store) OpenArchive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openArchiveLocked(ctx)
}

func (s *Store) openArchiveLocked(ctx context.Context) error {
	if s.opts.ArchivePath == "" {
		return fmt.Errorf("%w: no archive file configured", ErrNotOpen)
	}
	archive, err := s.load(ctx, source{tag: TagArchive, kind: kindArchive, name: "archive", path: s.opts.ArchivePath}, true)
	if err != nil {
		return err
	}
	s.archive = archive
	return nil
}

// CloseArchive drops the archive from memory.
func (s *Store) CloseArchive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = nil
}

// OpenForeign (re)loads every configured foreign calendar. Remote
// calendars are fetched first, without the store lock. A calendar that
// fails to load keeps its previous contents; the failures are joined into
// the returned error.
func (s *Store) OpenForeign(ctx context.Context) error {
	s.mu.Lock()
	foreign := slices.Clone(s.opts.Foreign)
	s.mu.Unlock()

	fetchErrs := s.refreshRemotes(ctx, foreign)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openForeignLocked(ctx, fetchErrs)
}

// refreshRemotes mirrors every remote calendar in foreign and returns the
// failures by URL. It must be called without s.mu held.
func (s *Store) refreshRemotes(ctx context.Context, foreign []ForeignSource) map[string]error {
	errs := make(map[string]error)
	if s.opts.Fetcher == nil {
		return errs
	}
	for _, f := range foreign {
		if !ics.IsRemote(f.Location) {
			continue
		}
		if _, err := s.opts.Fetcher.Fetch(ctx, ics.Remote{Name: f.Name, URL: f.Location}); err != nil {
			appLog.Error("remote calendar refresh failed", err, "source", f.Name)
			errs[f.Location] = err
		}
	}
	return errs
}

// openForeignLocked loads the foreign calendars from disk. Remote ones are
// read from their mirrors; fetchErrs holds the failures of the refresh
// that preceded it.
func (s *Store) openForeignLocked(ctx context.Context, fetchErrs map[string]error) error {
	var errs []error
	loaded := make([]*source, len(s.opts.Foreign))
	for i, f := range s.opts.Foreign {
		src, err := s.loadForeign(ctx, i, f, fetchErrs[f.Location])
		if err != nil {
			errs = append(errs, err)
			if i < len(s.foreign) && s.foreign[i] != nil && s.foreign[i].location == f.Location {
				loaded[i] = s.foreign[i]
			}
			continue
		}
		loaded[i] = src
	}
	s.foreign = loaded
	return errors.Join(errs...)
}

func (s *Store) loadForeign(ctx context.Context, i int, f ForeignSource, fetchErr error) (*source, error) {
	desc := source{
		tag:      ForeignTag(i),
		kind:     kindForeign,
		name:     f.Name,
		path:     f.Location,
		location: f.Location,
		readonly: !f.Writable,
	}
	if desc.name == "" {
		desc.name = desc.tag
	}
	if ics.IsRemote(f.Location) {
		if s.opts.Fetcher == nil {
			return nil, fmt.Errorf("%w: %s: remote calendar without fetcher", ErrIO, desc.name)
		}
		desc.remote = f.Location
		desc.readonly = true
		desc.path = s.opts.Fetcher.MirrorPath(f.Location)
		if fetchErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrIO, desc.name, fetchErr)
		}
	}
	return s.load(ctx, desc, false)
}

// AddForeign appends a foreign calendar and loads it. At most
// config.MaxForeign foreign calendars can be configured.
func (s *Store) AddForeign(ctx context.Context, f ForeignSource) error {
	s.mu.Lock()
	full := len(s.opts.Foreign) >= config.MaxForeign
	s.mu.Unlock()
	if full {
		return fmt.Errorf("%w: limit is %d", ErrLimit, config.MaxForeign)
	}
	fetchErrs := s.refreshRemotes(ctx, []ForeignSource{f})

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.opts.Foreign) >= config.MaxForeign {
		return fmt.Errorf("%w: limit is %d", ErrLimit, config.MaxForeign)
	}
	i := len(s.opts.Foreign)
	src, err := s.loadForeign(ctx, i, f, fetchErrs[f.Location])
	if err != nil {
		return err
	}
	s.opts.Foreign = append(s.opts.Foreign, f)
	for len(s.foreign) < i {
		s.foreign = append(s.foreign, nil)
	}
	s.foreign = append(s.foreign, src)
	appLog.Info("foreign calendar added", "tag", src.tag, "name", src.name, "count", len(src.appts))
	return nil
}

// RemoveForeign drops foreign calendar i. Later calendars move down one
// slot and get new tags.
func (s *Store) RemoveForeign(ctx context.Context, i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.opts.Foreign) {
		return fmt.Errorf("%w: foreign calendar %d", ErrNotFound, i)
	}
	s.opts.Foreign = slices.Delete(s.opts.Foreign, i, i+1)
	s.foreign = nil
	return s.openForeignLocked(ctx, nil)
}

// Foreign lists the configured foreign calendars.
func (s *Store) Foreign() []ForeignSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.opts.Foreign)
}

// Close releases the foreign calendars, or main and archive.
func (s *Store) Close(foreign bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if foreign {
		s.foreign = nil
		return
	}
	s.main = nil
	s.archive = nil
}

// CloseForce drops every loaded calendar regardless of state.
func (s *Store) CloseForce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeAllLocked()
}

func (s *Store) closeAllLocked() {
	s.main = nil
	s.archive = nil
	s.foreign = nil
}

// load reads and decodes desc.path into a new source. With create a
// missing file is written as an empty calendar.
func (s *Store) load(ctx context.Context, desc source, create bool) (*source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src := desc
	src.appts = make(map[string]*model.Appointment)

	body, err := os.ReadFile(src.path)
	if errors.Is(err, fs.ErrNotExist) && create {
		if err := config.WriteFileAtomic(src.path, ics.Encode(nil, ics.EncodeOptions{})); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrIO, src.path, err)
		}
		appLog.Info("calendar created", "source", src.name, "path", src.path)
		s.stat(&src)
		return &src, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", ErrIO, src.path, err)
	}

	res, err := ics.Decode(body, ics.DecodeOptions{
		Tag:      src.tag,
		Location: s.loc,
		Readonly: src.readonly,
		Name:     src.name,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", model.ErrValidation, src.path, err)
	}
	for _, a := range res.Appointments {
		if _, dup := src.appts[a.UID]; dup {
			appLog.Warn("duplicate uid skipped", "source", src.name, "uid", a.UID)
			continue
		}
		src.appts[a.UID] = a
	}
	s.stat(&src)
	appLog.Info("calendar loaded", "source", src.name, "tag", src.tag, "count", len(src.appts), "skipped", res.Skipped)
	return &src, nil
}

// stat records the file state used for change detection.
func (s *Store) stat(src *source) {
	fi, err := os.Stat(src.path)
	if err != nil {
		src.modTime, src.size = time.Time{}, -1
		return
	}
	src.modTime, src.size = fi.ModTime(), fi.Size()
}

// persist writes src to disk.
func (s *Store) persist(src *source) error {
	body := ics.Encode(src.sorted(), ics.EncodeOptions{RawUIDs: true})
	if err := config.WriteFileAtomic(src.path, body); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrIO, src.path, err)
	}
	s.stat(src)
	return nil
}

// sourceFor finds the loaded source owning tag.
func (s *Store) sourceFor(tag string) (*source, error) {
	switch {
	case tag == TagMain:
		if s.main != nil {
			return s.main, nil
		}
	case tag == TagArchive:
		if s.archive != nil {
			return s.archive, nil
		}
	default:
		for _, src := range s.foreign {
			if src != nil && src.tag == tag {
				return src, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: source %q", ErrNotOpen, tag)
}

func (s *Store) sources() []*source {
	out := make([]*source, 0, 2+len(s.foreign))
	if s.main != nil {
		out = append(out, s.main)
	}
	if s.archive != nil {
		out = append(out, s.archive)
	}
	for _, src := range s.foreign {
		if src != nil {
			out = append(out, src)
		}
	}
	return out
}

// Snapshot returns copies of every appointment in scope, ordered by UID.
func (s *Store) Snapshot(scope Scope) []*model.Appointment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Appointment
	for _, src := range s.sources() {
		if !src.kind.in(scope) {
			continue
		}
		for _, a := range src.sorted() {
			out = append(out, a.Clone())
		}
	}
	return out
}

// Stats counts loaded appointments.
type Stats struct {
	Main    int
	Archive int
	Foreign int
	// ForeignSources is the number of loaded foreign calendars.
	ForeignSources int
}

// Stats returns counts per source kind.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, src := range s.sources() {
		switch src.kind {
		case kindMain:
			st.Main += len(src.appts)
		case kindArchive:
			st.Archive += len(src.appts)
		case kindForeign:
			st.Foreign += len(src.appts)
			st.ForeignSources++
		}
	}
	return st
}
