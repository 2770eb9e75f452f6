package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"calarm/internal/alarm"
	"calarm/internal/config"
	appLog "calarm/internal/log"
	"calarm/internal/model"
	"calarm/internal/query"
	"calarm/internal/store"
)

// Server exposes the calendar engine over a small JSON API.
type Server struct {
	cfg     *config.Config
	loc     *time.Location
	finder  *query.Finder
	sched   *alarm.Scheduler
	metrics http.Handler
	mux     *http.ServeMux

	// Cached /api/occurrences responses keyed by the parsed query. Dropped
	// on every Invalidate.
	occMu    sync.RWMutex
	occCache map[string]occurrencesCache
}

const (
	occurrencesCacheTTL = 30 * time.Second
	// maxCachedQueries bounds the occurrence cache; it is emptied when full.
	maxCachedQueries = 64
)

type occurrencesCache struct {
	resp      occurrencesResponse
	updatedAt time.Time
}

// NewServer constructs a new Server. metrics may be nil.
func NewServer(cfg *config.Config, loc *time.Location, finder *query.Finder, sched *alarm.Scheduler, metrics http.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		loc:      loc,
		finder:   finder,
		sched:    sched,
		metrics:  metrics,
		mux:      http.NewServeMux(),
		occCache: make(map[string]occurrencesCache),
	}
	s.registerRoutes()
	return s
}

// Invalidate drops cached responses. Call it after the calendars change.
func (s *Server) Invalidate() {
	s.occMu.Lock()
	s.occCache = make(map[string]occurrencesCache)
	s.occMu.Unlock()
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calarm", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve listens on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/api/occurrences", s.handleOccurrences)
	s.mux.HandleFunc("/api/month", s.handleMonth)
	s.mux.HandleFunc("/api/alarms", s.handleAlarms)
	if s.metrics != nil {
		s.mux.Handle("/metrics", s.metrics)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// occurrenceDTO is a JSON view of one occurrence.
type occurrenceDTO struct {
	UID      string    `json:"uid"`
	Type     string    `json:"type"`
	Title    string    `json:"title"`
	Location string    `json:"location,omitempty"`
	Note     string    `json:"note,omitempty"`
	AllDay   bool      `json:"all_day"`
	Readonly bool      `json:"readonly"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
}

type occurrencesResponse struct {
	Occurrences []occurrenceDTO `json:"occurrences"`
	RangeStart  time.Time       `json:"range_start"`
	Days        int             `json:"days"`
	Scope       string          `json:"scope"`
}

func toDTO(occ *model.Appointment) occurrenceDTO {
	return occurrenceDTO{
		UID:      occ.UID,
		Type:     occ.Type.String(),
		Title:    occ.Title,
		Location: occ.Location,
		Note:     occ.Note,
		AllDay:   occ.AllDay,
		Readonly: occ.Readonly,
		Start:    occ.StartCurrent,
		End:      occ.EndCurrent,
	}
}

// handleOccurrences lists occurrences overlapping a day window.
//
// GET /api/occurrences?day=20240101&days=7&scope=any
//   - day:   first day, YYYYMMDD (default today)
//   - days:  window length in days (default 1)
//   - scope: main, archive, foreign or any (default)
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	day, err := s.parseDay(q.Get("day"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	days := parseIntDefault(q.Get("days"), 1)
	if days <= 0 || days > 366 {
		writeError(w, http.StatusBadRequest, "days must be between 1 and 366")
		return
	}
	scope := store.ParseScope(q.Get("scope"))

	key := day.Format("20060102") + "/" + strconv.Itoa(days) + "/" + scope.String()
	s.occMu.RLock()
	c, ok := s.occCache[key]
	s.occMu.RUnlock()
	if ok && time.Since(c.updatedAt) < occurrencesCacheTTL {
		writeJSON(w, http.StatusOK, c.resp)
		return
	}

	resp := occurrencesResponse{
		Occurrences: []occurrenceDTO{},
		RangeStart:  day,
		Days:        days,
		Scope:       scope.String(),
	}
	s.finder.EachInRange(day, days, query.AnyType, scope, func(occ *model.Appointment) {
		resp.Occurrences = append(resp.Occurrences, toDTO(occ))
	})

	s.cacheOccurrences(key, resp, time.Now())
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cacheOccurrences(key string, resp occurrencesResponse, now time.Time) {
	s.occMu.Lock()
	defer s.occMu.Unlock()
	for k, c := range s.occCache {
		if now.Sub(c.updatedAt) >= occurrencesCacheTTL {
			delete(s.occCache, k)
		}
	}
	if len(s.occCache) >= maxCachedQueries {
		s.occCache = make(map[string]occurrencesCache)
	}
	s.occCache[key] = occurrencesCache{resp: resp, updatedAt: now}
}

// handleMonth lists the marked days of a month.
//
// GET /api/month?year=2024&month=1&scope=any
func (s *Server) handleMonth(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	now := time.Now().In(s.loc)
	year := parseIntDefault(q.Get("year"), now.Year())
	month := parseIntDefault(q.Get("month"), int(now.Month()))
	if month < 1 || month > 12 {
		writeError(w, http.StatusBadRequest, "month must be between 1 and 12")
		return
	}
	scope := store.ParseScope(q.Get("scope"))
	days := s.finder.MarkMonth(year, time.Month(month), scope, s.loc)
	if days == nil {
		days = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"year":  year,
		"month": month,
		"days":  days,
	})
}

type alarmDTO struct {
	UID    string    `json:"uid"`
	Title  string    `json:"title"`
	At     time.Time `json:"at"`
	Start  time.Time `json:"start"`
	State  string    `json:"state"`
	Repeat int       `json:"repeat,omitempty"`
}

// handleAlarms lists pending alarms in firing order.
func (s *Server) handleAlarms(w http.ResponseWriter, _ *http.Request) {
	pending := s.sched.Pending()
	out := make([]alarmDTO, 0, len(pending))
	for _, p := range pending {
		out = append(out, alarmDTO{
			UID:    p.UID,
			Title:  p.Title,
			At:     p.At,
			Start:  p.Start,
			State:  p.State.String(),
			Repeat: p.Repeat,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alarms":    out,
		"last_seen": s.sched.LastSeen(),
	})
}

func (s *Server) parseDay(v string) (time.Time, error) {
	if v == "" {
		return model.StartOfDay(time.Now().In(s.loc)), nil
	}
	t, _, err := model.ParseStamp(v, s.loc)
	if err != nil {
		return time.Time{}, err
	}
	return model.StartOfDay(t.In(s.loc)), nil
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
