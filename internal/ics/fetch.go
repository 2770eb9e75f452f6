package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calarm/internal/config"
	appLog "calarm/internal/log"
)

// Remote is a calendar published over HTTP and mirrored into a local file.
type Remote struct {
	// Name identifies the remote in logs.
	Name string
	URL  string
}

// FetchResult is the outcome of mirroring one remote.
type FetchResult struct {
	Remote Remote
	// Path is the local mirror; it holds the last good body.
	Path    string
	Changed bool
	// Stale is set when the network failed and the previous mirror is used.
	Stale bool
}

type mirrorMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Fetcher mirrors remote calendars into cacheDir using conditional GETs.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

// NewFetcher creates a Fetcher. timeout bounds each request; zero means
// 15 seconds.
func NewFetcher(cacheDir string, timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		client:   &http.Client{Timeout: timeout},
		cacheDir: cacheDir,
	}
}

// IsRemote reports whether a foreign calendar location is a URL rather than
// a file path.
func IsRemote(loc string) bool {
	u, err := url.Parse(loc)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// MirrorPath returns the local file a remote is mirrored to.
func (f *Fetcher) MirrorPath(rawURL string) string {
	return filepath.Join(f.dirFor(rawURL), "body.ics")
}

// Fetch refreshes the local mirror of r. A body that fails Check never
// replaces a good mirror.
func (f *Fetcher) Fetch(ctx context.Context, r Remote) (FetchResult, error) {
	res := FetchResult{Remote: r, Path: f.MirrorPath(r.URL)}
	if !IsRemote(r.URL) {
		return res, fmt.Errorf("not a remote calendar: %q", r.URL)
	}
	dir := f.dirFor(r.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return res, err
	}
	meta := f.loadMeta(dir)
	_, statErr := os.Stat(res.Path)
	haveMirror := statErr == nil

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return res, err
	}
	if haveMirror {
		if meta.ETag != "" {
			req.Header.Set("If-None-Match", meta.ETag)
		}
		if meta.LastModified != "" {
			req.Header.Set("If-Modified-Since", meta.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return f.fallback(res, haveMirror, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotModified:
		if !haveMirror {
			return res, errors.New("304 Not Modified without a local mirror")
		}
		appLog.Debug("remote calendar not modified", "name", r.Name, "url", redactURL(r.URL))
		return res, nil
	case http.StatusOK:
	default:
		return f.fallback(res, haveMirror, errors.New(resp.Status))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return f.fallback(res, haveMirror, err)
	}
	if err := Check(body); err != nil {
		return f.fallback(res, haveMirror, fmt.Errorf("bad calendar body: %w", err))
	}
	if err := config.WriteFileAtomic(res.Path, body); err != nil {
		return res, err
	}
	f.saveMeta(dir, mirrorMeta{
		URL:          r.URL,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		UpdatedAt:    time.Now().UTC(),
	})
	res.Changed = true
	appLog.Info("remote calendar fetched", "name", r.Name, "url", redactURL(r.URL), "bytes", len(body))
	return res, nil
}

func (f *Fetcher) fallback(res FetchResult, haveMirror bool, err error) (FetchResult, error) {
	if !haveMirror {
		return res, err
	}
	appLog.Error("remote calendar fetch failed, using mirror", err, "name", res.Remote.Name, "url", redactURL(res.Remote.URL))
	res.Stale = true
	return res, nil
}

func (f *Fetcher) dirFor(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadMeta(dir string) mirrorMeta {
	var meta mirrorMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return meta
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return mirrorMeta{}
	}
	return meta
}

func (f *Fetcher) saveMeta(dir string, meta mirrorMeta) {
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err == nil {
		err = config.WriteFileAtomic(filepath.Join(dir, "meta.json"), data)
	}
	if err != nil {
		appLog.Error("remote calendar meta save failed", err, "url", redactURL(meta.URL))
	}
}

// redactURL keeps scheme and host; private calendar URLs carry tokens in
// path and query.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	if strings.TrimPrefix(u.Path, "/") == "" && u.RawQuery == "" {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + "/...(redacted)"
}
