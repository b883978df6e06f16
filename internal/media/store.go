// Package media stores attachments as content-addressed files with sidecar
// metadata and TTL-based garbage collection.
package media

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNotFound is returned for unknown content hashes.
var ErrNotFound = errors.New("media: not found")

// Sidecar is the metadata stored next to each blob.
type Sidecar struct {
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
	TTL         string    `json:"ttl"` // Go duration string; empty means store default
	Name        string    `json:"name,omitempty"`
}

// Store is the on-disk media store. Blobs are named by hex sha256 of their
// content; writes of existing content are no-ops.
type Store struct {
	dir        string
	defaultTTL time.Duration
	log        *slog.Logger
}

// NewStore opens (or creates) a store rooted at dir.
func NewStore(dir string, defaultTTL time.Duration, log *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}
	return &Store{dir: dir, defaultTTL: defaultTTL, log: log}, nil
}

func (s *Store) blobPath(hash string) string    { return filepath.Join(s.dir, hash) }
func (s *Store) sidecarPath(hash string) string { return filepath.Join(s.dir, hash+".json") }

// Put stores content and returns its hash. Re-putting existing content only
// refreshes nothing; the original sidecar stands.
func (s *Store) Put(content []byte, contentType, name string) (string, error) {
	sum := sha256.Sum256(content)
	hash := hex.EncodeToString(sum[:])

	if _, err := os.Stat(s.blobPath(hash)); err == nil {
		return hash, nil
	}

	tmp := s.blobPath(hash) + ".tmp"
	if err := os.WriteFile(tmp, content, 0o600); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, s.blobPath(hash)); err != nil {
		os.Remove(tmp)
		return "", err
	}

	sc := Sidecar{
		ContentType: contentType,
		Size:        int64(len(content)),
		CreatedAt:   time.Now().UTC(),
		Name:        name,
	}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(s.sidecarPath(hash), data, 0o600); err != nil {
		return "", err
	}
	return hash, nil
}

// PutReader streams content to a temp file, hashing as it goes, then moves it
// into place. Used by the fetcher so large downloads never live in memory.
func (s *Store) PutReader(r io.Reader, contentType, name string) (string, int64, error) {
	tmp, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return "", 0, err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, err
	}
	if err := tmp.Close(); err != nil {
		return "", 0, err
	}
	hash := hex.EncodeToString(h.Sum(nil))

	if _, err := os.Stat(s.blobPath(hash)); err == nil {
		return hash, n, nil
	}
	if err := os.Rename(tmp.Name(), s.blobPath(hash)); err != nil {
		return "", 0, err
	}
	sc := Sidecar{ContentType: contentType, Size: n, CreatedAt: time.Now().UTC(), Name: name}
	data, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return "", 0, err
	}
	if err := os.WriteFile(s.sidecarPath(hash), data, 0o600); err != nil {
		return "", 0, err
	}
	return hash, n, nil
}

// Open returns the blob and its sidecar. Caller closes the reader.
func (s *Store) Open(hash string) (io.ReadCloser, Sidecar, error) {
	sc, err := s.Stat(hash)
	if err != nil {
		return nil, Sidecar{}, err
	}
	f, err := os.Open(s.blobPath(hash))
	if os.IsNotExist(err) {
		return nil, Sidecar{}, ErrNotFound
	}
	if err != nil {
		return nil, Sidecar{}, err
	}
	return f, sc, nil
}

// Read returns the full blob content.
func (s *Store) Read(hash string) ([]byte, Sidecar, error) {
	f, sc, err := s.Open(hash)
	if err != nil {
		return nil, Sidecar{}, err
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	return data, sc, err
}

// Stat returns sidecar metadata without opening the blob.
func (s *Store) Stat(hash string) (Sidecar, error) {
	data, err := os.ReadFile(s.sidecarPath(hash))
	if os.IsNotExist(err) {
		return Sidecar{}, ErrNotFound
	}
	if err != nil {
		return Sidecar{}, err
	}
	var sc Sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return Sidecar{}, fmt.Errorf("sidecar %s corrupt: %w", hash, err)
	}
	return sc, nil
}

// GC removes expired blobs. Returns the number removed.
func (s *Store) GC(now time.Time) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		hash := strings.TrimSuffix(name, ".json")
		sc, err := s.Stat(hash)
		if err != nil {
			continue
		}
		ttl := s.defaultTTL
		if sc.TTL != "" {
			if d, err := time.ParseDuration(sc.TTL); err == nil {
				ttl = d
			}
		}
		if ttl <= 0 || sc.CreatedAt.Add(ttl).After(now) {
			continue
		}
		if err := os.Remove(s.blobPath(hash)); err != nil && !os.IsNotExist(err) {
			continue
		}
		os.Remove(s.sidecarPath(hash))
		removed++
	}
	if removed > 0 {
		s.log.Info("media.gc", "removed", removed)
	}
	return removed, nil
}

// RunGC loops GC on an hourly cadence until ctx is done.
func (s *Store) RunGC(done <-chan struct{}) {
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case now := <-t.C:
			if _, err := s.GC(now); err != nil {
				s.log.Error("media.gc_failed", "error", err)
			}
		}
	}
}
