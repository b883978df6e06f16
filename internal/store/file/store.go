// Package file implements the session store on the local filesystem: one
// append-only JSONL transcript per session plus a single session index file
// updated atomically.
package file

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

const indexFile = "sessions.json"

// Store is the file-backed SessionStore.
type Store struct {
	dir string

	mu    sync.RWMutex             // guards index + locks map
	index map[string]*store.Meta   // session_key → meta
	locks map[string]*sync.RWMutex // session_key → transcript lock
	seqs  map[string]int64         // session_key → last assigned seq
}

// New opens (or creates) a store rooted at dir.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session dir: %w", err)
	}
	s := &Store{
		dir:   dir,
		index: make(map[string]*store.Meta),
		locks: make(map[string]*sync.RWMutex),
		seqs:  make(map[string]int64),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var metas []store.Meta
	if err := json.Unmarshal(data, &metas); err != nil {
		return fmt.Errorf("session index corrupt: %w", err)
	}
	for i := range metas {
		m := metas[i]
		s.index[m.Key] = &m
	}
	return nil
}

func (s *Store) saveIndexLocked() error {
	metas := make([]store.Meta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, *m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Updated.After(metas[j].Updated) })
	return writeJSONAtomic(filepath.Join(s.dir, indexFile), metas)
}

// transcriptPath hashes the key so arbitrary session keys map to safe,
// bounded file names.
func (s *Store) transcriptPath(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:16])+".jsonl")
}

func (s *Store) lockFor(key string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[key] = l
	}
	return l
}

// nextSeq returns the next sequence number, reading the transcript once when
// the session has not been touched this process lifetime.
func (s *Store) nextSeq(key string) (int64, error) {
	s.mu.Lock()
	last, ok := s.seqs[key]
	s.mu.Unlock()
	if !ok {
		events, err := readTranscript(s.transcriptPath(key))
		if err != nil {
			return 0, err
		}
		if n := len(events); n > 0 {
			last = events[n-1].Seq
		}
		s.mu.Lock()
		s.seqs[key] = last
		s.mu.Unlock()
	}
	return last + 1, nil
}

func (s *Store) Append(key string, events ...store.Event) error {
	if len(events) == 0 {
		return nil
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	seq, err := s.nextSeq(key)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range events {
		events[i].Seq = seq
		seq++
		if events[i].TS.IsZero() {
			events[i].TS = now
		}
	}
	if err := appendEvents(s.transcriptPath(key), events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key] = seq - 1
	m, ok := s.index[key]
	if !ok {
		m = &store.Meta{Key: key, Created: now}
		s.index[key] = m
	}
	m.Updated = now
	m.EventCount += len(events)
	return s.saveIndexLocked()
}

func (s *Store) Read(key string) ([]store.Event, error) {
	l := s.lockFor(key)
	l.RLock()
	defer l.RUnlock()
	return readTranscript(s.transcriptPath(key))
}

func (s *Store) Rewrite(key string, events []store.Event) error {
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	now := time.Now().UTC()
	for i := range events {
		events[i].Seq = int64(i + 1)
		if events[i].TS.IsZero() {
			events[i].TS = now
		}
	}
	if err := writeTranscript(s.transcriptPath(key), events); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs[key] = int64(len(events))
	m, ok := s.index[key]
	if !ok {
		m = &store.Meta{Key: key, Created: now}
		s.index[key] = m
	}
	m.Updated = now
	m.EventCount = len(events)
	return s.saveIndexLocked()
}

func (s *Store) Meta(key string) (store.Meta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.index[key]
	if !ok {
		return store.Meta{}, false
	}
	return *m, true
}

func (s *Store) updateMeta(key string, fn func(*store.Meta)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.index[key]
	if !ok {
		return store.ErrNotFound
	}
	fn(m)
	m.Updated = time.Now().UTC()
	return s.saveIndexLocked()
}

func (s *Store) SetOverrides(key string, o store.Overrides) error {
	return s.updateMeta(key, func(m *store.Meta) { m.Overrides = o })
}

func (s *Store) SetLabel(key, label string) error {
	return s.updateMeta(key, func(m *store.Meta) { m.Label = label })
}

func (s *Store) SetLastRoute(key, channel, account, target string) error {
	return s.updateMeta(key, func(m *store.Meta) {
		m.LastChannel, m.LastAccount, m.LastTarget = channel, account, target
	})
}

func (s *Store) SetTokenEstimate(key string, tokens int) error {
	return s.updateMeta(key, func(m *store.Meta) { m.TokenEstimate = tokens })
}

// Delete removes the session record. The transcript stays on disk unless
// purge is set.
func (s *Store) Delete(key string, purge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.index, key)
	delete(s.seqs, key)
	if purge {
		if err := os.Remove(s.transcriptPath(key)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return s.saveIndexLocked()
}

func (s *Store) List() []store.Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	metas := make([]store.Meta, 0, len(s.index))
	for _, m := range s.index {
		metas = append(metas, *m)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Updated.After(metas[j].Updated) })
	return metas
}

func (s *Store) Close() error { return nil }
