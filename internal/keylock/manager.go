// Package keylock implements the Key-Level Lock Manager (spec §4.C):
// short-lived, refcounted locks keyed by record key bytes, acquired in
// sorted order to avoid deadlock across overlapping batches.
package keylock

import (
	"bytes"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/KaiSernLim/venice/internal/logging"
)

type entry struct {
	mu       sync.Mutex
	refcount int
}

// Manager is the globally shared, concurrent, refcount-safe key-lock
// table (spec §3 "Key-lock table").
type Manager struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *logging.Logger
}

func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*entry),
		log:     logging.New("keylock"),
	}
}

// Handle is the owned_handle returned by AcquireMany/AcquireOne: the
// locked keys in acquisition order, plus a correlation id for tracing.
type Handle struct {
	ID   uuid.UUID
	keys [][]byte
}

// AcquireMany deduplicates keys, sorts them by byte order, and acquires
// each lock in that order (spec §4.C).
func (m *Manager) AcquireMany(keys [][]byte) *Handle {
	unique := dedupe(keys)
	sort.Slice(unique, func(i, j int) bool {
		return bytes.Compare(unique[i], unique[j]) < 0
	})

	h := &Handle{ID: uuid.New(), keys: unique}
	for _, k := range unique {
		m.lockOne(k)
	}
	m.log.Debug("acquired %d key locks [handle=%s]", len(unique), h.ID)
	return h
}

// Release releases the handle's locks in reverse acquisition order.
func (m *Manager) Release(h *Handle) {
	for i := len(h.keys) - 1; i >= 0; i-- {
		m.unlockOne(h.keys[i])
	}
	m.log.Debug("released %d key locks [handle=%s]", len(h.keys), h.ID)
}

// AcquireOne is the single-key variant used by the A/A path (spec §4.C).
func (m *Manager) AcquireOne(key []byte) *Handle {
	m.lockOne(key)
	return &Handle{ID: uuid.New(), keys: [][]byte{key}}
}

// ReleaseOne releases a handle obtained from AcquireOne.
func (m *Manager) ReleaseOne(h *Handle) {
	for _, k := range h.keys {
		m.unlockOne(k)
	}
}

func (m *Manager) lockOne(key []byte) {
	e := m.getOrCreate(key)
	e.mu.Lock()
}

func (m *Manager) unlockOne(key []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[string(key)]
	if !ok {
		return
	}
	e.refcount--
	if e.refcount <= 0 {
		delete(m.entries, string(key))
	}
	// e.mu.Unlock happens while still holding m.mu so a concurrent
	// getOrCreate for the same key (which also needs m.mu) can never
	// observe a fresh entry before this unlock takes effect.
	e.mu.Unlock()
}

func (m *Manager) getOrCreate(key []byte) *entry {
	k := string(key)
	m.mu.Lock()
	e, ok := m.entries[k]
	if !ok {
		e = &entry{}
		m.entries[k] = e
	}
	e.refcount++
	m.mu.Unlock()
	return e
}

func dedupe(keys [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(keys))
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		s := string(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, k)
	}
	return out
}
