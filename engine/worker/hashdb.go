package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// HashEntry records one processed document in the local hash database.
type HashEntry struct {
	Document      string          `json:"document"`
	IPFSHash      string          `json:"ipfs_hash,omitempty"`
	ContentHash   string          `json:"content_hash,omitempty"`
	Timestamp     string          `json:"timestamp"`
	Synced        bool            `json:"synced"`
	SyncTimestamp string          `json:"sync_timestamp,omitempty"`
	Analysis      json.RawMessage `json:"analysis,omitempty"`
}

type hashFile struct {
	Documents []HashEntry `json:"documents"`
}

// HashDB is the local document hash database (data/ipfs_hashes.json). It
// tracks which documents were processed and whether each was synced to the
// web endpoint, so failed syncs retry on later monitor passes.
type HashDB struct {
	path string

	mu      sync.Mutex
	entries []HashEntry
	index   map[string]int // document name -> entries index
}

// OpenHashDB loads the database at path, starting empty when missing.
func OpenHashDB(path string) (*HashDB, error) {
	db := &HashDB{path: path, index: make(map[string]int)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return db, nil
	}
	if err != nil {
		return nil, fmt.Errorf("worker: read hash db: %w", err)
	}
	var f hashFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("worker: decode hash db: %w", err)
	}
	db.entries = f.Documents
	for i, e := range db.entries {
		db.index[e.Document] = i
	}
	return db, nil
}

// Upsert inserts or replaces the entry for its document name and saves.
func (db *HashDB) Upsert(e HashEntry) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	if i, ok := db.index[e.Document]; ok {
		db.entries[i] = e
	} else {
		db.index[e.Document] = len(db.entries)
		db.entries = append(db.entries, e)
	}
	return db.saveLocked()
}

// MarkSynced flags a document as synced and saves.
func (db *HashDB) MarkSynced(document string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	i, ok := db.index[document]
	if !ok {
		return fmt.Errorf("worker: hash db has no entry for %s", document)
	}
	db.entries[i].Synced = true
	db.entries[i].SyncTimestamp = time.Now().UTC().Format(time.RFC3339)
	return db.saveLocked()
}

// Has reports whether a document name is recorded.
func (db *HashDB) Has(document string) bool {
	db.mu.Lock()
	defer db.mu.Unlock()
	_, ok := db.index[document]
	return ok
}

// Unsynced returns the entries still awaiting a successful web sync.
func (db *HashDB) Unsynced() []HashEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []HashEntry
	for _, e := range db.entries {
		if !e.Synced {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of all entries.
func (db *HashDB) Entries() []HashEntry {
	db.mu.Lock()
	defer db.mu.Unlock()
	out := make([]HashEntry, len(db.entries))
	copy(out, db.entries)
	return out
}

func (db *HashDB) saveLocked() error {
	data, err := json.MarshalIndent(hashFile{Documents: db.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("worker: encode hash db: %w", err)
	}
	dir := filepath.Dir(db.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("worker: hash db dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".hashes-*")
	if err != nil {
		return fmt.Errorf("worker: hash db temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("worker: hash db write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("worker: hash db close: %w", err)
	}
	if err := os.Rename(name, db.path); err != nil {
		os.Remove(name)
		return fmt.Errorf("worker: hash db rename: %w", err)
	}
	return nil
}
