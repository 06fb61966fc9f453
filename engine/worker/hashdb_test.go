package worker

import (
	"path/filepath"
	"testing"
)

func TestHashDBRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipfs_hashes.json")

	db, err := OpenHashDB(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(db.Entries()) != 0 {
		t.Fatal("fresh db should be empty")
	}

	if err := db.Upsert(HashEntry{Document: "report.pdf", IPFSHash: "QmA", ContentHash: "abc"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := db.Upsert(HashEntry{Document: "notes.txt"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Replacing an existing document keeps a single entry.
	if err := db.Upsert(HashEntry{Document: "report.pdf", IPFSHash: "QmB", ContentHash: "abc"}); err != nil {
		t.Fatalf("upsert replace: %v", err)
	}

	reloaded, err := OpenHashDB(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	entries := reloaded.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !reloaded.Has("report.pdf") || !reloaded.Has("notes.txt") {
		t.Fatal("documents missing after reload")
	}
	for _, e := range entries {
		if e.Document == "report.pdf" && e.IPFSHash != "QmB" {
			t.Fatalf("replace lost: %+v", e)
		}
		if e.Timestamp == "" {
			t.Fatalf("timestamp not stamped: %+v", e)
		}
	}
}

func TestHashDBSyncFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipfs_hashes.json")
	db, err := OpenHashDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.Upsert(HashEntry{Document: "a.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := db.Upsert(HashEntry{Document: "b.txt"}); err != nil {
		t.Fatal(err)
	}

	if got := len(db.Unsynced()); got != 2 {
		t.Fatalf("unsynced = %d", got)
	}
	if err := db.MarkSynced("a.txt"); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	un := db.Unsynced()
	if len(un) != 1 || un[0].Document != "b.txt" {
		t.Fatalf("unsynced = %+v", un)
	}

	reloaded, err := OpenHashDB(path)
	if err != nil {
		t.Fatal(err)
	}
	un = reloaded.Unsynced()
	if len(un) != 1 || un[0].Document != "b.txt" {
		t.Fatalf("unsynced after reload = %+v", un)
	}
	if err := db.MarkSynced("missing.txt"); err == nil {
		t.Fatal("want error for unknown document")
	}
}
