package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/757built/engine/pkg/coord"
	"github.com/757built/engine/pkg/objstore"
	"github.com/757built/engine/pkg/queue"
)

// fakeStore is a controllable object store daemon.
type fakeStore struct {
	srv  *httptest.Server
	fail atomic.Bool
	adds atomic.Int64
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	f := &fakeStore{}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v0/add", func(w http.ResponseWriter, r *http.Request) {
		if f.fail.Load() {
			http.Error(w, "daemon down", http.StatusInternalServerError)
			return
		}
		f.adds.Add(1)
		fmt.Fprintf(w, `{"Hash":"QmTest%d","Size":"1"}`, f.adds.Load())
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if f.fail.Load() {
			http.Error(w, "daemon down", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{}`)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func testPool(t *testing.T, st *coord.Store, daemon *fakeStore, id string) *Pool {
	t.Helper()
	nodes := queue.NewNodes(st)
	obj := objstore.New(daemon.srv.URL, st)
	p, err := New(st, nodes, obj, Opts{
		NodeID:        id,
		Addr:          "127.0.0.1:0",
		Dir:           t.TempDir(),
		CapacityBytes: 1 << 20,
	}, slog.Default())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func testCoord(t *testing.T) *coord.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return coord.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func sourceFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.bin")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestStorePromotesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)
	p := testPool(t, st, daemon, "n1")

	src := sourceFile(t, "blueprint for the new terminal")
	e1, err := p.Store(ctx, src, map[string]string{"kind": "blueprint"}, false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if !strings.HasPrefix(e1.ID, "file_") {
		t.Errorf("id = %q, want file_ prefix", e1.ID)
	}
	if e1.State != StateStored || e1.CID == "" {
		t.Errorf("entry = %+v, want Stored with cid", e1)
	}
	if len(e1.Replicas) != 1 || e1.Replicas[0] != "n1" {
		t.Errorf("replicas = %v, want [n1]", e1.Replicas)
	}
	if e1.Metadata["kind"] != "blueprint" {
		t.Errorf("metadata = %v", e1.Metadata)
	}

	e2, err := p.Store(ctx, src, nil, false)
	if err != nil {
		t.Fatalf("store again: %v", err)
	}
	if e2.ID != e1.ID {
		t.Errorf("second store id = %s, want %s", e2.ID, e1.ID)
	}
	if daemon.adds.Load() != 1 {
		t.Errorf("daemon add called %d times, want 1", daemon.adds.Load())
	}

	path, err := p.Fetch(ctx, e1.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "blueprint for the new terminal" {
		t.Errorf("fetch content = %q, %v", got, err)
	}
}

func TestPromotionRetryAfterDaemonRecovers(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)
	daemon.fail.Store(true)
	p := testPool(t, st, daemon, "n1")

	entry, err := p.StoreBytes(ctx, []byte("queued while daemon down"), nil, false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if entry.State != StatePending {
		t.Errorf("state = %s, want Pending while daemon down", entry.State)
	}

	// Daemon still down: attempt counted, file requeued.
	n, err := p.RetryPromotions(ctx, 10)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 0 {
		t.Errorf("promoted %d with daemon down, want 0", n)
	}

	daemon.fail.Store(false)
	n, err = p.RetryPromotions(ctx, 10)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n != 1 {
		t.Fatalf("promoted %d after recovery, want 1", n)
	}
	got, err := p.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateStored || got.CID == "" {
		t.Errorf("entry = %+v, want Stored", got)
	}
}

func TestPromotionAbandonedAfterAttemptCap(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)
	daemon.fail.Store(true)
	p := testPool(t, st, daemon, "n1")

	entry, err := p.StoreBytes(ctx, []byte("never promotes"), nil, false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	for i := 0; i < maxPromoteAttempts; i++ {
		if _, err := p.RetryPromotions(ctx, 10); err != nil {
			t.Fatalf("retry %d: %v", i, err)
		}
	}
	got, err := p.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateFailed {
		t.Errorf("state = %s, want Failed after %d attempts", got.State, maxPromoteAttempts)
	}
}

func TestReplicationAndPeerFetch(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)

	peer := testPool(t, st, daemon, "n-peer")
	peerSrv := httptest.NewServer(peer.Mux())
	defer peerSrv.Close()
	peer.opts.Addr = strings.TrimPrefix(peerSrv.URL, "http://")
	if err := peer.Register(ctx); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	local := testPool(t, st, daemon, "n-local")
	local.opts.Replication = 2
	if err := local.Register(ctx); err != nil {
		t.Fatalf("register local: %v", err)
	}

	entry, err := local.StoreBytes(ctx, []byte("replicated permit scan"), nil, true)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if len(entry.Replicas) != 2 {
		t.Fatalf("replicas = %v, want both nodes", entry.Replicas)
	}

	// The peer holds a local replica it can serve on its own.
	path, err := peer.Fetch(ctx, entry.ID)
	if err != nil {
		t.Fatalf("peer fetch: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != "replicated permit scan" {
		t.Errorf("peer copy = %q, %v", got, err)
	}

	// A third node with no copy pulls from a replica.
	third := testPool(t, st, daemon, "n-third")
	if err := third.Register(ctx); err != nil {
		t.Fatalf("register third: %v", err)
	}
	if _, err := third.Fetch(ctx, entry.ID); err != nil {
		t.Fatalf("third fetch: %v", err)
	}
	after, err := third.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	found := false
	for _, r := range after.Replicas {
		if r == "n-third" {
			found = true
		}
	}
	if !found {
		t.Errorf("replicas = %v, fetch should add the puller", after.Replicas)
	}
}

func TestStoreRejectedWhenFull(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)
	p := testPool(t, st, daemon, "n1")
	p.opts.CapacityBytes = 8

	_, err := p.StoreBytes(ctx, []byte("well past the eight byte cap"), nil, false)
	if !errors.Is(err, ErrStorageFull) {
		t.Fatalf("err = %v, want ErrStorageFull", err)
	}
	used, err := p.Usage()
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 0 {
		t.Errorf("usage = %d after rejected store, want 0", used)
	}

	// The peer surface signals 507 so the sender can try another node.
	srv := httptest.NewServer(p.Mux())
	defer srv.Close()
	resp, err := http.Post(srv.URL+"/storage/store", "application/octet-stream",
		strings.NewReader("oversized replica payload"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusInsufficientStorage {
		t.Fatalf("status = %d, want 507", resp.StatusCode)
	}

	// Under the cap the same paths accept the content.
	p.opts.CapacityBytes = 1 << 20
	if _, err := p.StoreBytes(ctx, []byte("fits"), nil, false); err != nil {
		t.Fatalf("store under cap: %v", err)
	}
}

func TestCleanupKeepsLastUnreachableCopy(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)
	p := testPool(t, st, daemon, "n1")

	entry, err := p.StoreBytes(ctx, []byte("old promoted object"), nil, false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	p.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if err := p.Cleanup(ctx, 24*time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}

	// Local copy gone, entry keeps the CID so content stays reachable.
	used, err := p.Usage()
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if used != 0 {
		t.Errorf("usage after cleanup = %d, want 0", used)
	}
	got, err := p.Get(ctx, entry.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != StateStored || got.CID == "" {
		t.Errorf("entry after cleanup = %+v", got)
	}
	if len(got.Replicas) != 0 {
		t.Errorf("replicas = %v, want empty after dropping own copy", got.Replicas)
	}
}

func TestCleanupSkipsPendingAndSoleCopies(t *testing.T) {
	ctx := context.Background()
	st := testCoord(t)
	daemon := newFakeStore(t)
	daemon.fail.Store(true)
	p := testPool(t, st, daemon, "n1")

	// Pending entry with no CID: the only copy must never be deleted.
	entry, err := p.StoreBytes(ctx, []byte("unpromoted and fragile"), nil, false)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	p.now = func() time.Time { return time.Now().Add(90 * 24 * time.Hour) }
	if err := p.Cleanup(ctx, 24*time.Hour); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.opts.Dir, entry.ID)); err != nil {
		t.Fatalf("sole pending copy was deleted: %v", err)
	}
}
