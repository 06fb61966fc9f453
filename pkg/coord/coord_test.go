package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestListFIFO(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	for _, v := range []string{"a", "b", "c"} {
		if err := st.LPush(ctx, "q", v); err != nil {
			t.Fatalf("lpush: %v", err)
		}
	}

	// LPush + RPop drains oldest-first.
	var got []string
	for {
		v, ok, err := st.RPop(ctx, "q")
		if err != nil {
			t.Fatalf("rpop: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}
	want := []string{"a", "b", "c"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pop order[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBRPopTimeout(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	_, ok, err := st.BRPop(ctx, 10*time.Millisecond, "empty")
	if err != nil {
		t.Fatalf("brpop: %v", err)
	}
	if ok {
		t.Error("expected timeout on empty list")
	}
}

func TestHashRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	if err := st.HSet(ctx, "h", "status", "queued", "attempts", 1); err != nil {
		t.Fatalf("hset: %v", err)
	}
	v, err := st.HGet(ctx, "h", "status")
	if err != nil {
		t.Fatalf("hget: %v", err)
	}
	if v != "queued" {
		t.Errorf("status = %q, want queued", v)
	}

	if _, err := st.HGet(ctx, "h", "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing field error = %v, want ErrNotFound", err)
	}

	all, err := st.HGetAll(ctx, "h")
	if err != nil {
		t.Fatalf("hgetall: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("hgetall len = %d, want 2", len(all))
	}
}

func TestScanKeys(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	for _, k := range []string{"job:1", "job:2", "worker:1"} {
		if err := st.HSet(ctx, k, "x", "y"); err != nil {
			t.Fatalf("hset: %v", err)
		}
	}
	keys, err := st.ScanKeys(ctx, "job:*")
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("scan matched %d keys, want 2", len(keys))
	}
}

func TestStreamGroupReadAck(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	if err := st.EnsureGroup(ctx, "updates", "writers"); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	// Second call must tolerate BUSYGROUP.
	if err := st.EnsureGroup(ctx, "updates", "writers"); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	if _, err := st.XAdd(ctx, "updates", 1000, map[string]any{"path": "a.pdf", "data": "{}"}); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	msgs, err := st.ReadGroup(ctx, "updates", "writers", "c1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("read %d messages, want 1", len(msgs))
	}
	if msgs[0].Values["path"] != "a.pdf" {
		t.Errorf("path = %v, want a.pdf", msgs[0].Values["path"])
	}

	if err := st.Ack(ctx, "updates", "writers", msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// Acked entries are not redelivered to the group.
	again, err := st.ReadGroup(ctx, "updates", "writers", "c1", 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("readgroup again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("redelivered %d messages after ack, want 0", len(again))
	}
}
