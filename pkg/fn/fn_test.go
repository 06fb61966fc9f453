package fn

import (
	"context"
	"errors"
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	ok := Ok(42)
	if !ok.IsOk() || ok.IsErr() {
		t.Fatal("Ok result misreports state")
	}
	if v, err := ok.Unwrap(); v != 42 || err != nil {
		t.Fatalf("Unwrap = %d, %v", v, err)
	}

	boom := errors.New("boom")
	bad := Err[int](boom)
	if bad.IsOk() {
		t.Fatal("Err result reports ok")
	}
	if bad.UnwrapOr(7) != 7 {
		t.Fatal("UnwrapOr ignored fallback")
	}
	if _, err := bad.Map(func(n int) int { return n * 2 }).Unwrap(); !errors.Is(err, boom) {
		t.Fatal("Map should pass the error through")
	}
	if v, _ := ok.AndThen(func(n int) Result[int] { return Ok(n + 1) }).Unwrap(); v != 43 {
		t.Fatalf("AndThen = %d", v)
	}

	if v, _ := FromPair(strconv.Atoi("5")).Unwrap(); v != 5 {
		t.Fatalf("FromPair ok = %d", v)
	}
	if FromPair(strconv.Atoi("x")).IsOk() {
		t.Fatal("FromPair should carry the parse error")
	}
}

func TestCollect(t *testing.T) {
	vals, err := Collect([]Result[int]{Ok(1), Ok(2), Ok(3)}).Unwrap()
	if err != nil || !reflect.DeepEqual(vals, []int{1, 2, 3}) {
		t.Fatalf("Collect = %v, %v", vals, err)
	}
	boom := errors.New("boom")
	if _, err := Collect([]Result[int]{Ok(1), Err[int](boom)}).Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("Collect error = %v", err)
	}
}

func TestSliceHelpers(t *testing.T) {
	nums := []int{3, 1, 2, 3, 1}

	if got := Map(nums, func(n int) int { return n * 10 }); !reflect.DeepEqual(got, []int{30, 10, 20, 30, 10}) {
		t.Fatalf("Map = %v", got)
	}
	if got := Filter(nums, func(n int) bool { return n > 1 }); !reflect.DeepEqual(got, []int{3, 2, 3}) {
		t.Fatalf("Filter = %v", got)
	}
	if got := FilterMap(nums, func(n int) (string, bool) {
		return strconv.Itoa(n), n%2 == 1
	}); !reflect.DeepEqual(got, []string{"3", "1", "3", "1"}) {
		t.Fatalf("FilterMap = %v", got)
	}
	if got := Reduce(nums, 0, func(acc, n int) int { return acc + n }); got != 10 {
		t.Fatalf("Reduce = %d", got)
	}
	if got := Unique(nums); !reflect.DeepEqual(got, []int{3, 1, 2}) {
		t.Fatalf("Unique = %v", got)
	}
	if got := UniqueBy([]string{"aa", "ab", "b"}, func(s string) byte { return s[0] }); !reflect.DeepEqual(got, []string{"aa", "b"}) {
		t.Fatalf("UniqueBy = %v", got)
	}
	if got := FlatMap([]string{"a b", "c"}, strings.Fields); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("FlatMap = %v", got)
	}

	groups := GroupBy(nums, func(n int) bool { return n%2 == 0 })
	if !reflect.DeepEqual(groups[true], []int{2}) || !reflect.DeepEqual(groups[false], []int{3, 1, 3, 1}) {
		t.Fatalf("GroupBy = %v", groups)
	}
}

func TestChunk(t *testing.T) {
	got := Chunk([]int{1, 2, 3, 4, 5}, 2)
	want := [][]int{{1, 2}, {3, 4}, {5}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Chunk = %v", got)
	}
	if Chunk([]int{1}, 0) != nil {
		t.Fatal("Chunk with n=0 should return nil")
	}
}

func TestParMapPreservesOrder(t *testing.T) {
	items := make([]int, 50)
	for i := range items {
		items[i] = i
	}
	var inFlight, peak atomic.Int32
	got := ParMap(items, 4, func(n int) int {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return n * 2
	})
	for i, v := range got {
		if v != i*2 {
			t.Fatalf("got[%d] = %d", i, v)
		}
	}
	if peak.Load() > 4 {
		t.Fatalf("concurrency peaked at %d, bound is 4", peak.Load())
	}
}

func TestFanOut(t *testing.T) {
	got := FanOut(
		func() int { return 1 },
		func() int { return 2 },
	)
	if !reflect.DeepEqual(got, []int{1, 2}) {
		t.Fatalf("FanOut = %v", got)
	}

	boom := errors.New("boom")
	res := FanOutResult(
		func() Result[int] { return Ok(1) },
		func() Result[int] { return Err[int](boom) },
	)
	if _, err := res.Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("FanOutResult error = %v", err)
	}
}

func TestRetryEventuallySucceeds(t *testing.T) {
	attempts := 0
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}
	res := Retry(context.Background(), opts, func(context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Errf[int]("attempt %d", attempts)
		}
		return Ok(99)
	})
	if v, err := res.Unwrap(); err != nil || v != 99 {
		t.Fatalf("retry = %d, %v", v, err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d", attempts)
	}
}

func TestRetryExhausts(t *testing.T) {
	opts := RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	res := Retry(context.Background(), opts, func(context.Context) Result[int] {
		return Errf[int]("always failing")
	})
	if res.IsOk() {
		t.Fatal("retry should exhaust and fail")
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	opts := RetryOpts{MaxAttempts: 100, InitialWait: 10 * time.Millisecond, MaxWait: 10 * time.Millisecond}
	res := Retry(ctx, opts, func(context.Context) Result[int] {
		attempts++
		cancel()
		return Errf[int]("failing")
	})
	if _, err := res.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v", err)
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1", attempts)
	}
}

func TestPipeline(t *testing.T) {
	double := MapStage(func(n int) int { return n * 2 })
	inc := MapStage(func(n int) int { return n + 1 })
	v, err := Pipeline(double, inc)(context.Background(), 5).Unwrap()
	if err != nil || v != 11 {
		t.Fatalf("pipeline = %d, %v", v, err)
	}

	boom := errors.New("boom")
	failing := func(context.Context, int) Result[int] { return Err[int](boom) }
	if _, err := Pipeline(double, failing, inc)(context.Background(), 5).Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("pipeline error = %v", err)
	}
}

func TestThenShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	first := func(context.Context, int) Result[string] { return Err[string](boom) }
	ran := false
	second := func(_ context.Context, s string) Result[int] {
		ran = true
		return Ok(len(s))
	}
	if _, err := Then(first, second)(context.Background(), 1).Unwrap(); !errors.Is(err, boom) {
		t.Fatalf("error = %v", err)
	}
	if ran {
		t.Fatal("second stage ran after first failed")
	}
}

func TestBatchStage(t *testing.T) {
	stage := MapStage(func(n int) string { return strconv.Itoa(n) })
	got, err := BatchStage(2, stage)(context.Background(), []int{1, 2, 3}).Unwrap()
	if err != nil || !reflect.DeepEqual(got, []string{"1", "2", "3"}) {
		t.Fatalf("batch = %v, %v", got, err)
	}
}

func TestTapStage(t *testing.T) {
	seen := 0
	tap := TapStage(func(_ context.Context, n int) { seen = n })
	if v, _ := tap(context.Background(), 7).Unwrap(); v != 7 || seen != 7 {
		t.Fatalf("tap = %d, seen = %d", v, seen)
	}
}
