package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"musicsync/storage"
)

func TestDoSpacesDispatches(t *testing.T) {
	th := New(40*time.Millisecond, time.Millisecond, 3, nil)
	defer th.Stop()

	var mu sync.Mutex
	var stamps []time.Time
	op := func(ctx context.Context) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := th.Do(context.Background(), op); err != nil {
				t.Errorf("Do: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(stamps) != 3 {
		t.Fatalf("dispatched %d ops, want 3", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i].Sub(stamps[i-1]); gap < 35*time.Millisecond {
			t.Fatalf("gap between dispatch %d and %d = %s, want >= interval", i-1, i, gap)
		}
	}
}

func TestDoRetriesOnRateLimit(t *testing.T) {
	th := New(time.Millisecond, 10*time.Millisecond, 3, nil)
	defer th.Stop()

	var attempts int32
	op := func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) <= 2 {
			return &storage.RateLimitError{}
		}
		return nil
	}

	start := time.Now()
	if err := th.Do(context.Background(), op); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("attempts = %d, want 3", got)
	}
	// 两次退避等待，每次 10ms
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("elapsed = %s, want >= 2x retry wait", elapsed)
	}
}

func TestDoSucceedsAfterThreeRateLimits(t *testing.T) {
	th := New(time.Millisecond, time.Millisecond, 3, nil)
	defer th.Stop()

	var attempts int32
	op := func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) <= 3 {
			return &storage.RateLimitError{}
		}
		return nil
	}

	if err := th.Do(context.Background(), op); err != nil {
		t.Fatalf("Do: %v, three rate limits then success must not surface an error", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	th := New(time.Millisecond, time.Millisecond, 3, nil)
	defer th.Stop()

	var attempts int32
	op := func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return &storage.RateLimitError{}
	}

	err := th.Do(context.Background(), op)
	if _, limited := storage.IsRateLimited(err); !limited {
		t.Fatalf("err = %v, want rate limit error", err)
	}
	// 初次尝试加三次重试
	if got := atomic.LoadInt32(&attempts); got != 4 {
		t.Fatalf("attempts = %d, want 4", got)
	}
}

func TestDoHonorsServerSuggestedWait(t *testing.T) {
	th := New(time.Millisecond, time.Millisecond, 2, nil)
	defer th.Stop()

	var attempts int32
	op := func(ctx context.Context) error {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return &storage.RateLimitError{RetryAfter: 30 * time.Millisecond}
		}
		return nil
	}

	start := time.Now()
	if err := th.Do(context.Background(), op); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed = %s, server suggested wait not honored", elapsed)
	}
}

func TestAuthFailureSignalsDisconnectWithoutRetry(t *testing.T) {
	var disconnects int32
	th := New(time.Millisecond, time.Millisecond, 3, func() {
		atomic.AddInt32(&disconnects, 1)
	})
	defer th.Stop()

	var attempts int32
	op := func(ctx context.Context) error {
		atomic.AddInt32(&attempts, 1)
		return storage.ErrAuthenticationRequired
	}

	err := th.Do(context.Background(), op)
	if !errors.Is(err, storage.ErrAuthenticationRequired) {
		t.Fatalf("err = %v, want authentication error", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts = %d, auth failures must not be retried", got)
	}
	if got := atomic.LoadInt32(&disconnects); got != 1 {
		t.Fatalf("disconnect callback fired %d times, want 1", got)
	}
}

func TestDoAfterStopReturnsErrStopped(t *testing.T) {
	th := New(time.Millisecond, time.Millisecond, 3, nil)
	th.Stop()
	th.Stop()

	err := th.Do(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestDoRespectsCanceledContext(t *testing.T) {
	th := New(time.Millisecond, time.Hour, 3, nil)
	defer th.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := th.Do(ctx, func(ctx context.Context) error {
		return &storage.RateLimitError{}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
