package preload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"musicsync/model"
	"musicsync/storage"
)

type fakeOrigin struct {
	mu              sync.Mutex
	authenticated   bool
	persistentURLs  map[string]string
	tempErr         error
	tempDelay       time.Duration
	tempCalls       int
	persistentCalls int
	inFlight        int
	maxInFlight     int
	seq             int
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{authenticated: true, persistentURLs: make(map[string]string)}
}

func (f *fakeOrigin) IsAuthenticated(ctx context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeOrigin) GetPersistentSharedLink(ctx context.Context, objectPath string) (string, error) {
	f.mu.Lock()
	f.persistentCalls++
	url, ok := f.persistentURLs[objectPath]
	f.mu.Unlock()
	if !ok {
		return "", storage.ErrSharedLinkUnsupported
	}
	return url, nil
}

func (f *fakeOrigin) GetTemporaryStreamLink(ctx context.Context, objectPath string) (string, error) {
	f.mu.Lock()
	f.tempCalls++
	f.seq++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := f.tempDelay
	err := f.tempErr
	seq := f.seq
	f.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://origin.example/stream/%s?v=%d", objectPath, seq), nil
}

func (f *fakeOrigin) tempCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tempCalls
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]*model.StreamURLCacheEntry
	getErr  error
	updates int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]*model.StreamURLCacheEntry)}
}

func (f *fakeCache) GetStreamURL(ctx context.Context, userID int64, trackID string) (*model.StreamURLCacheEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.entries[trackID], nil
}

func (f *fakeCache) UpdateStreamURL(ctx context.Context, userID int64, trackID, url string, persistent bool, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	entry := &model.StreamURLCacheEntry{UserID: userID, TrackID: trackID, URL: url, Persistent: persistent}
	if !persistent {
		expiresAt := time.Now().Add(ttl)
		entry.ExpiresAt = &expiresAt
	}
	f.entries[trackID] = entry
	return nil
}

type fakeProber struct {
	mu      sync.Mutex
	deadURL string
	probes  int
}

func (f *fakeProber) Probe(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if url == f.deadURL {
		return errors.New("probe returned status 403")
	}
	return nil
}

func makeTracks(n int) []model.Track {
	tracks := make([]model.Track, n)
	for i := range tracks {
		tracks[i] = model.Track{
			ID:   fmt.Sprintf("track-%d", i+1),
			Path: fmt.Sprintf("Library/Artist - Song %d.flac", i+1),
		}
	}
	return tracks
}

func newTestEngine(origin Origin, cache StreamCache, prober URLProber, strategy model.PreloadStrategy) *Engine {
	e := NewEngine(origin, cache, prober, strategy, 4*time.Hour)
	e.pollInterval = 5 * time.Millisecond
	e.waitTimeout = 300 * time.Millisecond
	return e
}

func (e *Engine) taskSnapshot(trackID string) (model.PreloadTask, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	task, ok := e.tasks[trackID]
	if !ok {
		return model.PreloadTask{}, false
	}
	return *task, true
}

func (e *Engine) setTask(task model.PreloadTask) {
	e.mu.Lock()
	defer e.mu.Unlock()
	copied := task
	e.tasks[task.TrackID] = &copied
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestInitializePlaylistPreloadsWindows(t *testing.T) {
	origin := newFakeOrigin()
	strategy := model.PreloadStrategy{
		ImmediatePreloadCount:  3,
		BackgroundPreloadCount: 5,
		MaxConcurrentPreloads:  2,
		URLValidationInterval:  time.Hour,
	}
	e := newTestEngine(origin, nil, nil, strategy)
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(10), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}

	// 紧邻窗口在调用返回前同步就绪
	for _, id := range []string{"track-2", "track-3", "track-4"} {
		task, ok := e.taskSnapshot(id)
		if !ok {
			t.Fatalf("expected task for %s", id)
		}
		if task.Status != model.PreloadReady {
			t.Fatalf("task %s: status = %s, want ready", id, task.Status)
		}
		if task.URL == "" {
			t.Fatalf("task %s: empty URL", id)
		}
	}

	// 后台窗口由工作协程异步消费
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Ready == 5
	})
	for _, id := range []string{"track-5", "track-6"} {
		if _, ok := e.taskSnapshot(id); !ok {
			t.Fatalf("expected background task for %s", id)
		}
	}
	if _, ok := e.taskSnapshot("track-7"); ok {
		t.Fatal("track-7 is outside both windows, should not be tracked")
	}
}

func TestTaskCreationIdempotent(t *testing.T) {
	origin := newFakeOrigin()
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(5), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Ready == 4
	})
	calls := origin.tempCallCount()

	// 再次触发窗口预加载不得产生新的源站请求
	e.ResumePreloading(context.Background())
	time.Sleep(50 * time.Millisecond)
	if got := origin.tempCallCount(); got != calls {
		t.Fatalf("origin calls = %d after resume, want %d", got, calls)
	}
}

func TestMoveToTrackAdvancesWindowAndEvictsStale(t *testing.T) {
	origin := newFakeOrigin()
	strategy := model.PreloadStrategy{
		ImmediatePreloadCount:  2,
		BackgroundPreloadCount: 3,
		MaxConcurrentPreloads:  2,
		URLValidationInterval:  time.Hour,
	}
	e := newTestEngine(origin, nil, nil, strategy)
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(10), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Ready == 3
	})

	// 模拟一条早已离开窗口的陈旧低优先级任务
	e.setTask(model.PreloadTask{
		TrackID:   "track-2",
		Priority:  model.PriorityLow,
		Status:    model.PreloadReady,
		URL:       "https://origin.example/old",
		UpdatedAt: time.Now().Add(-11 * time.Minute),
	})

	if err := e.MoveToTrack(context.Background(), 6); err != nil {
		t.Fatalf("MoveToTrack: %v", err)
	}

	for _, id := range []string{"track-8", "track-9"} {
		task, ok := e.taskSnapshot(id)
		if !ok || task.Status != model.PreloadReady {
			t.Fatalf("expected ready task for %s after move", id)
		}
	}
	if _, ok := e.taskSnapshot("track-2"); ok {
		t.Fatal("stale low priority task should have been evicted")
	}
	if got := e.GetStatus().CurrentIndex; got != 6 {
		t.Fatalf("CurrentIndex = %d, want 6", got)
	}
}

func TestConcurrentPreloadsBounded(t *testing.T) {
	origin := newFakeOrigin()
	origin.tempDelay = 30 * time.Millisecond
	strategy := model.PreloadStrategy{
		ImmediatePreloadCount:  0,
		BackgroundPreloadCount: 6,
		MaxConcurrentPreloads:  2,
		URLValidationInterval:  time.Hour,
	}
	e := newTestEngine(origin, nil, nil, strategy)
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(8), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	waitUntil(t, 2*time.Second, func() bool {
		return e.GetStatus().Ready == 6
	})

	origin.mu.Lock()
	max := origin.maxInFlight
	origin.mu.Unlock()
	if max > 2 {
		t.Fatalf("max in-flight preloads = %d, want <= 2", max)
	}
}

func TestGetValidatedStreamURLReadyHit(t *testing.T) {
	origin := newFakeOrigin()
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	e.setTask(model.PreloadTask{
		TrackID:   "track-1",
		Status:    model.PreloadReady,
		URL:       "https://origin.example/ready",
		ExpiresAt: time.Now().Add(time.Hour),
		UpdatedAt: time.Now(),
	})

	url, err := e.GetValidatedStreamURL(context.Background(), "track-1", "Library/a.flac")
	if err != nil {
		t.Fatalf("GetValidatedStreamURL: %v", err)
	}
	if url != "https://origin.example/ready" {
		t.Fatalf("url = %q", url)
	}
	if origin.tempCallCount() != 0 {
		t.Fatal("ready hit must not touch the origin")
	}
}

func TestGetValidatedStreamURLWaitsForLoading(t *testing.T) {
	origin := newFakeOrigin()
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	e.setTask(model.PreloadTask{
		TrackID:   "track-1",
		Status:    model.PreloadLoading,
		UpdatedAt: time.Now(),
	})

	go func() {
		time.Sleep(30 * time.Millisecond)
		e.setTask(model.PreloadTask{
			TrackID:   "track-1",
			Status:    model.PreloadReady,
			URL:       "https://origin.example/late",
			ExpiresAt: time.Now().Add(time.Hour),
			UpdatedAt: time.Now(),
		})
	}()

	url, err := e.GetValidatedStreamURL(context.Background(), "track-1", "Library/a.flac")
	if err != nil {
		t.Fatalf("GetValidatedStreamURL: %v", err)
	}
	if url != "https://origin.example/late" {
		t.Fatalf("url = %q, want the awaited preload result", url)
	}
	if origin.tempCallCount() != 0 {
		t.Fatal("awaited preload must not trigger a direct fetch")
	}
}

func TestGetValidatedStreamURLExpiredTaskRefetches(t *testing.T) {
	origin := newFakeOrigin()
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	e.setTask(model.PreloadTask{
		TrackID:   "track-1",
		Status:    model.PreloadReady,
		URL:       "https://origin.example/expired",
		ExpiresAt: time.Now().Add(-time.Minute),
		UpdatedAt: time.Now(),
	})

	url, err := e.GetValidatedStreamURL(context.Background(), "track-1", "Library/a.flac")
	if err != nil {
		t.Fatalf("GetValidatedStreamURL: %v", err)
	}
	if url == "https://origin.example/expired" {
		t.Fatal("expired URL must never be handed out")
	}
	if origin.tempCallCount() != 1 {
		t.Fatalf("origin calls = %d, want exactly 1", origin.tempCallCount())
	}

	task, ok := e.taskSnapshot("track-1")
	if !ok || task.Status != model.PreloadReady || task.URL != url {
		t.Fatalf("task not updated after direct fetch: %+v", task)
	}
}

func TestDirectFetchFallbackChain(t *testing.T) {
	t.Run("cache hit skips origin", func(t *testing.T) {
		origin := newFakeOrigin()
		cache := newFakeCache()
		expiresAt := time.Now().Add(time.Hour)
		cache.entries["track-1"] = &model.StreamURLCacheEntry{
			UserID: 1, TrackID: "track-1",
			URL: "https://origin.example/cached", ExpiresAt: &expiresAt,
		}
		e := newTestEngine(origin, cache, nil, model.DefaultPreloadStrategy())
		defer e.Destroy()

		url, err := e.GetValidatedStreamURL(context.Background(), "track-1", "Library/a.flac")
		if err != nil {
			t.Fatalf("GetValidatedStreamURL: %v", err)
		}
		if url != "https://origin.example/cached" {
			t.Fatalf("url = %q", url)
		}
		if origin.tempCallCount() != 0 || origin.persistentCalls != 0 {
			t.Fatal("cache hit must not touch the origin")
		}
	})

	t.Run("persistent link preferred over temporary", func(t *testing.T) {
		origin := newFakeOrigin()
		origin.persistentURLs["Library/a.flac"] = "https://share.example/a"
		cache := newFakeCache()
		e := newTestEngine(origin, cache, nil, model.DefaultPreloadStrategy())
		defer e.Destroy()

		url, err := e.GetValidatedStreamURL(context.Background(), "track-1", "Library/a.flac")
		if err != nil {
			t.Fatalf("GetValidatedStreamURL: %v", err)
		}
		if url != "https://share.example/a" {
			t.Fatalf("url = %q", url)
		}
		if origin.tempCallCount() != 0 {
			t.Fatal("temporary link must not be fetched when a persistent link exists")
		}
		entry := cache.entries["track-1"]
		if entry == nil || !entry.Persistent || entry.ExpiresAt != nil {
			t.Fatalf("persistent link not cached correctly: %+v", entry)
		}
	})

	t.Run("cache failure degrades to miss", func(t *testing.T) {
		origin := newFakeOrigin()
		cache := newFakeCache()
		cache.getErr = errors.New("connection refused")
		e := newTestEngine(origin, cache, nil, model.DefaultPreloadStrategy())
		defer e.Destroy()

		url, err := e.GetValidatedStreamURL(context.Background(), "track-1", "Library/a.flac")
		if err != nil {
			t.Fatalf("GetValidatedStreamURL: %v", err)
		}
		if url == "" {
			t.Fatal("expected a temporary link despite cache failure")
		}
		if origin.tempCallCount() != 1 {
			t.Fatalf("origin calls = %d, want exactly 1", origin.tempCallCount())
		}
	})
}

func TestValidationSweepRecoversDeadURL(t *testing.T) {
	origin := newFakeOrigin()
	prober := &fakeProber{deadURL: "https://origin.example/dead"}
	strategy := model.DefaultPreloadStrategy()
	e := newTestEngine(origin, newFakeCache(), prober, strategy)
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(3), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Ready == 2
	})

	e.setTask(model.PreloadTask{
		TrackID:   "track-2",
		Priority:  model.PriorityImmediate,
		Status:    model.PreloadReady,
		URL:       "https://origin.example/dead",
		UpdatedAt: time.Now(),
	})
	before := origin.tempCallCount()

	e.runValidationSweep(context.Background())

	task, ok := e.taskSnapshot("track-2")
	if !ok {
		t.Fatal("task disappeared during validation")
	}
	if task.Status != model.PreloadReady {
		t.Fatalf("status = %s, want ready after refetch", task.Status)
	}
	if task.URL == "https://origin.example/dead" {
		t.Fatal("dead URL should have been replaced")
	}
	if got := origin.tempCallCount(); got != before+1 {
		t.Fatalf("origin calls = %d, want %d", got, before+1)
	}
}

func TestValidationSweepRetriesFailedTaskOnce(t *testing.T) {
	origin := newFakeOrigin()
	origin.tempErr = errors.New("backend unavailable")
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(3), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Failed == 2
	})

	e.setTask(model.PreloadTask{
		TrackID:   "track-2",
		Priority:  model.PriorityImmediate,
		Status:    model.PreloadFailed,
		Error:     "backend unavailable",
		UpdatedAt: time.Now().Add(-6 * time.Minute),
	})
	before := origin.tempCallCount()

	e.runValidationSweep(context.Background())
	if got := origin.tempCallCount(); got != before+1 {
		t.Fatalf("origin calls = %d, want %d after first retry", got, before+1)
	}
	task, _ := e.taskSnapshot("track-2")
	if task.Status != model.PreloadFailed || !task.Retried {
		t.Fatalf("task = %+v, want failed with retry mark", task)
	}

	// 已重试过的失败任务不再自动重试
	e.setTask(model.PreloadTask{
		TrackID:   "track-2",
		Status:    model.PreloadFailed,
		Retried:   true,
		UpdatedAt: time.Now().Add(-6 * time.Minute),
	})
	before = origin.tempCallCount()
	e.runValidationSweep(context.Background())
	if got := origin.tempCallCount(); got != before {
		t.Fatalf("origin calls = %d, retried task must not be retried again", got)
	}
}

func TestUnauthenticatedInitializeDefersPreloading(t *testing.T) {
	origin := newFakeOrigin()
	origin.authenticated = false
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(5), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	if origin.tempCallCount() != 0 {
		t.Fatal("no origin activity expected while unauthenticated")
	}
	if status := e.GetStatus(); status.Ready+status.Loading+status.Queued != 0 {
		t.Fatalf("no tasks expected while unauthenticated, got %+v", status)
	}

	origin.mu.Lock()
	origin.authenticated = true
	origin.mu.Unlock()

	e.ResumePreloading(context.Background())
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Ready == 4
	})
}

func TestDestroyIsIdempotent(t *testing.T) {
	origin := newFakeOrigin()
	e := newTestEngine(origin, nil, nil, model.DefaultPreloadStrategy())

	if err := e.InitializePlaylist(context.Background(), makeTracks(5), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}

	e.Destroy()
	e.Destroy()

	if status := e.GetStatus(); status.Ready+status.Loading+status.Queued+status.Failed != 0 {
		t.Fatalf("task table not cleared: %+v", status)
	}
	if err := e.InitializePlaylist(context.Background(), makeTracks(3), 0, 1); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("InitializePlaylist after destroy: err = %v, want ErrDestroyed", err)
	}
}

func TestRefreshNearbyURLsRebuildsTasks(t *testing.T) {
	origin := newFakeOrigin()
	cache := newFakeCache()
	expiresAt := time.Now().Add(time.Hour)
	cache.entries["track-2"] = &model.StreamURLCacheEntry{
		UserID: 1, TrackID: "track-2",
		URL: "https://origin.example/stale", ExpiresAt: &expiresAt,
	}
	e := newTestEngine(origin, cache, nil, model.DefaultPreloadStrategy())
	defer e.Destroy()

	if err := e.InitializePlaylist(context.Background(), makeTracks(5), 0, 1); err != nil {
		t.Fatalf("InitializePlaylist: %v", err)
	}
	waitUntil(t, time.Second, func() bool {
		return e.GetStatus().Ready == 4
	})

	e.RefreshNearbyURLs(context.Background(), 1)

	task, ok := e.taskSnapshot("track-2")
	if !ok || task.Status != model.PreloadReady {
		t.Fatalf("expected rebuilt ready task, got %+v", task)
	}
	// 刷新路径必须绕过持久缓存取新链接
	if task.URL == "https://origin.example/stale" {
		t.Fatal("refresh must bypass the persistent cache")
	}
	if task.Priority != model.PriorityHigh {
		t.Fatalf("priority = %s, want high", task.Priority)
	}
}
