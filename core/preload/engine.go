package preload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"musicsync/logger"
	"musicsync/model"
	"musicsync/storage"
)

// ErrDestroyed 引擎已销毁
var ErrDestroyed = errors.New("preload: engine destroyed")

// Origin 引擎消费的源站能力，通常为节流包装后的客户端
type Origin interface {
	IsAuthenticated(ctx context.Context) bool
	GetTemporaryStreamLink(ctx context.Context, objectPath string) (string, error)
	GetPersistentSharedLink(ctx context.Context, objectPath string) (string, error)
}

// StreamCache 持久播放链接缓存能力
// 任何读写失败都按缓存未命中处理，绝不致命
type StreamCache interface {
	GetStreamURL(ctx context.Context, userID int64, trackID string) (*model.StreamURLCacheEntry, error)
	UpdateStreamURL(ctx context.Context, userID int64, trackID, url string, persistent bool, ttl time.Duration) error
}

type queuedItem struct {
	track model.Track
}

// Engine 预加载引擎
// 维护一个围绕当前曲目滑动的预取窗口：紧邻窗口同步拉取、
// 后台窗口经FIFO队列由受限数量的工作协程消费；
// 定时校验已就绪链接，失效链接降级后立即重取。
// 任务表只由引擎自身修改，每首曲目至多一条任务。
type Engine struct {
	origin   Origin
	cache    StreamCache // 可为 nil
	prober   URLProber   // 可为 nil，此时跳过定时校验
	strategy model.PreloadStrategy
	linkTTL  time.Duration

	// 等待与回收参数，测试中可缩短
	waitTimeout      time.Duration
	pollInterval     time.Duration
	retention        time.Duration
	failedRetryDelay time.Duration

	mu        sync.RWMutex
	tasks     map[string]*model.PreloadTask
	playlist  []model.Track
	indexOf   map[string]int
	current   int
	userID    int64
	destroyed bool

	queue     chan queuedItem
	sem       chan struct{}
	startOnce sync.Once
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewEngine 创建预加载引擎，linkTTL 为临时链接的假定寿命
func NewEngine(origin Origin, cache StreamCache, prober URLProber, strategy model.PreloadStrategy, linkTTL time.Duration) *Engine {
	if strategy.MaxConcurrentPreloads < 1 {
		strategy.MaxConcurrentPreloads = 1
	}

	return &Engine{
		origin:           origin,
		cache:            cache,
		prober:           prober,
		strategy:         strategy,
		linkTTL:          linkTTL,
		waitTimeout:      10 * time.Second,
		pollInterval:     100 * time.Millisecond,
		retention:        10 * time.Minute,
		failedRetryDelay: 5 * time.Minute,
		tasks:            make(map[string]*model.PreloadTask),
		indexOf:          make(map[string]int),
		queue:            make(chan queuedItem, 128),
		sem:              make(chan struct{}, strategy.MaxConcurrentPreloads),
		stopChan:         make(chan struct{}),
	}
}

// start 启动工作协程与校验定时器，只执行一次
func (e *Engine) start() {
	e.startOnce.Do(func() {
		for i := 0; i < cap(e.sem); i++ {
			e.wg.Add(1)
			go e.worker()
		}
		e.wg.Add(1)
		go e.validationLoop()
	})
}

// InitializePlaylist 重置任务表并为新播放列表启动预加载
// 未认证时不产生任何网络活动，待 ResumePreloading 恢复
func (e *Engine) InitializePlaylist(ctx context.Context, tracks []model.Track, startIndex int, userID int64) error {
	if len(tracks) == 0 {
		return errors.New("preload: empty playlist")
	}
	if startIndex < 0 || startIndex >= len(tracks) {
		return fmt.Errorf("preload: start index %d out of range [0, %d)", startIndex, len(tracks))
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	e.playlist = append([]model.Track(nil), tracks...)
	e.indexOf = make(map[string]int, len(tracks))
	for i, tr := range e.playlist {
		e.indexOf[tr.ID] = i
	}
	e.current = startIndex
	e.userID = userID
	e.tasks = make(map[string]*model.PreloadTask)
	e.mu.Unlock()

	e.drainQueue()
	e.start()

	logger.Info("播放列表已初始化",
		logger.Int("trackCount", len(tracks)),
		logger.Int("startIndex", startIndex),
		logger.Int64("userId", userID))

	if !e.origin.IsAuthenticated(ctx) {
		logger.Info("未认证，预加载暂停")
		return nil
	}

	e.startPreloading(ctx)
	return nil
}

// MoveToTrack 更新当前曲目并重排预加载优先级
// 窗口外陈旧的低优先级任务在此回收以约束内存
func (e *Engine) MoveToTrack(ctx context.Context, newIndex int) error {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return ErrDestroyed
	}
	if newIndex == e.current {
		e.mu.Unlock()
		return nil
	}
	if newIndex < 0 || newIndex >= len(e.playlist) {
		e.mu.Unlock()
		return fmt.Errorf("preload: index %d out of range [0, %d)", newIndex, len(e.playlist))
	}

	e.current = newIndex
	now := time.Now()
	evicted := 0
	for id, task := range e.tasks {
		idx, tracked := e.indexOf[id]
		if !tracked {
			delete(e.tasks, id)
			continue
		}

		prio := e.priorityFor(idx - newIndex)
		if prio == model.PriorityLow && task.Priority == model.PriorityLow &&
			now.Sub(task.UpdatedAt) > e.retention {
			delete(e.tasks, id)
			evicted++
			continue
		}
		task.Priority = prio
	}
	e.mu.Unlock()

	if evicted > 0 {
		logger.Debug("陈旧预加载任务已回收", logger.Int("evicted", evicted))
	}

	if !e.origin.IsAuthenticated(ctx) {
		return nil
	}

	e.startPreloading(ctx)
	return nil
}

// GetValidatedStreamURL 播放热路径
// 就绪任务直接返回；在途任务轮询等待至多 waitTimeout；
// 其余情况走 持久缓存→源站 的直取路径，每次调用至多一次直取
func (e *Engine) GetValidatedStreamURL(ctx context.Context, trackID, trackPath string) (string, error) {
	e.mu.RLock()
	task, ok := e.tasks[trackID]
	var status model.PreloadStatus
	var url string
	var expiresAt time.Time
	if ok {
		status = task.Status
		url = task.URL
		expiresAt = task.ExpiresAt
	}
	e.mu.RUnlock()

	switch {
	case ok && status == model.PreloadReady:
		if expiresAt.IsZero() || expiresAt.After(time.Now()) {
			return url, nil
		}
		// 已知过期的链接绝不交给播放侧
		e.deleteTask(trackID)
	case ok && status == model.PreloadLoading:
		if waited, done := e.waitForTask(ctx, trackID); done {
			return waited, nil
		}
	}

	return e.directFetch(ctx, trackID, trackPath)
}

// RefreshNearbyURLs 强制刷新当前曲目附近的链接
// 播放侧收到过期信号时的显式恢复路径：删除任务后高优先级重建
func (e *Engine) RefreshNearbyURLs(ctx context.Context, radius int) {
	if radius < 0 {
		return
	}

	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	start := e.current - radius
	if start < 0 {
		start = 0
	}
	end := e.current + radius
	if end > len(e.playlist)-1 {
		end = len(e.playlist) - 1
	}
	targets := append([]model.Track(nil), e.playlist[start:end+1]...)
	for _, tr := range targets {
		delete(e.tasks, tr.ID)
	}
	e.mu.Unlock()

	logger.Info("刷新附近播放链接",
		logger.Int("radius", radius),
		logger.Int("trackCount", len(targets)))

	for _, tr := range targets {
		if e.ensureTask(tr.ID, model.PriorityHigh) {
			e.fetchTask(ctx, tr, true)
		}
	}
}

// ResumePreloading 鉴权恢复后重新启动窗口预加载
func (e *Engine) ResumePreloading(ctx context.Context) {
	e.mu.RLock()
	idle := e.destroyed || len(e.playlist) == 0
	e.mu.RUnlock()
	if idle || !e.origin.IsAuthenticated(ctx) {
		return
	}

	logger.Info("预加载已恢复")
	e.startPreloading(ctx)
}

// GetStatus 返回只读状态快照，不修改任何状态
func (e *Engine) GetStatus() model.PreloadSnapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapshot := model.PreloadSnapshot{
		CurrentIndex: e.current,
		Strategy:     e.strategy,
	}
	for _, task := range e.tasks {
		switch task.Status {
		case model.PreloadReady:
			snapshot.Ready++
		case model.PreloadLoading:
			snapshot.Loading++
		case model.PreloadFailed:
			snapshot.Failed++
		case model.PreloadPending:
			snapshot.Queued++
		}
	}
	return snapshot
}

// Destroy 停止调度并清空任务表，幂等
// 在途请求允许自然完成，其结果因任务表已清空而被丢弃
func (e *Engine) Destroy() {
	e.stopOnce.Do(func() {
		close(e.stopChan)
	})

	e.mu.Lock()
	e.destroyed = true
	e.tasks = make(map[string]*model.PreloadTask)
	e.mu.Unlock()

	e.drainQueue()
	logger.Info("预加载引擎已销毁")
}

// ---------- 内部实现 ----------

// startPreloading 同步拉取紧邻窗口（按播放顺序逐一等待），后台窗口入队
func (e *Engine) startPreloading(ctx context.Context) {
	immediate, background := e.windows()

	for _, tr := range immediate {
		e.ensureTask(tr.ID, e.priorityForTrack(tr.ID))
		e.fetchTask(ctx, tr, false)
	}

	for _, tr := range background {
		if e.ensureTask(tr.ID, model.PriorityMedium) {
			e.enqueue(tr)
		}
	}
}

// windows 计算紧邻窗口与后台窗口覆盖的曲目
func (e *Engine) windows() ([]model.Track, []model.Track) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	clamp := func(i int) int {
		if i > len(e.playlist) {
			return len(e.playlist)
		}
		return i
	}

	immStart := clamp(e.current + 1)
	immEnd := clamp(e.current + 1 + e.strategy.ImmediatePreloadCount)
	bgEnd := clamp(e.current + 1 + e.strategy.BackgroundPreloadCount)

	immediate := append([]model.Track(nil), e.playlist[immStart:immEnd]...)
	background := append([]model.Track(nil), e.playlist[immEnd:bgEnd]...)
	return immediate, background
}

// priorityFor 按与当前曲目的距离决定优先级
func (e *Engine) priorityFor(distance int) model.PreloadPriority {
	switch {
	case distance <= 0:
		return model.PriorityLow
	case distance == 1:
		return model.PriorityImmediate
	case distance <= e.strategy.ImmediatePreloadCount:
		return model.PriorityHigh
	case distance <= e.strategy.BackgroundPreloadCount:
		return model.PriorityMedium
	default:
		return model.PriorityLow
	}
}

func (e *Engine) priorityForTrack(trackID string) model.PreloadPriority {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexOf[trackID]
	if !ok {
		return model.PriorityLow
	}
	return e.priorityFor(idx - e.current)
}

// ensureTask 为曲目创建任务；已存在时不做任何事（幂等）
func (e *Engine) ensureTask(trackID string, prio model.PreloadPriority) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed {
		return false
	}
	if _, exists := e.tasks[trackID]; exists {
		return false
	}

	e.tasks[trackID] = &model.PreloadTask{
		TrackID:   trackID,
		Priority:  prio,
		Status:    model.PreloadPending,
		UpdatedAt: time.Now(),
	}
	return true
}

// fetchTask 认领 pending 任务并拉取链接
// 只有 pending→loading 的认领成功才会发起网络请求，天然防重
func (e *Engine) fetchTask(ctx context.Context, track model.Track, skipCache bool) {
	e.mu.Lock()
	task, ok := e.tasks[track.ID]
	if !ok || task.Status != model.PreloadPending {
		e.mu.Unlock()
		return
	}
	task.Status = model.PreloadLoading
	task.UpdatedAt = time.Now()
	e.mu.Unlock()

	// 占用并发槽位，销毁时放弃
	select {
	case e.sem <- struct{}{}:
	case <-e.stopChan:
		return
	}
	url, persistent, expiresAt, err := e.resolveStreamURL(ctx, track, skipCache)
	<-e.sem

	e.mu.Lock()
	defer e.mu.Unlock()

	task, ok = e.tasks[track.ID]
	if !ok {
		// 任务在途中被清除（销毁或刷新），丢弃结果
		return
	}

	task.UpdatedAt = time.Now()
	if err != nil {
		task.Status = model.PreloadFailed
		task.Error = err.Error()
		logger.Warn("预加载失败",
			logger.String("trackId", track.ID),
			logger.ErrorField(err))
		return
	}

	task.Status = model.PreloadReady
	task.URL = url
	task.Error = ""
	task.ExpiresAt = expiresAt
	logger.Debug("预加载完成",
		logger.String("trackId", track.ID),
		logger.Bool("persistent", persistent))
}

// resolveStreamURL 逐层解析播放链接：持久缓存 → 持久分享链接 → 临时链接
// 缓存读写失败一律按未命中处理；持久链接优先，不可用时回退临时链接
func (e *Engine) resolveStreamURL(ctx context.Context, track model.Track, skipCache bool) (string, bool, time.Time, error) {
	e.mu.RLock()
	userID := e.userID
	e.mu.RUnlock()

	if !skipCache && e.cache != nil {
		entry, err := e.cache.GetStreamURL(ctx, userID, track.ID)
		if err != nil {
			logger.Debug("持久缓存不可用，按未命中处理",
				logger.String("trackId", track.ID),
				logger.ErrorField(err))
		} else if entry != nil {
			var expiresAt time.Time
			if entry.ExpiresAt != nil {
				expiresAt = *entry.ExpiresAt
			}
			return entry.URL, entry.Persistent, expiresAt, nil
		}
	}

	if !e.origin.IsAuthenticated(ctx) {
		return "", false, time.Time{}, storage.ErrAuthenticationRequired
	}

	if url, err := e.origin.GetPersistentSharedLink(ctx, track.Path); err == nil {
		e.writeCache(ctx, userID, track.ID, url, true)
		return url, true, time.Time{}, nil
	} else if errors.Is(err, storage.ErrAuthenticationRequired) {
		return "", false, time.Time{}, err
	}
	// 持久链接不可用，回退临时链接

	url, err := e.origin.GetTemporaryStreamLink(ctx, track.Path)
	if err != nil {
		return "", false, time.Time{}, err
	}

	e.writeCache(ctx, userID, track.ID, url, false)
	return url, false, time.Now().Add(e.linkTTL), nil
}

// writeCache 回写持久缓存，失败只记日志
func (e *Engine) writeCache(ctx context.Context, userID int64, trackID, url string, persistent bool) {
	if e.cache == nil {
		return
	}
	if err := e.cache.UpdateStreamURL(ctx, userID, trackID, url, persistent, e.linkTTL); err != nil {
		logger.Debug("回写持久缓存失败",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
	}
}

// directFetch 绕过任务表直接解析链接，并把结果回写任务表
func (e *Engine) directFetch(ctx context.Context, trackID, trackPath string) (string, error) {
	track := model.Track{ID: trackID, Path: trackPath}
	url, _, expiresAt, err := e.resolveStreamURL(ctx, track, false)
	if err != nil {
		e.mu.Lock()
		if task, ok := e.tasks[trackID]; ok {
			task.Status = model.PreloadFailed
			task.Error = err.Error()
			task.UpdatedAt = time.Now()
		}
		e.mu.Unlock()
		return "", err
	}

	e.mu.Lock()
	if !e.destroyed {
		e.tasks[trackID] = &model.PreloadTask{
			TrackID:   trackID,
			Priority:  model.PriorityImmediate,
			Status:    model.PreloadReady,
			URL:       url,
			ExpiresAt: expiresAt,
			UpdatedAt: time.Now(),
		}
	}
	e.mu.Unlock()
	return url, nil
}

// waitForTask 轮询等待在途任务完成，超时或失败时返回 false 交给直取路径
func (e *Engine) waitForTask(ctx context.Context, trackID string) (string, bool) {
	deadline := time.After(e.waitTimeout)
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", false
		case <-e.stopChan:
			return "", false
		case <-deadline:
			logger.Warn("等待预加载超时，转直取路径",
				logger.String("trackId", trackID),
				logger.Duration("timeout", e.waitTimeout))
			return "", false
		case <-ticker.C:
			e.mu.RLock()
			task, ok := e.tasks[trackID]
			var status model.PreloadStatus
			var url string
			var expiresAt time.Time
			if ok {
				status = task.Status
				url = task.URL
				expiresAt = task.ExpiresAt
			}
			e.mu.RUnlock()

			if !ok || status == model.PreloadFailed {
				return "", false
			}
			if status == model.PreloadReady {
				if expiresAt.IsZero() || expiresAt.After(time.Now()) {
					return url, true
				}
				return "", false
			}
		}
	}
}

func (e *Engine) deleteTask(trackID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tasks, trackID)
}

func (e *Engine) trackByID(trackID string) (model.Track, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, ok := e.indexOf[trackID]
	if !ok {
		return model.Track{}, false
	}
	return e.playlist[idx], true
}

// enqueue 将后台窗口曲目放入FIFO队列，队列满时丢弃并告警
func (e *Engine) enqueue(track model.Track) {
	select {
	case e.queue <- queuedItem{track: track}:
	default:
		logger.Warn("预加载队列已满，丢弃任务", logger.String("trackId", track.ID))
	}
}

func (e *Engine) drainQueue() {
	for {
		select {
		case <-e.queue:
		default:
			return
		}
	}
}

// worker 消费后台队列；认领失败（已被同步路径处理或已清除）则直接跳过
func (e *Engine) worker() {
	defer e.wg.Done()

	for {
		select {
		case <-e.stopChan:
			return
		case item := <-e.queue:
			e.fetchTask(context.Background(), item.track, false)
		}
	}
}

// validationLoop 周期性触发链接校验
func (e *Engine) validationLoop() {
	defer e.wg.Done()

	interval := e.strategy.URLValidationInterval
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.runValidationSweep(context.Background())
		}
	}
}

// runValidationSweep 探测所有就绪任务的链接
// 失效链接降级为 pending 并立即高优先级重取（跳过持久缓存），
// 单个探测失败只影响对应任务；
// 超过延迟期的失败后台任务在此做一次性自动重试
func (e *Engine) runValidationSweep(ctx context.Context) {
	type probeTarget struct {
		trackID string
		url     string
	}

	now := time.Now()
	var targets []probeTarget
	var retryIDs []string

	e.mu.RLock()
	for id, task := range e.tasks {
		switch {
		case task.Status == model.PreloadReady && e.prober != nil:
			targets = append(targets, probeTarget{trackID: id, url: task.URL})
		case task.Status == model.PreloadFailed && !task.Retried &&
			now.Sub(task.UpdatedAt) > e.failedRetryDelay:
			retryIDs = append(retryIDs, id)
		}
	}
	e.mu.RUnlock()

	for _, target := range targets {
		if err := e.prober.Probe(ctx, target.url); err == nil {
			continue
		} else {
			logger.Warn("链接校验失败，降级重取",
				logger.String("trackId", target.trackID),
				logger.ErrorField(err))
		}

		e.mu.Lock()
		task, ok := e.tasks[target.trackID]
		claimed := ok && task.Status == model.PreloadReady && task.URL == target.url
		if claimed {
			task.Status = model.PreloadPending
			task.URL = ""
			task.Priority = model.PriorityHigh
			task.UpdatedAt = time.Now()
		}
		e.mu.Unlock()

		if !claimed {
			continue
		}
		if track, ok := e.trackByID(target.trackID); ok {
			e.fetchTask(ctx, track, true)
		}
	}

	for _, id := range retryIDs {
		track, tracked := e.trackByID(id)
		if !tracked {
			continue
		}

		e.mu.Lock()
		task, ok := e.tasks[id]
		if !ok || task.Status != model.PreloadFailed || task.Retried {
			e.mu.Unlock()
			continue
		}
		// 删除重建以通过显式刷新路径重试，且只重试一次
		e.tasks[id] = &model.PreloadTask{
			TrackID:   id,
			Priority:  task.Priority,
			Status:    model.PreloadPending,
			UpdatedAt: time.Now(),
			Retried:   true,
		}
		e.mu.Unlock()

		logger.Info("失败任务自动重试", logger.String("trackId", id))
		e.fetchTask(ctx, track, true)
	}
}
