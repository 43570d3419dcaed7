package server

import (
	"context"
	"sync"
	"time"

	"musicsync/core/preload"
	"musicsync/logger"
	"musicsync/model"
)

// PlayerSessionManager 管理每个用户的预加载引擎
// 一个用户同一时刻只有一个活跃会话，重复初始化会先销毁旧引擎
type PlayerSessionManager struct {
	origin      preload.Origin
	streamCache preload.StreamCache
	prober      preload.URLProber
	strategy    model.PreloadStrategy
	linkTTL     time.Duration

	mu      sync.Mutex
	engines map[int64]*preload.Engine
}

// NewPlayerSessionManager 创建会话管理器
func NewPlayerSessionManager(origin preload.Origin, streamCache preload.StreamCache, prober preload.URLProber, strategy model.PreloadStrategy, linkTTL time.Duration) *PlayerSessionManager {
	return &PlayerSessionManager{
		origin:      origin,
		streamCache: streamCache,
		prober:      prober,
		strategy:    strategy,
		linkTTL:     linkTTL,
		engines:     make(map[int64]*preload.Engine),
	}
}

// InitSession 为用户创建新的播放会话并初始化播放列表
func (m *PlayerSessionManager) InitSession(ctx context.Context, userID int64, tracks []model.Track, startIndex int) (*preload.Engine, error) {
	m.mu.Lock()
	if old, ok := m.engines[userID]; ok {
		old.Destroy()
		logger.Debug("旧播放会话已销毁", logger.Int64("userId", userID))
	}
	engine := preload.NewEngine(m.origin, m.streamCache, m.prober, m.strategy, m.linkTTL)
	m.engines[userID] = engine
	m.mu.Unlock()

	if err := engine.InitializePlaylist(ctx, tracks, startIndex, userID); err != nil {
		m.Teardown(userID)
		return nil, err
	}
	return engine, nil
}

// Get 返回用户的活跃引擎
func (m *PlayerSessionManager) Get(userID int64) (*preload.Engine, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	engine, ok := m.engines[userID]
	return engine, ok
}

// Teardown 销毁并移除用户会话，无会话时为空操作
func (m *PlayerSessionManager) Teardown(userID int64) {
	m.mu.Lock()
	engine, ok := m.engines[userID]
	delete(m.engines, userID)
	m.mu.Unlock()

	if ok {
		engine.Destroy()
		logger.Info("播放会话已关闭", logger.Int64("userId", userID))
	}
}

// Shutdown 销毁所有会话，服务停机时调用
func (m *PlayerSessionManager) Shutdown() {
	m.mu.Lock()
	engines := m.engines
	m.engines = make(map[int64]*preload.Engine)
	m.mu.Unlock()

	for userID, engine := range engines {
		engine.Destroy()
		logger.Debug("播放会话已随服务关闭", logger.Int64("userId", userID))
	}
}
