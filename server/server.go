package server

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"musicsync/cache"
	"musicsync/config"
	"musicsync/core/auth"
	"musicsync/core/preload"
	"musicsync/core/throttle"
	"musicsync/db"
	"musicsync/logger"
	"musicsync/model"
	"musicsync/repository"
	"musicsync/storage"
)

const (
	validationProbeTimeout = 5 * time.Second
	maintenanceInterval    = time.Hour
	snapshotRetention      = 24 * time.Hour
)

// Server 聚合全部运行时组件
type Server struct {
	cfg        *config.Config
	httpServer *http.Server

	storage    *storage.CloudStorage
	throttler  *throttle.Throttler
	sessions   *PlayerSessionManager
	respCache  *cache.ResponseCache
	trackRepo  repository.TrackCacheRepository
	streamRepo repository.StreamURLRepository

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewServer 装配所有组件
// 依赖顺序：存储客户端 → 节流层 → 仓库 → 会话管理 → 路由
func NewServer(cfg *config.Config) (*Server, error) {
	auth.InitJWT(cfg.JWTSecret)

	st, err := storage.NewCloudStorage(cfg)
	if err != nil {
		return nil, err
	}

	// 鉴权失败时由节流层回调，标记凭证失效
	throttler := throttle.New(cfg.MinRequestInterval, cfg.RateLimitRetryWait,
		cfg.RateLimitMaxRetries, st.MarkDisconnected)
	origin := throttle.WrapOrigin(st, throttler)

	trackRepo := repository.NewMySQLTrackCacheRepository()
	streamRepo := repository.NewGormStreamURLRepository(db.GormDB)
	userRepo := repository.NewMySQLUserRepository(db.DB)

	strategy := model.PreloadStrategy{
		ImmediatePreloadCount:  cfg.ImmediatePreloadCount,
		BackgroundPreloadCount: cfg.BackgroundPreloadCount,
		MaxConcurrentPreloads:  cfg.MaxConcurrentPreloads,
		URLValidationInterval:  cfg.URLValidationInterval,
	}
	prober := preload.NewHTTPProber(validationProbeTimeout)
	sessions := NewPlayerSessionManager(origin, streamRepo, prober, strategy, cfg.StreamLinkTTL)

	respCache := cache.NewResponseCache(5 * time.Minute)
	respCache.SetOperationTTL(cache.OpListFolder, 10*time.Minute)

	handler := NewAPIHandler(cfg, st, origin, sessions, respCache, trackRepo, streamRepo, userRepo, prober)

	s := &Server{
		cfg:        cfg,
		storage:    st,
		throttler:  throttler,
		sessions:   sessions,
		respCache:  respCache,
		trackRepo:  trackRepo,
		streamRepo: streamRepo,
		stopChan:   make(chan struct{}),
	}

	router := s.setupRoutes(handler)
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      corsMiddleware(router),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s, nil
}

func (s *Server) setupRoutes(h *APIHandler) *mux.Router {
	router := mux.NewRouter()

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", h.RegisterHandler).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.LoginHandler).Methods(http.MethodPost)

	protected := api.NewRoute().Subrouter()
	protected.Use(h.AuthMiddleware)
	protected.HandleFunc("/library/folders", h.ListFolderHandler).Methods(http.MethodGet)
	protected.HandleFunc("/player/initialize", h.InitializePlayerHandler).Methods(http.MethodPost)
	protected.HandleFunc("/player/move", h.MovePlayerHandler).Methods(http.MethodPost)
	protected.HandleFunc("/player/url", h.StreamURLHandler).Methods(http.MethodGet)
	protected.HandleFunc("/player/refresh", h.RefreshURLsHandler).Methods(http.MethodPost)
	protected.HandleFunc("/player/resume", h.ResumeHandler).Methods(http.MethodPost)
	protected.HandleFunc("/player/status", h.PlayerStatusHandler).Methods(http.MethodGet)
	protected.HandleFunc("/player/status/ws", h.PlayerStatusWSHandler).Methods(http.MethodGet)
	protected.HandleFunc("/player/state", h.GetPlaybackStateHandler).Methods(http.MethodGet)
	protected.HandleFunc("/player/state", h.SavePlaybackStateHandler).Methods(http.MethodPut)
	protected.HandleFunc("/player", h.DestroyPlayerHandler).Methods(http.MethodDelete)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)

	return router
}

// Start 启动HTTP服务并阻塞到收到退出信号
func (s *Server) Start() error {
	s.wg.Add(1)
	go s.maintenanceLoop()

	errChan := make(chan error, 1)
	go func() {
		logger.Info("HTTP服务启动", logger.String("addr", s.cfg.ServerAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-quit:
		logger.Info("收到退出信号，开始优雅关闭", logger.String("signal", sig.String()))
	}

	return s.Shutdown()
}

// Shutdown 按依赖反序停止组件
func (s *Server) Shutdown() error {
	close(s.stopChan)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("HTTP服务关闭超时", logger.ErrorField(err))
	}

	s.sessions.Shutdown()
	s.throttler.Stop()
	s.respCache.Close()
	s.wg.Wait()

	logger.Info("服务已停止")
	return nil
}

// maintenanceLoop 周期性清理过期的播放链接与废弃的曲目快照
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

			if _, err := s.streamRepo.InvalidateExpiredStreamURLs(ctx); err != nil {
				logger.Warn("清除过期播放链接失败", logger.ErrorField(err))
			}
			if _, err := s.trackRepo.CleanupInactiveTracks(snapshotRetention); err != nil {
				logger.Warn("回收废弃曲目快照失败", logger.ErrorField(err))
			}

			cancel()
		}
	}
}

// corsMiddleware 处理跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
