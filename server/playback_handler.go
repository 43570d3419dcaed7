package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"musicsync/cache"
	"musicsync/logger"
	"musicsync/model"
)

// ListFolderHandler 列举云端文件夹下的曲目
// 命中会话内响应缓存时不请求源站；源站失败时回退到持久曲目缓存
func (h *APIHandler) ListFolderHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	folder := r.URL.Query().Get("path")

	cacheScope := fmt.Sprintf("%d", userID)
	if cached, hit := h.respCache.Get(cache.OpListFolder, cacheScope, folder); hit {
		respondWithJSON(w, http.StatusOK, map[string]interface{}{
			"tracks": cached,
			"cached": true,
		})
		return
	}

	tracks, err := h.origin.ListFolder(r.Context(), folder)
	if err != nil {
		// 源站不可用时退回上次成功的持久快照
		fallback, repoErr := h.trackRepo.GetCachedTracks(userID, folder)
		if repoErr == nil && len(fallback) > 0 {
			logger.Warn("源站列举失败，使用持久缓存快照",
				logger.String("folder", folder),
				logger.ErrorField(err))
			respondWithJSON(w, http.StatusOK, map[string]interface{}{
				"tracks": fallback,
				"cached": true,
			})
			return
		}
		respondWithOriginError(w, err)
		return
	}

	h.respCache.Set(cache.OpListFolder, tracks, cacheScope, folder)
	if err := h.trackRepo.SaveCachedTracks(userID, folder, tracks); err != nil {
		logger.Warn("保存曲目快照失败", logger.ErrorField(err))
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"tracks": tracks,
		"cached": false,
	})
}

type initializeRequest struct {
	Tracks     []model.Track `json:"tracks"`
	StartIndex int           `json:"startIndex"`
}

// InitializePlayerHandler 初始化播放会话并启动预加载
func (h *APIHandler) InitializePlayerHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req initializeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Tracks) == 0 {
		respondWithError(w, http.StatusBadRequest, "tracks must not be empty")
		return
	}

	engine, err := h.sessions.InitSession(r.Context(), userID, req.Tracks, req.StartIndex)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, engine.GetStatus())
}

type moveRequest struct {
	Index int `json:"index"`
}

// MovePlayerHandler 切换当前曲目并推进预加载窗口
func (h *APIHandler) MovePlayerHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	engine, ok := h.sessions.Get(userID)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no active player session")
		return
	}

	var req moveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := engine.MoveToTrack(r.Context(), req.Index); err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	respondWithJSON(w, http.StatusOK, engine.GetStatus())
}

// StreamURLHandler 播放热路径，返回经校验的播放链接
func (h *APIHandler) StreamURLHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	engine, ok := h.sessions.Get(userID)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no active player session")
		return
	}

	trackID := r.URL.Query().Get("trackId")
	trackPath := r.URL.Query().Get("path")
	if trackID == "" || trackPath == "" {
		respondWithError(w, http.StatusBadRequest, "trackId and path are required")
		return
	}

	url, err := engine.GetValidatedStreamURL(r.Context(), trackID, trackPath)
	if err != nil {
		respondWithOriginError(w, err)
		return
	}

	// 首次取到链接时顺带回填曲目时长，不阻塞响应
	if r.URL.Query().Get("duration") == "unknown" {
		go h.backfillDuration(userID, trackID, url)
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"url": url})
}

// assumedBitrateKbps 无媒体探测栈时按此码率从文件大小估算时长
const assumedBitrateKbps = 320

// backfillDuration 估算曲目时长并写回持久快照
func (h *APIHandler) backfillDuration(userID int64, trackID, url string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	duration, err := h.prober.ProbeDuration(ctx, url, assumedBitrateKbps)
	if err != nil || duration <= 0 {
		return
	}
	if err := h.trackRepo.UpdateTrackDuration(userID, trackID, duration); err != nil {
		logger.Debug("回填曲目时长失败",
			logger.String("trackId", trackID),
			logger.ErrorField(err))
	}
}

type refreshRequest struct {
	Radius int `json:"radius"`
}

// RefreshURLsHandler 强制刷新当前曲目附近的播放链接
func (h *APIHandler) RefreshURLsHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	engine, ok := h.sessions.Get(userID)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no active player session")
		return
	}

	req := refreshRequest{Radius: 2}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	engine.RefreshNearbyURLs(r.Context(), req.Radius)
	respondWithJSON(w, http.StatusOK, engine.GetStatus())
}

// ResumeHandler 重连源站并恢复预加载
func (h *APIHandler) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())

	if err := h.storage.Reconnect(r.Context()); err != nil {
		respondWithOriginError(w, err)
		return
	}

	if engine, ok := h.sessions.Get(userID); ok {
		engine.ResumePreloading(r.Context())
		respondWithJSON(w, http.StatusOK, engine.GetStatus())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "reconnected"})
}

// PlayerStatusHandler 返回预加载状态快照，纯读取
func (h *APIHandler) PlayerStatusHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	engine, ok := h.sessions.Get(userID)
	if !ok {
		respondWithError(w, http.StatusNotFound, "no active player session")
		return
	}
	respondWithJSON(w, http.StatusOK, engine.GetStatus())
}

// GetPlaybackStateHandler 读取跨设备共享的播放进度
func (h *APIHandler) GetPlaybackStateHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())

	state, err := cache.GetPlaybackState(r.Context(), userID)
	if err != nil {
		logger.Warn("读取播放状态失败", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "failed to load playback state")
		return
	}
	if state == nil {
		respondWithError(w, http.StatusNotFound, "no playback state")
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

// SavePlaybackStateHandler 保存播放进度，后写者胜出
func (h *APIHandler) SavePlaybackStateHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())

	var state cache.PlaybackState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := cache.SavePlaybackState(r.Context(), userID, &state); err != nil {
		logger.Warn("保存播放状态失败", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "failed to save playback state")
		return
	}
	respondWithJSON(w, http.StatusOK, state)
}

// DestroyPlayerHandler 关闭播放会话，幂等
func (h *APIHandler) DestroyPlayerHandler(w http.ResponseWriter, r *http.Request) {
	userID, _ := GetUserIDFromContext(r.Context())
	h.sessions.Teardown(userID)
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "destroyed"})
}
