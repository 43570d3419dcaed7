package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"musicsync/cache"
	"musicsync/config"
	"musicsync/core/auth"
	"musicsync/core/preload"
	"musicsync/logger"
	"musicsync/model"
	"musicsync/repository"
	"musicsync/storage"
)

type contextKey string

const userIDContextKey contextKey = "userID"

// APIHandler 聚合所有HTTP处理器的依赖
type APIHandler struct {
	cfg        *config.Config
	storage    *storage.CloudStorage
	origin     Origin
	sessions   *PlayerSessionManager
	respCache  *cache.ResponseCache
	trackRepo  repository.TrackCacheRepository
	streamRepo repository.StreamURLRepository
	userRepo   repository.UserRepository
	prober     *preload.HTTPProber
}

// Origin 处理器侧消费的源站能力（节流包装后的客户端）
type Origin interface {
	IsAuthenticated(ctx context.Context) bool
	ListFolder(ctx context.Context, folder string) ([]model.Track, error)
}

// NewAPIHandler 创建API处理器
func NewAPIHandler(cfg *config.Config, st *storage.CloudStorage, origin Origin, sessions *PlayerSessionManager, respCache *cache.ResponseCache, trackRepo repository.TrackCacheRepository, streamRepo repository.StreamURLRepository, userRepo repository.UserRepository, prober *preload.HTTPProber) *APIHandler {
	return &APIHandler{
		cfg:        cfg,
		storage:    st,
		origin:     origin,
		sessions:   sessions,
		respCache:  respCache,
		trackRepo:  trackRepo,
		streamRepo: streamRepo,
		userRepo:   userRepo,
		prober:     prober,
	}
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("响应序列化失败", logger.ErrorField(err))
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithOriginError 将类型化的源站错误映射为HTTP状态码
func respondWithOriginError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrAuthenticationRequired) {
		respondWithError(w, http.StatusUnauthorized, "cloud storage authentication required")
		return
	}
	if _, limited := storage.IsRateLimited(err); limited {
		respondWithError(w, http.StatusTooManyRequests, "origin rate limited, please retry later")
		return
	}
	if errors.Is(err, storage.ErrObjectNotFound) {
		respondWithError(w, http.StatusNotFound, "object not found")
		return
	}
	var svcErr *storage.ServiceError
	if errors.As(err, &svcErr) {
		respondWithError(w, http.StatusBadGateway, "origin service error")
		return
	}
	respondWithError(w, http.StatusInternalServerError, err.Error())
}

// AuthMiddleware 校验请求携带的JWT令牌并注入用户ID
func (h *APIHandler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			respondWithError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		tokenString := strings.TrimPrefix(header, "Bearer ")
		claims, err := auth.ParseToken(tokenString)
		if err != nil {
			respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), userIDContextKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetUserIDFromContext 从请求上下文中取出已认证的用户ID
func GetUserIDFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(userIDContextKey).(int64)
	return userID, ok
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  *model.User `json:"user"`
}

// RegisterHandler 注册新用户
func (h *APIHandler) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 6 {
		respondWithError(w, http.StatusBadRequest, "username, email and a password of at least 6 characters are required")
		return
	}

	existing, err := h.userRepo.GetUserByUsernameOrEmail(req.Username)
	if err != nil {
		logger.Error("查询用户失败", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "failed to check existing user")
		return
	}
	if existing != nil {
		respondWithError(w, http.StatusConflict, "username already taken")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	user := &model.User{Username: req.Username, Email: req.Email, PasswordHash: hash}
	id, err := h.userRepo.CreateUser(user)
	if err != nil {
		logger.Error("创建用户失败", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "failed to create user")
		return
	}
	user.ID = id

	token, err := auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	logger.Info("用户注册成功", logger.Int64("userId", id), logger.String("username", user.Username))
	respondWithJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

// LoginHandler 用户登录，支持用户名或邮箱
func (h *APIHandler) LoginHandler(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	user, err := h.userRepo.GetUserByUsernameOrEmail(req.Identifier)
	if err != nil {
		logger.Error("查询用户失败", logger.ErrorField(err))
		respondWithError(w, http.StatusInternalServerError, "failed to look up user")
		return
	}
	if user == nil || !auth.VerifyPassword(req.Password, user.PasswordHash) {
		respondWithError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(user.ID, user.Username)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	logger.Info("用户登录成功", logger.Int64("userId", user.ID))
	respondWithJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}
