package storage

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"musicsync/config"
	"musicsync/logger"
	"musicsync/model"
)

// 支持的音频文件扩展名
var audioExtensions = map[string]bool{
	".mp3":  true,
	".flac": true,
	".wav":  true,
	".ogg":  true,
	".m4a":  true,
	".aac":  true,
}

// CloudStorage 云存储源站客户端
// 封装对象列举与播放链接签发，链接有效期由配置决定而非写死
type CloudStorage struct {
	client        *minio.Client
	bucket        string
	linkTTL       time.Duration
	publicBaseURL string // 为空表示存储桶未开放匿名读，不支持持久分享链接

	mu        sync.RWMutex
	connected bool
}

// NewCloudStorage 创建并验证云存储客户端连接
func NewCloudStorage(cfg *config.Config) (*CloudStorage, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	s := &CloudStorage{
		client:        client,
		bucket:        cfg.MinioBucket,
		linkTTL:       cfg.StreamLinkTTL,
		publicBaseURL: strings.TrimSuffix(cfg.MinioPublicBaseURL, "/"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exists, err := client.BucketExists(ctx, cfg.MinioBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.MinioBucket, mapOriginError(err))
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.MinioBucket)
	}

	s.connected = true
	logger.Info("云存储源站连接成功",
		logger.String("bucket", cfg.MinioBucket),
		logger.Duration("linkTTL", cfg.StreamLinkTTL))
	return s, nil
}

// IsAuthenticated 返回当前凭证是否可用
func (s *CloudStorage) IsAuthenticated(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// MarkDisconnected 标记凭证失效，由节流层在鉴权失败时回调
func (s *CloudStorage) MarkDisconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connected {
		s.connected = false
		logger.Warn("云存储凭证已失效，标记为断开")
	}
}

// Reconnect 重新验证凭证，成功后恢复已连接状态
func (s *CloudStorage) Reconnect(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to reconnect storage: %w", mapOriginError(err))
	}
	if !exists {
		return fmt.Errorf("bucket %s does not exist", s.bucket)
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()

	logger.Info("云存储连接已恢复", logger.String("bucket", s.bucket))
	return nil
}

// ListFolder 列举指定前缀下的音频对象并构建曲目元数据
func (s *CloudStorage) ListFolder(ctx context.Context, folder string) ([]model.Track, error) {
	if !s.IsAuthenticated(ctx) {
		return nil, ErrAuthenticationRequired
	}

	prefix := strings.TrimPrefix(folder, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	tracks := make([]model.Track, 0)
	for object := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: false,
	}) {
		if object.Err != nil {
			err := mapOriginError(object.Err)
			logger.Error("列举文件夹失败",
				logger.String("folder", folder),
				logger.ErrorField(err))
			return nil, err
		}

		// 跳过子目录占位对象
		if strings.HasSuffix(object.Key, "/") {
			continue
		}

		if !audioExtensions[strings.ToLower(path.Ext(object.Key))] {
			continue
		}

		tracks = append(tracks, model.TrackFromObjectPath(object.Key))
	}

	logger.Debug("文件夹列举完成",
		logger.String("folder", folder),
		logger.Int("trackCount", len(tracks)))
	return tracks, nil
}

// GetTemporaryStreamLink 为对象签发限时播放链接
func (s *CloudStorage) GetTemporaryStreamLink(ctx context.Context, objectPath string) (string, error) {
	if !s.IsAuthenticated(ctx) {
		return "", ErrAuthenticationRequired
	}

	presigned, err := s.client.PresignedGetObject(ctx, s.bucket, objectPath, s.linkTTL, url.Values{})
	if err != nil {
		err = mapOriginError(err)
		logger.Warn("签发临时播放链接失败",
			logger.String("path", objectPath),
			logger.ErrorField(err))
		return "", err
	}

	return presigned.String(), nil
}

// GetPersistentSharedLink 返回对象的持久访问链接
// 仅当存储桶开放匿名读时可用，否则返回 ErrSharedLinkUnsupported
func (s *CloudStorage) GetPersistentSharedLink(ctx context.Context, objectPath string) (string, error) {
	if s.publicBaseURL == "" {
		return "", ErrSharedLinkUnsupported
	}
	if !s.IsAuthenticated(ctx) {
		return "", ErrAuthenticationRequired
	}

	// 确认对象存在后再给出链接
	if _, err := s.client.StatObject(ctx, s.bucket, objectPath, minio.StatObjectOptions{}); err != nil {
		return "", mapOriginError(err)
	}

	escaped := make([]string, 0)
	for _, seg := range strings.Split(objectPath, "/") {
		escaped = append(escaped, url.PathEscape(seg))
	}
	return fmt.Sprintf("%s/%s/%s", s.publicBaseURL, s.bucket, strings.Join(escaped, "/")), nil
}

// LinkTTL 返回临时链接的配置寿命
func (s *CloudStorage) LinkTTL() time.Duration {
	return s.linkTTL
}
