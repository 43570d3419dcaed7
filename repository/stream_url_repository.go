package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"musicsync/logger"
	"musicsync/model"
)

// StreamURLRepository 流播放链接的持久缓存接口
// 过期在读取时判定，不做主动删除；批量失效由独立的清扫任务调用
type StreamURLRepository interface {
	GetStreamURL(ctx context.Context, userID int64, trackID string) (*model.StreamURLCacheEntry, error)
	UpdateStreamURL(ctx context.Context, userID int64, trackID, url string, persistent bool, ttl time.Duration) error
	InvalidateExpiredStreamURLs(ctx context.Context) (int64, error)
}

// gormStreamURLRepository GORM 实现
type gormStreamURLRepository struct {
	db *gorm.DB
}

// NewGormStreamURLRepository 创建 GORM 流链接仓库
func NewGormStreamURLRepository(db *gorm.DB) StreamURLRepository {
	return &gormStreamURLRepository{db: db}
}

// GetStreamURL 读取缓存的播放链接，不存在或已过期返回 nil
// 过期边界：expiresAt <= now 视为缺失
func (r *gormStreamURLRepository) GetStreamURL(ctx context.Context, userID int64, trackID string) (*model.StreamURLCacheEntry, error) {
	var entry model.StreamURLCacheEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND track_id = ?", userID, trackID).
		First(&entry).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}

	if entry.URL == "" || entry.Expired(time.Now()) {
		return nil, nil
	}
	return &entry, nil
}

// UpdateStreamURL 写入或更新播放链接
// 临时链接按 TTL 设置过期时间，持久分享链接不设过期
func (r *gormStreamURLRepository) UpdateStreamURL(ctx context.Context, userID int64, trackID, url string, persistent bool, ttl time.Duration) error {
	var expiresAt *time.Time
	if !persistent {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	updates := map[string]interface{}{
		"url":        url,
		"persistent": persistent,
		"expires_at": expiresAt,
		"updated_at": time.Now(),
	}

	// 先尝试更新，记录不存在时插入
	res := r.db.WithContext(ctx).Model(&model.StreamURLCacheEntry{}).
		Where("user_id = ? AND track_id = ?", userID, trackID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	entry := model.StreamURLCacheEntry{
		UserID:     userID,
		TrackID:    trackID,
		URL:        url,
		Persistent: persistent,
		ExpiresAt:  expiresAt,
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

// InvalidateExpiredStreamURLs 批量清除已过期的链接条目
func (r *gormStreamURLRepository) InvalidateExpiredStreamURLs(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("persistent = ? AND expires_at IS NOT NULL AND expires_at <= ?", false, time.Now()).
		Delete(&model.StreamURLCacheEntry{})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		logger.Info("过期播放链接已清除", logger.Int64("removed", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
