package model

import "time"

// StreamURLCacheEntry 流播放链接的持久缓存条目，跨会话共享
// ExpiresAt 为 NULL 表示持久分享链接，永不过期
type StreamURLCacheEntry struct {
	ID         int64      `json:"-" gorm:"primaryKey;autoIncrement"`
	UserID     int64      `json:"userId" gorm:"uniqueIndex:idx_user_track;not null"`
	TrackID    string     `json:"trackId" gorm:"uniqueIndex:idx_user_track;size:64;not null"`
	URL        string     `json:"url" gorm:"type:text"`
	Persistent bool       `json:"persistent"`
	ExpiresAt  *time.Time `json:"expiresAt" gorm:"index"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// TableName 指定表名
func (StreamURLCacheEntry) TableName() string {
	return "stream_urls"
}

// Expired 判断条目是否已过期，过期边界为闭区间（expiresAt <= now 视为过期）
func (e *StreamURLCacheEntry) Expired(now time.Time) bool {
	if e.Persistent {
		return false
	}
	if e.ExpiresAt == nil {
		return true
	}
	return !e.ExpiresAt.After(now)
}
