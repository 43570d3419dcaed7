package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"musicsync/logger"
)

// PlaybackState 用户的播放进度，跨标签页/设备共享
type PlaybackState struct {
	TrackID      string  `json:"trackId"`
	CurrentIndex int     `json:"currentIndex"`
	Position     float64 `json:"position"` // 秒
	IsPlaying    bool    `json:"isPlaying"`
	UpdatedAt    int64   `json:"updatedAt"` // Unix时间戳
}

// GetPlaybackKey 根据用户ID生成播放状态的Redis键
func GetPlaybackKey(userID int64) string {
	return fmt.Sprintf("playback:%d", userID)
}

// SavePlaybackState 保存用户播放状态，并发写入按后写者胜出处理
func SavePlaybackState(ctx context.Context, userID int64, state *PlaybackState) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	state.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal playback state: %w", err)
	}

	// 设置24小时过期，长期不活跃的状态自动回收
	if err := RedisClient.Set(ctx, GetPlaybackKey(userID), data, 24*time.Hour).Err(); err != nil {
		return fmt.Errorf("failed to save playback state: %w", err)
	}

	logger.Debug("播放状态已保存",
		logger.Int64("userId", userID),
		logger.Int("currentIndex", state.CurrentIndex))
	return nil
}

// GetPlaybackState 获取用户播放状态，不存在时返回 nil
func GetPlaybackState(ctx context.Context, userID int64) (*PlaybackState, error) {
	if RedisClient == nil {
		return nil, fmt.Errorf("Redis client not initialized")
	}

	data, err := RedisClient.Get(ctx, GetPlaybackKey(userID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get playback state: %w", err)
	}

	var state PlaybackState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal playback state: %w", err)
	}
	return &state, nil
}

// ClearPlaybackState 清除用户播放状态
func ClearPlaybackState(ctx context.Context, userID int64) error {
	if RedisClient == nil {
		return fmt.Errorf("Redis client not initialized")
	}

	if err := RedisClient.Del(ctx, GetPlaybackKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to clear playback state: %w", err)
	}
	return nil
}
