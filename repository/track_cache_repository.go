package repository

import (
	"database/sql"
	"fmt"
	"time"

	"musicsync/db"
	"musicsync/logger"
	"musicsync/model"
)

// TrackCacheRepository 持久曲目缓存的数据访问接口
// 按 (用户, 文件夹) 保存曲目快照，保存与失效在同一事务内完成，
// 读取方要么看到旧快照要么看到新快照，不会看到混合结果
type TrackCacheRepository interface {
	GetCachedTracks(userID int64, folderID string) ([]model.Track, error)
	SaveCachedTracks(userID int64, folderID string, tracks []model.Track) error
	UpdateTrackDuration(userID int64, trackID string, duration float64) error
	CleanupInactiveTracks(olderThan time.Duration) (int64, error)
}

// mysqlTrackCacheRepository implements TrackCacheRepository for MySQL.
type mysqlTrackCacheRepository struct {
	DB *sql.DB
}

// NewMySQLTrackCacheRepository creates a new instance of mysqlTrackCacheRepository.
func NewMySQLTrackCacheRepository() TrackCacheRepository {
	return &mysqlTrackCacheRepository{DB: db.DB}
}

// GetCachedTracks 返回文件夹下当前快照的曲目，无缓存时返回空
func (r *mysqlTrackCacheRepository) GetCachedTracks(userID int64, folderID string) ([]model.Track, error) {
	query := `SELECT track_id, title, artist, duration, file_path
	           FROM cached_tracks WHERE user_id = ? AND folder_id = ? AND active = 1
	           ORDER BY id ASC`
	rows, err := r.DB.Query(query, userID, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cached tracks for user %d folder %s: %w", userID, folderID, err)
	}
	defer rows.Close()

	tracks := make([]model.Track, 0)
	for rows.Next() {
		var track model.Track
		var artist sql.NullString
		if err := rows.Scan(&track.ID, &track.Title, &artist, &track.Duration, &track.Path); err != nil {
			return nil, fmt.Errorf("failed to scan cached track: %w", err)
		}
		if artist.Valid {
			track.Artist = artist.String
		}
		tracks = append(tracks, track)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration in GetCachedTracks: %w", err)
	}
	return tracks, nil
}

// SaveCachedTracks 以原子批次替换文件夹的曲目快照
// 旧快照置为 inactive 与新快照插入在同一事务内提交
func (r *mysqlTrackCacheRepository) SaveCachedTracks(userID int64, folderID string, tracks []model.Track) error {
	tx, err := r.DB.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction for SaveCachedTracks: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(
		`UPDATE cached_tracks SET active = 0, updated_at = ? WHERE user_id = ? AND folder_id = ? AND active = 1`,
		now, userID, folderID,
	); err != nil {
		return fmt.Errorf("failed to deactivate previous snapshot: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO cached_tracks (user_id, folder_id, track_id, title, artist, duration, file_path, active, created_at, updated_at)
		  VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert for SaveCachedTracks: %w", err)
	}
	defer stmt.Close()

	for _, track := range tracks {
		if _, err := stmt.Exec(userID, folderID, track.ID, track.Title, track.Artist, track.Duration, track.Path, now, now); err != nil {
			return fmt.Errorf("failed to insert cached track %s: %w", track.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit SaveCachedTracks: %w", err)
	}

	logger.Debug("曲目快照已保存",
		logger.Int64("userId", userID),
		logger.String("folderId", folderID),
		logger.Int("trackCount", len(tracks)))
	return nil
}

// UpdateTrackDuration 回填异步测量出的曲目时长
func (r *mysqlTrackCacheRepository) UpdateTrackDuration(userID int64, trackID string, duration float64) error {
	_, err := r.DB.Exec(
		`UPDATE cached_tracks SET duration = ?, updated_at = ? WHERE user_id = ? AND track_id = ? AND active = 1`,
		duration, time.Now(), userID, trackID,
	)
	if err != nil {
		return fmt.Errorf("failed to update duration for track %s: %w", trackID, err)
	}
	return nil
}

// CleanupInactiveTracks 回收超过保留期的 inactive 快照行
func (r *mysqlTrackCacheRepository) CleanupInactiveTracks(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := r.DB.Exec(`DELETE FROM cached_tracks WHERE active = 0 AND updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup inactive tracks: %w", err)
	}

	removed, _ := res.RowsAffected()
	if removed > 0 {
		logger.Info("过期快照行已回收", logger.Int64("removed", removed))
	}
	return removed, nil
}
