package model

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// Track 表示云端曲库中的一首可播放曲目
type Track struct {
	ID       string  `json:"id"`       // 由存储路径派生，在用户范围内稳定唯一
	Title    string  `json:"title"`
	Artist   string  `json:"artist"`
	Duration float64 `json:"duration"` // 秒，0 表示尚未测量
	Path     string  `json:"path"`     // 源站对象路径，换取新播放链接时必需
	URL      string  `json:"url,omitempty"`
}

// TrackIDFromPath 根据存储路径派生稳定的曲目ID
func TrackIDFromPath(objectPath string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(objectPath)).String()
}

// TrackFromObjectPath 从对象路径构建曲目元数据
// 文件名形如 "Artist - Title.mp3" 时拆出演唱者，否则整个文件名作为标题
func TrackFromObjectPath(objectPath string) Track {
	base := path.Base(objectPath)
	if ext := path.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}

	title := base
	artist := ""
	if idx := strings.Index(base, " - "); idx > 0 {
		artist = strings.TrimSpace(base[:idx])
		title = strings.TrimSpace(base[idx+3:])
	}

	return Track{
		ID:     TrackIDFromPath(objectPath),
		Title:  title,
		Artist: artist,
		Path:   objectPath,
	}
}
