package model

import "time"

// PreloadPriority 预加载优先级
type PreloadPriority string

const (
	PriorityImmediate PreloadPriority = "immediate" // 即将播放的下一首
	PriorityHigh      PreloadPriority = "high"      // 紧邻窗口内
	PriorityMedium    PreloadPriority = "medium"    // 后台窗口内
	PriorityLow       PreloadPriority = "low"       // 窗口之外，等待回收
)

// PreloadStatus 预加载任务状态
type PreloadStatus string

const (
	PreloadPending PreloadStatus = "pending"
	PreloadLoading PreloadStatus = "loading"
	PreloadReady   PreloadStatus = "ready"
	PreloadFailed  PreloadStatus = "failed"
)

// PreloadTask 预加载引擎的内部记账单元，每首被跟踪的曲目一条
// 状态只沿 pending→loading→{ready|failed} 推进；
// ready 经校验失败可回到 pending，failed 只能通过显式刷新重建
type PreloadTask struct {
	TrackID   string          `json:"trackId"`
	Priority  PreloadPriority `json:"priority"`
	Status    PreloadStatus   `json:"status"`
	URL       string          `json:"url,omitempty"`       // 仅 ready 时有值
	Error     string          `json:"error,omitempty"`     // 仅 failed 时有值
	ExpiresAt time.Time       `json:"expiresAt,omitempty"` // 零值表示持久链接或未知
	UpdatedAt time.Time       `json:"updatedAt"`           // 最近一次状态变更时间
	Retried   bool            `json:"-"`                   // 后台失败任务的一次性自动重试标记
}

// PreloadStrategy 预加载策略，引擎会话期内不可变
type PreloadStrategy struct {
	ImmediatePreloadCount  int           `json:"immediatePreloadCount"`
	BackgroundPreloadCount int           `json:"backgroundPreloadCount"`
	MaxConcurrentPreloads  int           `json:"maxConcurrentPreloads"`
	URLValidationInterval  time.Duration `json:"urlValidationInterval"`
}

// DefaultPreloadStrategy 默认预加载策略
func DefaultPreloadStrategy() PreloadStrategy {
	return PreloadStrategy{
		ImmediatePreloadCount:  3,
		BackgroundPreloadCount: 8,
		MaxConcurrentPreloads:  2,
		URLValidationInterval:  30 * time.Minute,
	}
}

// PreloadSnapshot 引擎状态快照，只读，供观测接口使用
type PreloadSnapshot struct {
	Ready        int             `json:"ready"`
	Loading      int             `json:"loading"`
	Failed       int             `json:"failed"`
	Queued       int             `json:"queued"`
	CurrentIndex int             `json:"currentIndex"`
	Strategy     PreloadStrategy `json:"strategy"`
}
