package preload

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// URLProber 对已获取的播放链接做轻量存活探测
type URLProber interface {
	Probe(ctx context.Context, url string) error
}

// HTTPProber 基于 HEAD 请求的探测实现
type HTTPProber struct {
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProber 创建探测器，timeout 为单次探测的超时
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	return &HTTPProber{
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Probe 检查链接是否仍然可用
func (p *HTTPProber) Probe(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return nil
}

// ProbeDuration 根据 HEAD 响应估算曲目时长（秒）
// 没有真实媒体栈时的近似实现：按固定码率从 Content-Length 推算
func (p *HTTPProber) ProbeDuration(ctx context.Context, url string, bitrateKbps int) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return 0, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	if resp.ContentLength <= 0 || bitrateKbps <= 0 {
		return 0, nil
	}

	return float64(resp.ContentLength*8) / float64(bitrateKbps*1000), nil
}
