package throttle

import (
	"context"
	"errors"
	"sync"
	"time"

	"musicsync/logger"
	"musicsync/storage"
)

// ErrStopped 节流器已停止，排队中的调用以此错误返回
var ErrStopped = errors.New("throttle: throttler stopped")

// Operation 一次待节流的源站调用
type Operation func(ctx context.Context) error

type call struct {
	ctx  context.Context
	op   Operation
	done chan error
}

// Throttler 串行化所有出站源站请求
// 单条FIFO队列由后台派发协程消费，两次派发之间保证最小间隔；
// 限流错误按服务端建议的等待时间重试，鉴权失败立即发出断连信号且不重试
type Throttler struct {
	interval   time.Duration
	retryWait  time.Duration
	maxRetries int

	onDisconnect func()

	queue    chan *call
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 创建节流器并启动派发协程
// onDisconnect 在鉴权失败时被调用，用于清除已缓存的凭证状态，可为 nil
func New(interval, retryWait time.Duration, maxRetries int, onDisconnect func()) *Throttler {
	t := &Throttler{
		interval:     interval,
		retryWait:    retryWait,
		maxRetries:   maxRetries,
		onDisconnect: onDisconnect,
		queue:        make(chan *call, 128),
		stopChan:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.drainLoop()
	return t
}

// Do 将调用排入队列并等待其完成
func (t *Throttler) Do(ctx context.Context, op Operation) error {
	c := &call{ctx: ctx, op: op, done: make(chan error, 1)}

	select {
	case t.queue <- c:
	case <-t.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-c.done:
		return err
	case <-t.stopChan:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止派发协程，幂等
func (t *Throttler) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopChan)
	})
	t.wg.Wait()
}

// drainLoop 顺序消费队列，保证派发间隔
func (t *Throttler) drainLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.stopChan:
			return
		case c := <-t.queue:
			t.dispatch(c)

			select {
			case <-t.stopChan:
				return
			case <-time.After(t.interval):
			}
		}
	}
}

// dispatch 执行单次调用，限流时按建议退避重试，直至超出重试上限
func (t *Throttler) dispatch(c *call) {
	var err error
	for attempt := 1; ; attempt++ {
		if c.ctx.Err() != nil {
			c.done <- c.ctx.Err()
			return
		}

		err = c.op(c.ctx)
		if err == nil {
			c.done <- nil
			return
		}

		if errors.Is(err, storage.ErrAuthenticationRequired) {
			// 鉴权失败不重试，立即通知上层清除凭证状态
			logger.Warn("源站调用鉴权失败，发出断连信号")
			if t.onDisconnect != nil {
				t.onDisconnect()
			}
			c.done <- err
			return
		}

		// maxRetries 指初次尝试之外的重试次数上限
		rle, limited := storage.IsRateLimited(err)
		if !limited || attempt > t.maxRetries {
			if limited {
				logger.Warn("限流重试次数耗尽",
					logger.Int("attempts", attempt))
			} else {
				logger.Debug("源站调用失败", logger.ErrorField(err))
			}
			c.done <- err
			return
		}

		wait := t.retryWait
		if rle.RetryAfter > 0 {
			wait = rle.RetryAfter
		}
		logger.Info("源站限流，等待后重试",
			logger.Int("attempt", attempt),
			logger.Duration("wait", wait))

		select {
		case <-t.stopChan:
			c.done <- ErrStopped
			return
		case <-c.ctx.Done():
			c.done <- c.ctx.Err()
			return
		case <-time.After(wait):
		}
	}
}
