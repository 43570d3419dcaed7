package throttle

import (
	"context"

	"musicsync/model"
)

// Origin 源站客户端能力
type Origin interface {
	IsAuthenticated(ctx context.Context) bool
	ListFolder(ctx context.Context, folder string) ([]model.Track, error)
	GetTemporaryStreamLink(ctx context.Context, objectPath string) (string, error)
	GetPersistentSharedLink(ctx context.Context, objectPath string) (string, error)
}

// ThrottledOrigin 将源站客户端的全部网络调用纳入节流队列
// IsAuthenticated 只读本地状态，不经过队列
type ThrottledOrigin struct {
	origin    Origin
	throttler *Throttler
}

// WrapOrigin 用节流器包装源站客户端
func WrapOrigin(origin Origin, t *Throttler) *ThrottledOrigin {
	return &ThrottledOrigin{origin: origin, throttler: t}
}

func (o *ThrottledOrigin) IsAuthenticated(ctx context.Context) bool {
	return o.origin.IsAuthenticated(ctx)
}

func (o *ThrottledOrigin) ListFolder(ctx context.Context, folder string) ([]model.Track, error) {
	var tracks []model.Track
	err := o.throttler.Do(ctx, func(ctx context.Context) error {
		var opErr error
		tracks, opErr = o.origin.ListFolder(ctx, folder)
		return opErr
	})
	return tracks, err
}

func (o *ThrottledOrigin) GetTemporaryStreamLink(ctx context.Context, objectPath string) (string, error) {
	var link string
	err := o.throttler.Do(ctx, func(ctx context.Context) error {
		var opErr error
		link, opErr = o.origin.GetTemporaryStreamLink(ctx, objectPath)
		return opErr
	})
	return link, err
}

func (o *ThrottledOrigin) GetPersistentSharedLink(ctx context.Context, objectPath string) (string, error) {
	var link string
	err := o.throttler.Do(ctx, func(ctx context.Context) error {
		var opErr error
		link, opErr = o.origin.GetPersistentSharedLink(ctx, objectPath)
		return opErr
	})
	return link, err
}
