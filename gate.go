// AsyncGate for RxGo
// 异步互斥门：按顺序获取，持有者的上下文可重入
package rxgo

import (
	"context"

	"golang.org/x/sync/semaphore"
)

type gateKey struct {
	gate *AsyncGate
}

// AsyncGate 异步互斥门
type AsyncGate struct {
	sem    *semaphore.Weighted
	life   context.Context
	cancel context.CancelFunc
}

// NewAsyncGate 创建异步互斥门
func NewAsyncGate() *AsyncGate {
	life, cancel := context.WithCancel(context.Background())
	return &AsyncGate{
		sem:    semaphore.NewWeighted(1),
		life:   life,
		cancel: cancel,
	}
}

// Lock 获取门，返回持有者上下文与释放函数
//
// 使用返回的上下文再次Lock不会阻塞，释放函数为空操作。
func (g *AsyncGate) Lock(ctx context.Context) (context.Context, func(), error) {
	if ctx.Value(gateKey{g}) != nil {
		return ctx, func() {}, nil
	}
	if g.life.Err() != nil {
		return ctx, nil, ErrGateClosed
	}

	acquireCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(g.life, cancel)
	err := g.sem.Acquire(acquireCtx, 1)
	stop()
	cancel()
	if err != nil {
		if g.life.Err() != nil {
			return ctx, nil, ErrGateClosed
		}
		return ctx, nil, err
	}

	released := false
	return context.WithValue(ctx, gateKey{g}, struct{}{}), func() {
		if !released {
			released = true
			g.sem.Release(1)
		}
	}, nil
}

// Close 关闭门，等待中和之后的获取都返回ErrGateClosed
func (g *AsyncGate) Close() {
	g.cancel()
}
