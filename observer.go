// Observer implementation for RxGo
// Observer协议：调用计数、重入检测与释放前排空
package rxgo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// reentranceKey 标记调用链位于某个Observer的处理函数内部
type reentranceKey struct {
	observer any
}

// Observer 一个订阅的消费端
//
// 处理函数调用期间计数，Dispose从外部调用时等待所有进行中的调用结束后
// 才释放源订阅；从处理函数内部（使用处理函数收到的ctx）调用时不等待。
// 处理函数收到的ctx在Dispose开始时即被取消。
type Observer[T any] struct {
	handler Handler[T]
	config  *Config
	id      uuid.UUID
	source  SingleAssignmentDisposable

	life   context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	disposed   bool
	terminated bool
	inFlight   int
	drained    chan struct{}
}

// NewObserver 创建Observer
func NewObserver[T any](handler Handler[T], options ...Option) *Observer[T] {
	return newObserver(handler, NewConfig(options...))
}

func newObserver[T any](handler Handler[T], config *Config) *Observer[T] {
	config.Metrics.SubscriptionOpened()
	life, cancel := context.WithCancel(context.Background())
	return &Observer[T]{
		handler: handler,
		config:  config,
		id:      uuid.New(),
		life:    life,
		cancel:  cancel,
	}
}

// ID 订阅标识，用于日志
func (o *Observer[T]) ID() uuid.UUID {
	return o.id
}

// ============================================================================
// 通知
// ============================================================================

// OnNext 发送一个值
func (o *Observer[T]) OnNext(ctx context.Context, value T) {
	if ctx.Err() != nil {
		return
	}
	if !o.enter(false) {
		return
	}

	hctx, done := o.inside(ctx)
	err := SafeExecute(func() error {
		return o.handler.HandleNext(hctx, value)
	})
	if err != nil && !isCancellation(err) {
		o.deliverErrorResume(hctx, err)
	}
	done()

	o.exit(ctx)
}

// OnErrorResume 发送可恢复的错误通知
func (o *Observer[T]) OnErrorResume(ctx context.Context, err error) {
	if !o.enter(false) {
		return
	}

	hctx, done := o.inside(ctx)
	o.deliverErrorResume(hctx, err)
	done()

	o.exit(ctx)
}

// OnCompleted 发送终止信号，最多一次
func (o *Observer[T]) OnCompleted(ctx context.Context, result Result) {
	if !o.enter(true) {
		return
	}

	hctx, done := o.inside(ctx)
	if err := SafeExecute(func() error {
		return o.handler.HandleCompleted(hctx, result)
	}); err != nil {
		o.config.reportUnhandled(err)
	}
	done()

	o.exit(ctx)
}

func (o *Observer[T]) deliverErrorResume(ctx context.Context, err error) {
	if ctx.Err() != nil || o.IsDisposed() {
		o.config.reportUnhandled(err)
		return
	}
	if herr := SafeExecute(func() error {
		return o.handler.HandleErrorResume(ctx, err)
	}); herr != nil {
		o.config.reportUnhandled(herr)
	}
}

// ============================================================================
// 调用计数
// ============================================================================

// inside 返回交给处理函数的ctx：带重入标记，并在Observer释放时取消
func (o *Observer[T]) inside(ctx context.Context) (context.Context, func()) {
	if !o.isInside(ctx) {
		ctx = context.WithValue(ctx, reentranceKey{o}, struct{}{})
	}
	hctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.life, cancel)
	return hctx, func() {
		stop()
		cancel()
	}
}

func (o *Observer[T]) isInside(ctx context.Context) bool {
	return ctx.Value(reentranceKey{o}) != nil
}

func (o *Observer[T]) enter(terminal bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.disposed || o.terminated {
		return false
	}
	if terminal {
		o.terminated = true
	}
	o.inFlight++
	return true
}

// exit 最后一个调用结束时唤醒等待者；已终止的Observer随之释放自身
func (o *Observer[T]) exit(ctx context.Context) {
	o.mu.Lock()
	o.inFlight--
	selfDispose := false
	if o.inFlight == 0 {
		if o.drained != nil {
			close(o.drained)
			o.drained = nil
		}
		selfDispose = o.terminated && !o.disposed
	}
	o.mu.Unlock()

	if selfDispose {
		if err := o.Dispose(ctx); err != nil {
			o.config.reportUnhandled(err)
		}
	}
}

// ============================================================================
// 释放
// ============================================================================

// SetSourceSubscription 设置源订阅，只能设置一次
func (o *Observer[T]) SetSourceSubscription(ctx context.Context, d Disposable) error {
	return o.source.Set(ctx, d)
}

// IsDisposed 检查是否已释放
func (o *Observer[T]) IsDisposed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed
}

// isClosed 已释放或已收到终止信号
func (o *Observer[T]) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.disposed || o.terminated
}

// Dispose 释放订阅
//
// 先取消进行中处理函数的ctx，再等待它们结束。
// ctx在等待期间结束时返回ctx.Err()，释放在排空后于后台完成。
func (o *Observer[T]) Dispose(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil
	}
	o.disposed = true
	var wait chan struct{}
	if o.inFlight > 0 && !o.isInside(ctx) {
		o.drained = make(chan struct{})
		wait = o.drained
	}
	o.mu.Unlock()

	o.cancel()
	if o.isInside(ctx) {
		// ctx来自本Observer的处理函数，已随cancel结束
		ctx = context.WithoutCancel(ctx)
	}

	if wait != nil {
		if err := o.awaitDrain(ctx, wait); err != nil {
			go func() {
				<-wait
				if rerr := o.release(context.WithoutCancel(ctx)); rerr != nil {
					o.config.reportUnhandled(rerr)
				}
			}()
			return err
		}
	}
	return o.release(ctx)
}

func (o *Observer[T]) awaitDrain(ctx context.Context, wait <-chan struct{}) error {
	var warn <-chan time.Time
	if threshold := o.config.DrainWarnThreshold; threshold > 0 {
		timer := o.config.Clock.Timer(threshold)
		defer timer.Stop()
		warn = timer.C
	}

	for {
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-warn:
			o.config.Logger.Warn("dispose waiting for in-flight calls",
				zap.Stringer("observer", o.id),
				zap.Duration("threshold", o.config.DrainWarnThreshold))
			warn = nil
		}
	}
}

func (o *Observer[T]) release(ctx context.Context) error {
	err := o.source.Dispose(ctx)
	if d, ok := o.handler.(HandlerDisposer); ok {
		err = multierr.Append(err, d.DisposeHandler(ctx))
	}

	o.config.Metrics.SubscriptionClosed()
	o.config.Logger.Debug("subscription disposed", zap.Stringer("observer", o.id), zap.Error(err))
	return err
}
