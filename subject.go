// Subject implementations for RxGo
// 实现Subject系统，包括PublishSubject、BehaviorSubject及其无状态变体
package rxgo

import (
	"context"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// 选项
// ============================================================================

// PublishingOption 发布方式
type PublishingOption int

const (
	// Serial 整个分发过程持有主题的门，同一时刻只有一次分发
	Serial PublishingOption = iota
	// Concurrent 只在读写主题状态时持有门，分发可以并行，每个观察者在独立的goroutine中接收
	Concurrent
)

func (p PublishingOption) String() string {
	switch p {
	case Serial:
		return "Serial"
	case Concurrent:
		return "Concurrent"
	}
	return "PublishingOption(?)"
}

// SubjectOptions 主题创建选项
type SubjectOptions struct {
	Publishing PublishingOption
	// IsStateless 观察者集合变为空时恢复初始状态（种子值、未终止）
	IsStateless bool
}

// ============================================================================
// Subject 主题接口
// ============================================================================

// Subject 既是Observable又是Observer的广播中心
type Subject[T any] interface {
	Observable[T]

	// OnNext 发送下一个值
	OnNext(ctx context.Context, value T)

	// OnErrorResume 发送可恢复的错误
	OnErrorResume(ctx context.Context, err error)

	// OnCompleted 发送终止信号
	OnCompleted(ctx context.Context, result Result)

	// AsObserver 返回转发到主题的Observer，每次调用都是新的订阅端
	AsObserver() *Observer[T]

	// HasObservers 检查是否有观察者
	HasObservers() bool

	// ObserverCount 获取观察者数量
	ObserverCount() int
}

// ============================================================================
// PublishSubject - 发布主题
// ============================================================================

// PublishSubject 发布主题，只向当前订阅者发送新的值
type PublishSubject[T any] struct {
	config  *Config
	options SubjectOptions
	gate    *AsyncGate

	mu        sync.Mutex
	observers []*Observer[T]
	result    *Result

	replay bool
	value  T
	seed   T
}

// NewSubject 创建新的发布主题
func NewSubject[T any](opts SubjectOptions, options ...Option) *PublishSubject[T] {
	return &PublishSubject[T]{
		config:  NewConfig(options...),
		options: opts,
		gate:    NewAsyncGate(),
	}
}

func (ps *PublishSubject[T]) runtimeConfig() *Config {
	return ps.config
}

// dispatch 返回分发使用的ctx：Serial方式继续持有门，Concurrent方式先释放门
func (ps *PublishSubject[T]) dispatch(ctx, gctx context.Context, release func()) context.Context {
	if ps.options.Publishing == Serial {
		return gctx
	}
	release()
	return ctx
}

// Subscribe 订阅观察者
//
// 两种发布方式下都持有门直到重放完成，重放的值不会晚于更新的值到达。
// 已终止的主题立即向observer发送终止结果，返回的句柄已释放。
func (ps *PublishSubject[T]) Subscribe(ctx context.Context, observer *Observer[T]) (Disposable, error) {
	ctx, release, err := ps.gate.Lock(ctx)
	if err != nil {
		if derr := observer.Dispose(ctx); derr != nil {
			ps.config.reportUnhandled(derr)
		}
		return nil, err
	}
	defer release()

	ps.mu.Lock()
	if ps.result != nil {
		result := *ps.result
		ps.mu.Unlock()

		observer.OnCompleted(ctx, result)
		if derr := observer.Dispose(ctx); derr != nil {
			ps.config.reportUnhandled(derr)
		}
		return observer, nil
	}
	ps.observers = append(ps.observers, observer)
	replay, value := ps.replay, ps.value
	ps.mu.Unlock()
	ps.config.Metrics.SubjectObserversChanged(1)

	if err := observer.SetSourceSubscription(ctx, NewDisposable(func(context.Context) error {
		ps.removeObserver(observer)
		return nil
	})); err != nil {
		ps.removeObserver(observer)
		return nil, err
	}

	if replay {
		observer.OnNext(ctx, value)
	}
	return observer, nil
}

// SubscribeWithCallbacks 使用回调函数订阅
func (ps *PublishSubject[T]) SubscribeWithCallbacks(ctx context.Context, callbacks Callbacks[T]) (Disposable, error) {
	return ps.Subscribe(ctx, newObserver[T](callbacks, ps.config))
}

// OnNext 发送下一个值，终止后忽略
func (ps *PublishSubject[T]) OnNext(ctx context.Context, value T) {
	gctx, release, err := ps.gate.Lock(ctx)
	if err != nil {
		return
	}
	defer release()

	ps.mu.Lock()
	if ps.result != nil {
		ps.mu.Unlock()
		return
	}
	if ps.replay {
		ps.value = value
	}
	observers := slices.Clone(ps.observers)
	ps.mu.Unlock()

	ctx = ps.dispatch(ctx, gctx, release)
	ps.publish(observers, func(o *Observer[T]) {
		o.OnNext(ctx, value)
	})
}

// OnErrorResume 发送可恢复的错误，终止后忽略
func (ps *PublishSubject[T]) OnErrorResume(ctx context.Context, err error) {
	gctx, release, lerr := ps.gate.Lock(ctx)
	if lerr != nil {
		ps.config.reportUnhandled(err)
		return
	}
	defer release()

	ps.mu.Lock()
	if ps.result != nil {
		ps.mu.Unlock()
		return
	}
	observers := slices.Clone(ps.observers)
	ps.mu.Unlock()

	ctx = ps.dispatch(ctx, gctx, release)
	ps.publish(observers, func(o *Observer[T]) {
		o.OnErrorResume(ctx, err)
	})
}

// OnCompleted 记录并发送终止信号，只生效一次
func (ps *PublishSubject[T]) OnCompleted(ctx context.Context, result Result) {
	gctx, release, err := ps.gate.Lock(ctx)
	if err != nil {
		// 终止信号不能因为取消而丢失
		ctx = context.WithoutCancel(ctx)
		if gctx, release, err = ps.gate.Lock(ctx); err != nil {
			return
		}
	}
	defer release()

	ps.mu.Lock()
	if ps.result != nil {
		ps.mu.Unlock()
		return
	}
	observers := ps.observers
	ps.observers = nil
	if ps.options.IsStateless {
		ps.resetLocked()
	} else {
		ps.result = &result
	}
	ps.mu.Unlock()
	ps.config.Metrics.SubjectObserversChanged(-len(observers))

	ctx = ps.dispatch(ctx, gctx, release)
	ps.publish(observers, func(o *Observer[T]) {
		o.OnCompleted(ctx, result)
	})
}

// publish Serial方式顺序分发，Concurrent方式并行分发并等待全部完成
func (ps *PublishSubject[T]) publish(observers []*Observer[T], deliver func(o *Observer[T])) {
	if ps.options.Publishing == Serial || len(observers) <= 1 {
		for _, o := range observers {
			deliver(o)
		}
		return
	}

	var g errgroup.Group
	for _, o := range observers {
		g.Go(func() error {
			deliver(o)
			return nil
		})
	}
	_ = g.Wait()
}

// AsObserver 返回转发到主题的Observer
func (ps *PublishSubject[T]) AsObserver() *Observer[T] {
	return newObserver[T](subjectSink[T]{subject: ps}, ps.config)
}

// HasObservers 检查是否有观察者
func (ps *PublishSubject[T]) HasObservers() bool {
	return ps.ObserverCount() > 0
}

// ObserverCount 获取观察者数量
func (ps *PublishSubject[T]) ObserverCount() int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.observers)
}

// removeObserver 移除观察者，无状态主题在集合变空时重置
func (ps *PublishSubject[T]) removeObserver(observer *Observer[T]) {
	ps.mu.Lock()
	idx := slices.Index(ps.observers, observer)
	if idx < 0 {
		ps.mu.Unlock()
		return
	}
	ps.observers = slices.Delete(ps.observers, idx, idx+1)
	if ps.options.IsStateless && len(ps.observers) == 0 {
		ps.resetLocked()
	}
	ps.mu.Unlock()
	ps.config.Metrics.SubjectObserversChanged(-1)
}

func (ps *PublishSubject[T]) resetLocked() {
	ps.result = nil
	ps.value = ps.seed
}

// subjectSink 作为Observer把通知转发给主题
type subjectSink[T any] struct {
	subject Subject[T]
}

func (s subjectSink[T]) HandleNext(ctx context.Context, value T) error {
	s.subject.OnNext(ctx, value)
	return nil
}

func (s subjectSink[T]) HandleErrorResume(ctx context.Context, err error) error {
	s.subject.OnErrorResume(ctx, err)
	return nil
}

func (s subjectSink[T]) HandleCompleted(ctx context.Context, result Result) error {
	s.subject.OnCompleted(ctx, result)
	return nil
}

// ============================================================================
// BehaviorSubject - 行为主题
// ============================================================================

// BehaviorSubject 行为主题，保存最后一个值，新订阅者会立即收到最后的值
type BehaviorSubject[T any] struct {
	*PublishSubject[T]
}

// NewBehaviorSubject 创建新的行为主题
func NewBehaviorSubject[T any](seed T, opts SubjectOptions, options ...Option) *BehaviorSubject[T] {
	ps := NewSubject[T](opts, options...)
	ps.replay = true
	ps.value = seed
	ps.seed = seed
	return &BehaviorSubject[T]{PublishSubject: ps}
}

// Value 获取当前值
func (bs *BehaviorSubject[T]) Value() T {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bs.value
}
