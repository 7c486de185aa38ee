// Combination operators for RxGo
// 组合操作符实现：Concat顺序连接，Merge并发合并
package rxgo

import (
	"context"
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ============================================================================
// Concat 顺序连接
// ============================================================================

// Concat 按顺序连接多个Observable
func Concat[T any](sources ...Observable[T]) Observable[T] {
	return ConcatSeq(slices.Values(sources), sourcesConfig(sources)...)
}

// ConcatSeq 按顺序连接序列中的Observable，序列在需要下一个时才被读取
func ConcatSeq[T any](sources iter.Seq[Observable[T]], options ...Option) Observable[T] {
	config := NewConfig(options...)
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		next, stop := iter.Pull(sources)
		c := newConcatCoordinator(observer, config)
		c.pull = next
		c.stop = stop
		c.outerDone = true

		c.drain(ctx)
		return NewDisposable(c.dispose), nil
	}, config)
}

// ConcatAll 顺序连接流中到达的Observable，活跃期间到达的按到达顺序排队
func ConcatAll[T any](sources Observable[Observable[T]]) Observable[T] {
	config := configOf(sources)
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		c := newConcatCoordinator(observer, config)
		outer := newObserver[Observable[T]](&concatOuter[T]{c: c}, config)
		c.outer = outer

		if _, err := sources.Subscribe(ctx, outer); err != nil {
			if derr := c.dispose(ctx); derr != nil {
				config.reportUnhandled(derr)
			}
			return nil, err
		}
		return NewDisposable(c.dispose), nil
	}, config)
}

// concatCoordinator 管理当前内部订阅与待订阅队列
type concatCoordinator[T any] struct {
	downstream *Observer[T]
	config     *Config
	current    *SerialDisposable
	outer      Disposable

	mu        sync.Mutex
	queue     []Observable[T]
	pull      func() (Observable[T], bool)
	stop      func()
	active    bool
	outerDone bool
	done      bool

	wip atomic.Int32
}

func newConcatCoordinator[T any](downstream *Observer[T], config *Config) *concatCoordinator[T] {
	return &concatCoordinator[T]{
		downstream: downstream,
		config:     config,
		current:    NewSerialDisposable(),
	}
}

// drain 在没有活跃内部订阅时订阅下一个；同步完成的内部流在循环中处理
func (c *concatCoordinator[T]) drain(ctx context.Context) {
	if c.wip.Add(1) != 1 {
		return
	}

	for {
		source, ok, complete, err := c.next()
		if err != nil {
			c.fail(ctx, err)
			return
		}
		switch {
		case complete:
			c.downstream.OnCompleted(ctx, Success())
			return
		case ok:
			c.subscribeInner(ctx, source)
		case c.isDone():
			return
		}

		if c.wip.Add(-1) == 0 {
			return
		}
	}
}

// next 取出下一个待订阅的源；序列panic时返回错误
func (c *concatCoordinator[T]) next() (source Observable[T], ok, complete bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.done || c.active {
		return nil, false, false, nil
	}
	err = SafeExecute(func() error {
		source, ok = c.dequeue()
		return nil
	})
	switch {
	case err != nil:
	case ok:
		c.active = true
	case c.outerDone:
		c.done = true
		complete = true
		c.stopLocked()
	}
	return source, ok, complete, err
}

func (c *concatCoordinator[T]) isDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

func (c *concatCoordinator[T]) dequeue() (Observable[T], bool) {
	if len(c.queue) > 0 {
		source := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		return source, true
	}
	if c.pull != nil {
		return c.pull()
	}
	return nil, false
}

func (c *concatCoordinator[T]) stopLocked() {
	if c.stop != nil {
		c.stop()
		c.stop = nil
		c.pull = nil
	}
}

func (c *concatCoordinator[T]) subscribeInner(ctx context.Context, source Observable[T]) {
	inner := newObserver[T](&concatInner[T]{c: c}, c.config)
	if err := c.current.Set(ctx, inner); err != nil {
		c.config.reportUnhandled(err)
	}
	if _, err := source.Subscribe(ctx, inner); err != nil {
		c.fail(ctx, err)
	}
}

func (c *concatCoordinator[T]) innerCompleted(ctx context.Context) {
	c.mu.Lock()
	c.active = false
	c.mu.Unlock()
	// 替换当前内部订阅会取消ctx，后续源不应继承它
	c.drain(context.WithoutCancel(ctx))
}

func (c *concatCoordinator[T]) fail(ctx context.Context, err error) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	c.done = true
	c.stopLocked()
	c.mu.Unlock()

	c.downstream.OnCompleted(ctx, Failure(err))
}

func (c *concatCoordinator[T]) dispose(ctx context.Context) error {
	c.mu.Lock()
	c.done = true
	c.queue = nil
	c.stopLocked()
	outer := c.outer
	c.mu.Unlock()

	var err error
	if outer != nil {
		err = outer.Dispose(ctx)
	}
	return multierr.Append(err, c.current.Dispose(ctx))
}

type concatInner[T any] struct {
	c *concatCoordinator[T]
}

func (h *concatInner[T]) HandleNext(ctx context.Context, value T) error {
	h.c.downstream.OnNext(ctx, value)
	return nil
}

func (h *concatInner[T]) HandleErrorResume(ctx context.Context, err error) error {
	h.c.downstream.OnErrorResume(ctx, err)
	return nil
}

func (h *concatInner[T]) HandleCompleted(ctx context.Context, result Result) error {
	if result.IsFailure() {
		h.c.fail(ctx, result.Err())
		return nil
	}
	h.c.innerCompleted(ctx)
	return nil
}

type concatOuter[T any] struct {
	c *concatCoordinator[T]
}

func (h *concatOuter[T]) HandleNext(ctx context.Context, source Observable[T]) error {
	h.c.mu.Lock()
	if h.c.done {
		h.c.mu.Unlock()
		return nil
	}
	h.c.queue = append(h.c.queue, source)
	h.c.mu.Unlock()

	h.c.drain(ctx)
	return nil
}

func (h *concatOuter[T]) HandleErrorResume(ctx context.Context, err error) error {
	h.c.downstream.OnErrorResume(ctx, err)
	return nil
}

func (h *concatOuter[T]) HandleCompleted(ctx context.Context, result Result) error {
	if result.IsFailure() {
		h.c.fail(ctx, result.Err())
		return nil
	}
	h.c.mu.Lock()
	h.c.outerDone = true
	h.c.mu.Unlock()

	h.c.drain(ctx)
	return nil
}

// ============================================================================
// Merge 并发合并
// ============================================================================

// Merge 并发合并多个Observable
func Merge[T any](sources ...Observable[T]) Observable[T] {
	return MergeSeq(slices.Values(sources), sourcesConfig(sources)...)
}

// MergeSeq 并发订阅序列中的所有Observable
//
// 某个内部流订阅失败或序列panic时，整个合并以失败结束，已启动的内部订阅被释放。
func MergeSeq[T any](sources iter.Seq[Observable[T]], options ...Option) Observable[T] {
	config := NewConfig(options...)
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		m := newMergeCoordinator(observer, config)
		resource := NewDisposable(m.dispose)

		if err := SafeExecute(func() error {
			for source := range sources {
				if !m.subscribeInner(ctx, source) {
					break
				}
			}
			return nil
		}); err != nil {
			if derr := resource.Dispose(ctx); derr != nil {
				config.reportUnhandled(derr)
			}
			return nil, err
		}

		m.outerCompleted(ctx)
		return resource, nil
	}, config)
}

// MergeAll 并发订阅流中到达的每个Observable
func MergeAll[T any](sources Observable[Observable[T]]) Observable[T] {
	config := configOf(sources)
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		m := newMergeCoordinator(observer, config)
		outer := newObserver[Observable[T]](&mergeOuter[T]{m: m}, config)
		m.outer = outer

		resource := NewDisposable(m.dispose)
		if _, err := sources.Subscribe(ctx, outer); err != nil {
			if derr := resource.Dispose(ctx); derr != nil {
				config.reportUnhandled(derr)
			}
			return nil, err
		}
		return resource, nil
	}, config)
}

// mergeCoordinator 跟踪活跃的内部订阅，通过AsyncGate串行转发
type mergeCoordinator[T any] struct {
	downstream *Observer[T]
	config     *Config
	gate       *AsyncGate
	inners     *CompositeDisposable
	outer      Disposable

	mu        sync.Mutex
	active    int
	outerDone bool
	done      bool
}

func newMergeCoordinator[T any](downstream *Observer[T], config *Config) *mergeCoordinator[T] {
	return &mergeCoordinator[T]{
		downstream: downstream,
		config:     config,
		gate:       NewAsyncGate(),
		inners:     NewCompositeDisposable(),
	}
}

// subscribeInner 返回false表示合并已结束
func (m *mergeCoordinator[T]) subscribeInner(ctx context.Context, source Observable[T]) bool {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return false
	}
	m.active++
	m.mu.Unlock()

	handler := &mergeInner[T]{m: m}
	inner := newObserver[T](handler, m.config)
	handler.self = inner
	if err := m.inners.Add(ctx, inner); err != nil {
		m.config.reportUnhandled(err)
	}

	if _, err := source.Subscribe(ctx, inner); err != nil {
		m.fail(ctx, err)
		return false
	}
	return true
}

func (m *mergeCoordinator[T]) forwardNext(ctx context.Context, value T) {
	gctx, release, err := m.gate.Lock(ctx)
	if err != nil {
		return
	}
	defer release()
	m.downstream.OnNext(gctx, value)
}

func (m *mergeCoordinator[T]) forwardErrorResume(ctx context.Context, err error) {
	gctx, release, lerr := m.gate.Lock(ctx)
	if lerr != nil {
		m.config.reportUnhandled(err)
		return
	}
	defer release()
	m.downstream.OnErrorResume(gctx, err)
}

func (m *mergeCoordinator[T]) innerCompleted(ctx context.Context) {
	m.mu.Lock()
	m.active--
	finish := m.active == 0 && m.outerDone && !m.done
	if finish {
		m.done = true
	}
	m.mu.Unlock()

	if finish {
		m.complete(ctx, Success())
	}
}

func (m *mergeCoordinator[T]) outerCompleted(ctx context.Context) {
	m.mu.Lock()
	m.outerDone = true
	finish := m.active == 0 && !m.done
	if finish {
		m.done = true
	}
	m.mu.Unlock()

	if finish {
		m.complete(ctx, Success())
	}
}

func (m *mergeCoordinator[T]) fail(ctx context.Context, err error) {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return
	}
	m.done = true
	m.mu.Unlock()

	m.complete(ctx, Failure(err))
}

func (m *mergeCoordinator[T]) complete(ctx context.Context, result Result) {
	gctx, release, err := m.gate.Lock(ctx)
	if err != nil {
		return
	}
	defer release()
	m.downstream.OnCompleted(gctx, result)
}

func (m *mergeCoordinator[T]) dispose(ctx context.Context) error {
	m.mu.Lock()
	m.done = true
	outer := m.outer
	m.mu.Unlock()

	m.gate.Close()

	var err error
	if outer != nil {
		err = outer.Dispose(ctx)
	}
	return multierr.Append(err, m.inners.Dispose(ctx))
}

type mergeInner[T any] struct {
	m    *mergeCoordinator[T]
	self *Observer[T]
}

func (h *mergeInner[T]) HandleNext(ctx context.Context, value T) error {
	h.m.forwardNext(ctx, value)
	return nil
}

func (h *mergeInner[T]) HandleErrorResume(ctx context.Context, err error) error {
	h.m.forwardErrorResume(ctx, err)
	return nil
}

func (h *mergeInner[T]) HandleCompleted(ctx context.Context, result Result) error {
	h.m.inners.Remove(h.self)
	if result.IsFailure() {
		h.m.fail(ctx, result.Err())
		return nil
	}
	h.m.innerCompleted(ctx)
	return nil
}

type mergeOuter[T any] struct {
	m *mergeCoordinator[T]
}

func (h *mergeOuter[T]) HandleNext(ctx context.Context, source Observable[T]) error {
	h.m.subscribeInner(ctx, source)
	return nil
}

func (h *mergeOuter[T]) HandleErrorResume(ctx context.Context, err error) error {
	h.m.forwardErrorResume(ctx, err)
	return nil
}

func (h *mergeOuter[T]) HandleCompleted(ctx context.Context, result Result) error {
	if result.IsFailure() {
		h.m.fail(ctx, result.Err())
		return nil
	}
	h.m.outerCompleted(ctx)
	return nil
}

// sourcesConfig 静态组合沿用第一个源的配置
func sourcesConfig[T any](sources []Observable[T]) []Option {
	if len(sources) == 0 {
		return nil
	}
	return []Option{WithConfig(configOf(sources[0]))}
}
