// ConnectableObservable implementation for RxGo
// 实现可连接的Observable，基于Subject多播，支持RefCount与AutoConnect
package rxgo

import (
	"context"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ============================================================================
// ConnectableObservable 可连接的Observable
// ============================================================================

// ConnectableObservable 可连接的Observable接口，支持多播
type ConnectableObservable[T any] interface {
	Observable[T]

	// Connect 订阅源并开始向主题发射，已连接时返回现有连接
	Connect(ctx context.Context) (Disposable, error)

	// IsConnected 检查是否已连接
	IsConnected() bool

	// RefCount 第一个订阅者到来时连接，最后一个离开时断开
	RefCount() Observable[T]

	// AutoConnect 当有指定数量的订阅者时自动连接
	AutoConnect(subscriberCount int) Observable[T]
}

// connectableObservableImpl ConnectableObservable的核心实现
type connectableObservableImpl[T any] struct {
	source  Observable[T]
	subject Subject[T]
	config  *Config

	mu          sync.Mutex
	connection  *connection[T]
	refs        int
	autoWaiting int
}

// connection 一次对源的订阅
type connection[T any] struct {
	parent   *connectableObservableImpl[T]
	observer *Observer[T]
}

func (c *connection[T]) Dispose(ctx context.Context) error {
	return c.observer.Dispose(ctx)
}

// Multicast 使用subject把源多播给所有订阅者
func Multicast[T any](source Observable[T], subject Subject[T]) ConnectableObservable[T] {
	return &connectableObservableImpl[T]{
		source:  source,
		subject: subject,
		config:  configOf(source),
	}
}

// ============================================================================
// Observable 接口实现
// ============================================================================

// Subscribe 订阅主题，不会触发连接
func (co *connectableObservableImpl[T]) Subscribe(ctx context.Context, observer *Observer[T]) (Disposable, error) {
	return co.subject.Subscribe(ctx, observer)
}

// SubscribeWithCallbacks 使用回调函数订阅
func (co *connectableObservableImpl[T]) SubscribeWithCallbacks(ctx context.Context, callbacks Callbacks[T]) (Disposable, error) {
	return co.subject.Subscribe(ctx, newObserver[T](callbacks, co.config))
}

func (co *connectableObservableImpl[T]) runtimeConfig() *Config {
	return co.config
}

// ============================================================================
// ConnectableObservable 接口实现
// ============================================================================

// Connect 开始发射数据给订阅者
//
// 源完成或连接被释放后，再次Connect会重新订阅源；正在关闭的连接不会被复用。
func (co *connectableObservableImpl[T]) Connect(ctx context.Context) (Disposable, error) {
	co.mu.Lock()
	if conn := co.connection; conn != nil && !conn.observer.isClosed() {
		co.mu.Unlock()
		return conn, nil
	}
	conn := &connection[T]{parent: co}
	conn.observer = newObserver[T](&connectionSink[T]{conn: conn}, co.config)
	co.connection = conn
	co.mu.Unlock()

	co.config.Logger.Debug("connecting multicast source", zap.Stringer("observer", conn.observer.ID()))
	if _, err := co.source.Subscribe(ctx, conn.observer); err != nil {
		co.disconnected(conn)
		return nil, err
	}
	return conn, nil
}

// IsConnected 检查是否已连接
func (co *connectableObservableImpl[T]) IsConnected() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.connection != nil
}

func (co *connectableObservableImpl[T]) disconnected(conn *connection[T]) {
	co.mu.Lock()
	if co.connection == conn {
		co.connection = nil
	}
	co.mu.Unlock()
}

// RefCount 返回一个自动连接/断开的Observable
func (co *connectableObservableImpl[T]) RefCount() Observable[T] {
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		inner := newObserver[T](forwardTo(observer), co.config)
		if _, err := co.subject.Subscribe(ctx, inner); err != nil {
			return nil, err
		}

		co.mu.Lock()
		co.refs++
		first := co.refs == 1
		co.mu.Unlock()

		release := func(ctx context.Context) error {
			err := inner.Dispose(ctx)

			co.mu.Lock()
			co.refs--
			var conn *connection[T]
			if co.refs == 0 {
				// 与计数归零同时摘下连接，之后的首个订阅者建立新连接
				conn = co.connection
				co.connection = nil
			}
			co.mu.Unlock()

			// 没有其他订阅者，断开连接
			if conn != nil {
				err = multierr.Append(err, conn.Dispose(ctx))
			}
			return err
		}

		if first {
			if _, err := co.Connect(ctx); err != nil {
				if derr := release(ctx); derr != nil {
					co.config.reportUnhandled(derr)
				}
				return nil, err
			}
		}
		return NewDisposable(release), nil
	}, co.config)
}

// AutoConnect 当有指定数量的订阅者时自动连接
func (co *connectableObservableImpl[T]) AutoConnect(subscriberCount int) Observable[T] {
	if subscriberCount <= 0 {
		subscriberCount = 1
	}
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		inner := newObserver[T](forwardTo(observer), co.config)
		if _, err := co.subject.Subscribe(ctx, inner); err != nil {
			return nil, err
		}

		co.mu.Lock()
		co.autoWaiting++
		connect := co.autoWaiting == subscriberCount
		co.mu.Unlock()

		// 检查是否达到自动连接的订阅者数量
		if connect {
			if _, err := co.Connect(ctx); err != nil {
				if derr := inner.Dispose(ctx); derr != nil {
					co.config.reportUnhandled(derr)
				}
				return nil, err
			}
		}
		return inner, nil
	}, co.config)
}

// connectionSink 把源的通知转发给主题，释放时清除连接
type connectionSink[T any] struct {
	conn *connection[T]
}

func (s *connectionSink[T]) HandleNext(ctx context.Context, value T) error {
	s.conn.parent.subject.OnNext(ctx, value)
	return nil
}

func (s *connectionSink[T]) HandleErrorResume(ctx context.Context, err error) error {
	s.conn.parent.subject.OnErrorResume(ctx, err)
	return nil
}

func (s *connectionSink[T]) HandleCompleted(ctx context.Context, result Result) error {
	s.conn.parent.subject.OnCompleted(ctx, result)
	return nil
}

func (s *connectionSink[T]) DisposeHandler(context.Context) error {
	s.conn.parent.disconnected(s.conn)
	return nil
}

// ============================================================================
// 工厂函数
// ============================================================================

// Publish 将Observable转换为基于发布主题的ConnectableObservable
func Publish[T any](source Observable[T]) ConnectableObservable[T] {
	return Multicast[T](source, NewSubject[T](SubjectOptions{}, WithConfig(configOf(source))))
}

// PublishBehavior 将Observable转换为基于行为主题的ConnectableObservable
func PublishBehavior[T any](source Observable[T], seed T) ConnectableObservable[T] {
	return Multicast[T](source, NewBehaviorSubject(seed, SubjectOptions{}, WithConfig(configOf(source))))
}

// Share 共享一个对源的订阅，订阅者全部离开或源完成后下一次订阅重新连接
func Share[T any](source Observable[T]) Observable[T] {
	subject := NewSubject[T](SubjectOptions{IsStateless: true}, WithConfig(configOf(source)))
	return Multicast[T](source, subject).RefCount()
}
