// Observable implementation for RxGo
// Observable核心实现：订阅与释放的接线
package rxgo

import (
	"context"
)

// ============================================================================
// Observable 核心接口
// ============================================================================

// Observable 可重复订阅的流配方，每次订阅产生独立的流
type Observable[T any] interface {
	// Subscribe 订阅观察者，返回的句柄就是observer本身
	Subscribe(ctx context.Context, observer *Observer[T]) (Disposable, error)

	// SubscribeWithCallbacks 使用回调函数订阅
	SubscribeWithCallbacks(ctx context.Context, callbacks Callbacks[T]) (Disposable, error)
}

// SubscribeFunc 生产者的订阅函数，返回生产者自身持有的资源
type SubscribeFunc[T any] func(ctx context.Context, observer *Observer[T]) (Disposable, error)

// ============================================================================
// Observable 核心实现
// ============================================================================

// observableImpl Observable的核心实现
type observableImpl[T any] struct {
	source SubscribeFunc[T]
	config *Config
}

// Create 由订阅函数创建Observable
func Create[T any](source SubscribeFunc[T], options ...Option) Observable[T] {
	return newObservable(source, NewConfig(options...))
}

func newObservable[T any](source SubscribeFunc[T], config *Config) *observableImpl[T] {
	return &observableImpl[T]{
		source: source,
		config: config,
	}
}

// Subscribe 订阅观察者
//
// 订阅函数返回错误或panic时，observer先被释放再返回错误。
func (o *observableImpl[T]) Subscribe(ctx context.Context, observer *Observer[T]) (Disposable, error) {
	var resource Disposable
	err := SafeExecute(func() error {
		var err error
		resource, err = o.source(ctx, observer)
		return err
	})
	if err != nil {
		if derr := observer.Dispose(ctx); derr != nil {
			o.config.reportUnhandled(derr)
		}
		return nil, err
	}

	if resource == nil {
		resource = Disposed()
	}
	if err := observer.SetSourceSubscription(ctx, resource); err != nil {
		if derr := resource.Dispose(ctx); derr != nil {
			o.config.reportUnhandled(derr)
		}
		return nil, err
	}
	return observer, nil
}

// SubscribeWithCallbacks 使用回调函数订阅
func (o *observableImpl[T]) SubscribeWithCallbacks(ctx context.Context, callbacks Callbacks[T]) (Disposable, error) {
	return o.Subscribe(ctx, newObserver[T](callbacks, o.config))
}

// configOf 取得Observable的配置，外部实现使用默认配置
func configOf[T any](source Observable[T]) *Config {
	switch s := source.(type) {
	case *observableImpl[T]:
		return s.config
	case configured:
		return s.runtimeConfig()
	}
	return DefaultConfig()
}

type configured interface {
	runtimeConfig() *Config
}

// ============================================================================
// 转发
// ============================================================================

// forwarder 将所有通知原样转发给下游Observer
type forwarder[T any] struct {
	downstream *Observer[T]
}

func forwardTo[T any](downstream *Observer[T]) Handler[T] {
	return forwarder[T]{downstream: downstream}
}

func (f forwarder[T]) HandleNext(ctx context.Context, value T) error {
	f.downstream.OnNext(ctx, value)
	return nil
}

func (f forwarder[T]) HandleErrorResume(ctx context.Context, err error) error {
	f.downstream.OnErrorResume(ctx, err)
	return nil
}

func (f forwarder[T]) HandleCompleted(ctx context.Context, result Result) error {
	f.downstream.OnCompleted(ctx, result)
	return nil
}
