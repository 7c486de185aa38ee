// Test helpers for RxGo
// 测试用的数据源与记录器
package rxgo

import (
	"context"
	"sync"
	"testing"
	"time"
)

// just 同步发射values后成功完成
func just[T any](values ...T) Observable[T] {
	return Create(func(ctx context.Context, o *Observer[T]) (Disposable, error) {
		for _, v := range values {
			o.OnNext(ctx, v)
		}
		o.OnCompleted(ctx, Success())
		return Disposed(), nil
	})
}

// failing 同步发射values后以err失败
func failing[T any](err error, values ...T) Observable[T] {
	return Create(func(ctx context.Context, o *Observer[T]) (Disposable, error) {
		for _, v := range values {
			o.OnNext(ctx, v)
		}
		o.OnCompleted(ctx, Failure(err))
		return Disposed(), nil
	})
}

// async 在独立goroutine中发射values，释放时停止
func async[T any](values ...T) Observable[T] {
	return Create(func(ctx context.Context, o *Observer[T]) (Disposable, error) {
		ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		go func() {
			for _, v := range values {
				if ctx.Err() != nil {
					return
				}
				o.OnNext(ctx, v)
			}
			o.OnCompleted(ctx, Success())
		}()
		return NewDisposable(func(context.Context) error {
			cancel()
			return nil
		}), nil
	})
}

// probed 包装src，订阅与释放时回调
func probed[T any](src Observable[T], onSubscribe, onDispose func()) Observable[T] {
	return Create(func(ctx context.Context, o *Observer[T]) (Disposable, error) {
		if onSubscribe != nil {
			onSubscribe()
		}
		inner := NewObserver[T](forwardTo(o))
		if _, err := src.Subscribe(ctx, inner); err != nil {
			return nil, err
		}
		return NewCompositeDisposable(inner, NewDisposable(func(context.Context) error {
			if onDispose != nil {
				onDispose()
			}
			return nil
		})), nil
	})
}

// recorder 记录收到的所有通知
type recorder[T any] struct {
	mu      sync.Mutex
	values  []T
	errs    []error
	results []Result
	done    chan struct{}

	onNext func(ctx context.Context, value T) error
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{done: make(chan struct{})}
}

func (r *recorder[T]) callbacks() Callbacks[T] {
	return Callbacks[T]{
		OnNext: func(ctx context.Context, value T) error {
			r.mu.Lock()
			r.values = append(r.values, value)
			r.mu.Unlock()
			if r.onNext != nil {
				return r.onNext(ctx, value)
			}
			return nil
		},
		OnErrorResume: func(_ context.Context, err error) error {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
			return nil
		},
		OnCompleted: func(_ context.Context, result Result) error {
			r.mu.Lock()
			r.results = append(r.results, result)
			first := len(r.results) == 1
			r.mu.Unlock()
			if first {
				close(r.done)
			}
			return nil
		},
	}
}

func (r *recorder[T]) observer(options ...Option) *Observer[T] {
	return NewObserver[T](r.callbacks(), options...)
}

func (r *recorder[T]) Values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.values...)
}

func (r *recorder[T]) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder[T]) Results() []Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Result(nil), r.results...)
}

func (r *recorder[T]) isDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// wait 等待终止信号
func (r *recorder[T]) wait(t *testing.T) Result {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(2 * time.Second):
		t.Fatal("测试超时：未收到终止信号")
	}
	return r.Results()[0]
}
