// Advanced operators for RxGo
// SwitchOnNext：始终只保留最新的内部订阅
package rxgo

import (
	"context"
	"sync"

	"go.uber.org/multierr"
)

// ============================================================================
// SwitchOnNext操作符 - 对标RxJava的switchOnNext
// ============================================================================

// SwitchOnNext 切换到最新的内部Observable
//
// 新的内部流到达时，先释放上一个内部订阅（取消其进行中的处理），再订阅新的内部流。
func SwitchOnNext[T any](sources Observable[Observable[T]]) Observable[T] {
	config := configOf(sources)
	return newObservable(func(ctx context.Context, observer *Observer[T]) (Disposable, error) {
		s := &switchCoordinator[T]{
			downstream: observer,
			config:     config,
			gate:       NewAsyncGate(),
			current:    NewSerialDisposable(),
		}
		outer := newObserver[Observable[T]](&switchOuter[T]{s: s}, config)
		s.outer = outer

		resource := NewDisposable(s.dispose)
		if _, err := sources.Subscribe(ctx, outer); err != nil {
			if derr := resource.Dispose(ctx); derr != nil {
				config.reportUnhandled(derr)
			}
			return nil, err
		}
		return resource, nil
	}, config)
}

type switchCoordinator[T any] struct {
	downstream *Observer[T]
	config     *Config
	gate       *AsyncGate
	current    *SerialDisposable
	outer      Disposable

	mu          sync.Mutex
	generation  uint64
	innerActive bool
	outerDone   bool
	done        bool
}

func (s *switchCoordinator[T]) switchTo(ctx context.Context, source Observable[T]) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.generation++
	gen := s.generation
	s.innerActive = true
	s.mu.Unlock()

	inner := newObserver[T](&switchInner[T]{s: s, generation: gen}, s.config)
	// 上一个内部订阅在新订阅开始之前释放
	if err := s.current.Set(ctx, inner); err != nil {
		s.config.reportUnhandled(err)
	}
	if _, err := source.Subscribe(ctx, inner); err != nil {
		s.fail(ctx, gen, err)
	}
}

func (s *switchCoordinator[T]) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.done && s.generation == gen
}

func (s *switchCoordinator[T]) innerCompleted(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.innerActive = false
	finish := s.outerDone && !s.done
	if finish {
		s.done = true
	}
	s.mu.Unlock()

	if finish {
		s.complete(ctx, Success())
	}
}

func (s *switchCoordinator[T]) outerCompleted(ctx context.Context) {
	s.mu.Lock()
	s.outerDone = true
	finish := !s.innerActive && !s.done
	if finish {
		s.done = true
	}
	s.mu.Unlock()

	if finish {
		s.complete(ctx, Success())
	}
}

// fail gen为0表示来自外部流
func (s *switchCoordinator[T]) fail(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	if s.done || (gen != 0 && gen != s.generation) {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	s.complete(ctx, Failure(err))
}

func (s *switchCoordinator[T]) complete(ctx context.Context, result Result) {
	gctx, release, err := s.gate.Lock(ctx)
	if err != nil {
		return
	}
	defer release()
	s.downstream.OnCompleted(gctx, result)
}

func (s *switchCoordinator[T]) dispose(ctx context.Context) error {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()

	s.gate.Close()
	return multierr.Append(s.outer.Dispose(ctx), s.current.Dispose(ctx))
}

type switchInner[T any] struct {
	s          *switchCoordinator[T]
	generation uint64
}

func (h *switchInner[T]) HandleNext(ctx context.Context, value T) error {
	if !h.s.isCurrent(h.generation) {
		return nil
	}
	gctx, release, err := h.s.gate.Lock(ctx)
	if err != nil {
		return nil
	}
	defer release()
	h.s.downstream.OnNext(gctx, value)
	return nil
}

func (h *switchInner[T]) HandleErrorResume(ctx context.Context, err error) error {
	if !h.s.isCurrent(h.generation) {
		return nil
	}
	gctx, release, lerr := h.s.gate.Lock(ctx)
	if lerr != nil {
		return nil
	}
	defer release()
	h.s.downstream.OnErrorResume(gctx, err)
	return nil
}

func (h *switchInner[T]) HandleCompleted(ctx context.Context, result Result) error {
	if result.IsFailure() {
		h.s.fail(ctx, h.generation, result.Err())
		return nil
	}
	h.s.innerCompleted(ctx, h.generation)
	return nil
}

type switchOuter[T any] struct {
	s *switchCoordinator[T]
}

func (h *switchOuter[T]) HandleNext(ctx context.Context, source Observable[T]) error {
	h.s.switchTo(ctx, source)
	return nil
}

func (h *switchOuter[T]) HandleErrorResume(ctx context.Context, err error) error {
	gctx, release, lerr := h.s.gate.Lock(ctx)
	if lerr != nil {
		return nil
	}
	defer release()
	h.s.downstream.OnErrorResume(gctx, err)
	return nil
}

func (h *switchOuter[T]) HandleCompleted(ctx context.Context, result Result) error {
	if result.IsFailure() {
		h.s.fail(ctx, 0, result.Err())
		return nil
	}
	h.s.outerCompleted(ctx)
	return nil
}
