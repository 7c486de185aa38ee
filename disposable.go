// Disposable primitives for RxGo
// 可释放资源及其组合容器：单次赋值、串行替换、组合
package rxgo

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ============================================================================
// Disposable 接口
// ============================================================================

// Disposable 只能释放一次的异步资源
type Disposable interface {
	// Dispose 释放资源，重复调用无副作用
	Dispose(ctx context.Context) error
}

// baseDisposable 基础可释放资源实现
type baseDisposable struct {
	disposed int32
	action   func(ctx context.Context) error
}

// NewDisposable 创建只执行一次action的可释放资源
func NewDisposable(action func(ctx context.Context) error) Disposable {
	return &baseDisposable{action: action}
}

// Dispose 释放资源
func (d *baseDisposable) Dispose(ctx context.Context) error {
	if atomic.CompareAndSwapInt32(&d.disposed, 0, 1) {
		if d.action != nil {
			return d.action(ctx)
		}
	}
	return nil
}

// IsDisposed 检查是否已释放
func (d *baseDisposable) IsDisposed() bool {
	return atomic.LoadInt32(&d.disposed) == 1
}

// Disposed 返回空操作的可释放资源
func Disposed() Disposable {
	return &baseDisposable{disposed: 1}
}

// ============================================================================
// SingleAssignmentDisposable 单次赋值
// ============================================================================

// SingleAssignmentDisposable 最多持有一个目标；释放后赋值的目标会被立即释放
type SingleAssignmentDisposable struct {
	mu       sync.Mutex
	target   Disposable
	assigned bool
	disposed bool
}

// NewSingleAssignmentDisposable 创建单次赋值容器
func NewSingleAssignmentDisposable() *SingleAssignmentDisposable {
	return &SingleAssignmentDisposable{}
}

// Set 赋值目标，重复赋值返回ErrAlreadyAssigned
func (s *SingleAssignmentDisposable) Set(ctx context.Context, d Disposable) error {
	s.mu.Lock()
	if s.assigned {
		s.mu.Unlock()
		return ErrAlreadyAssigned
	}
	s.assigned = true
	if s.disposed {
		s.mu.Unlock()
		if d != nil {
			return d.Dispose(ctx)
		}
		return nil
	}
	s.target = d
	s.mu.Unlock()
	return nil
}

// Dispose 释放当前目标
func (s *SingleAssignmentDisposable) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	target := s.target
	s.target = nil
	s.mu.Unlock()

	if target != nil {
		return target.Dispose(ctx)
	}
	return nil
}

// IsDisposed 检查是否已释放
func (s *SingleAssignmentDisposable) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// ============================================================================
// SerialDisposable 串行替换
// ============================================================================

// SerialDisposable 赋值新目标时先释放旧目标
type SerialDisposable struct {
	mu       sync.Mutex
	current  Disposable
	disposed bool
}

// NewSerialDisposable 创建串行替换容器
func NewSerialDisposable() *SerialDisposable {
	return &SerialDisposable{}
}

// Set 替换当前目标，旧目标在锁外释放
func (s *SerialDisposable) Set(ctx context.Context, d Disposable) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		if d != nil {
			return d.Dispose(ctx)
		}
		return nil
	}
	previous := s.current
	s.current = d
	s.mu.Unlock()

	if previous != nil {
		return previous.Dispose(ctx)
	}
	return nil
}

// Dispose 释放当前目标，之后赋值的目标立即释放
func (s *SerialDisposable) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if current != nil {
		return current.Dispose(ctx)
	}
	return nil
}

// IsDisposed 检查是否已释放
func (s *SerialDisposable) IsDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// ============================================================================
// CompositeDisposable 组合式资源管理器
// ============================================================================

// CompositeDisposable 组合式资源管理器
//
// 成员通过==识别，应使用指针类型的Disposable。
type CompositeDisposable struct {
	mu        sync.Mutex
	disposed  bool
	resources []Disposable
}

// NewCompositeDisposable 创建组合式资源管理器
func NewCompositeDisposable(resources ...Disposable) *CompositeDisposable {
	return &CompositeDisposable{
		resources: append(make([]Disposable, 0, len(resources)), resources...),
	}
}

// Add 添加可释放资源，已释放时立即释放该资源
func (cd *CompositeDisposable) Add(ctx context.Context, disposable Disposable) error {
	cd.mu.Lock()
	if cd.disposed {
		cd.mu.Unlock()
		return disposable.Dispose(ctx)
	}
	cd.resources = append(cd.resources, disposable)
	cd.mu.Unlock()
	return nil
}

// Remove 移除资源但不释放
func (cd *CompositeDisposable) Remove(disposable Disposable) bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()

	for i, resource := range cd.resources {
		if resource == disposable {
			cd.resources = append(cd.resources[:i], cd.resources[i+1:]...)
			return true
		}
	}
	return false
}

// Len 当前成员数量
func (cd *CompositeDisposable) Len() int {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return len(cd.resources)
}

// Dispose 释放所有资源并汇总错误
func (cd *CompositeDisposable) Dispose(ctx context.Context) error {
	cd.mu.Lock()
	if cd.disposed {
		cd.mu.Unlock()
		return nil
	}
	cd.disposed = true
	resources := cd.resources
	cd.resources = nil
	cd.mu.Unlock()

	var err error
	for _, resource := range resources {
		err = multierr.Append(err, resource.Dispose(ctx))
	}
	return err
}

// IsDisposed 检查是否已释放
func (cd *CompositeDisposable) IsDisposed() bool {
	cd.mu.Lock()
	defer cd.mu.Unlock()
	return cd.disposed
}
