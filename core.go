// Package rxgo provides reactive programming primitives for Go
// 基于Go语言特性的异步响应式运行时，专注于订阅生命周期与无竞争的资源释放
package rxgo

import (
	"context"
	"errors"
	"fmt"
)

// ============================================================================
// 错误定义
// ============================================================================

var (
	// ErrAlreadyAssigned 单次赋值容器被重复赋值
	ErrAlreadyAssigned = errors.New("rxgo: disposable already assigned")
	// ErrGateClosed 异步门已关闭
	ErrGateClosed = errors.New("rxgo: gate closed")
	// ErrUnspecifiedFailure 未携带错误的失败结果
	ErrUnspecifiedFailure = errors.New("rxgo: failure without error")
	// ErrSubscriberPanic 处理函数发生panic
	ErrSubscriberPanic = errors.New("rxgo: handler panicked")
)

// ============================================================================
// Result 终止信号
// ============================================================================

// Result 流的唯一终止信号，成功或携带错误的失败
type Result struct {
	err error
}

// Success 创建成功结果
func Success() Result {
	return Result{}
}

// Failure 创建失败结果
func Failure(err error) Result {
	if err == nil {
		err = ErrUnspecifiedFailure
	}
	return Result{err: err}
}

// IsSuccess 是否成功
func (r Result) IsSuccess() bool {
	return r.err == nil
}

// IsFailure 是否失败
func (r Result) IsFailure() bool {
	return r.err != nil
}

// Err 返回失败原因，成功时为nil
func (r Result) Err() error {
	return r.err
}

func (r Result) String() string {
	if r.err == nil {
		return "Success"
	}
	return fmt.Sprintf("Failure(%v)", r.err)
}

// ============================================================================
// 处理函数接口
// ============================================================================

// Handler Observer的具体行为，由操作符或终端消费者实现
//
// 每个方法收到的ctx都带有所属Observer的重入标记，在处理函数内部调用
// Dispose时必须传入该ctx，否则释放会等待自身而无法返回。
// Observer开始释放时该ctx被取消，阻塞的处理函数应当随之返回。
type Handler[T any] interface {
	HandleNext(ctx context.Context, value T) error
	HandleErrorResume(ctx context.Context, err error) error
	HandleCompleted(ctx context.Context, result Result) error
}

// HandlerDisposer 处理函数持有需要随Observer一起释放的资源时实现
type HandlerDisposer interface {
	DisposeHandler(ctx context.Context) error
}

// Callbacks 回调集合，未设置的回调为空操作
type Callbacks[T any] struct {
	OnNext        func(ctx context.Context, value T) error
	OnErrorResume func(ctx context.Context, err error) error
	OnCompleted   func(ctx context.Context, result Result) error
}

// HandleNext 实现Handler
func (c Callbacks[T]) HandleNext(ctx context.Context, value T) error {
	if c.OnNext == nil {
		return nil
	}
	return c.OnNext(ctx, value)
}

// HandleErrorResume 实现Handler
func (c Callbacks[T]) HandleErrorResume(ctx context.Context, err error) error {
	if c.OnErrorResume == nil {
		return nil
	}
	return c.OnErrorResume(ctx, err)
}

// HandleCompleted 实现Handler
func (c Callbacks[T]) HandleCompleted(ctx context.Context, result Result) error {
	if c.OnCompleted == nil {
		return nil
	}
	return c.OnCompleted(ctx, result)
}

// ============================================================================
// 工具函数
// ============================================================================

// SafeExecute 安全执行函数，将panic转换为错误
func SafeExecute(action func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("%w: %w", ErrSubscriberPanic, e)
				return
			}
			err = fmt.Errorf("%w: %v", ErrSubscriberPanic, r)
		}
	}()

	return action()
}

// isCancellation 判断错误是否为正常取消
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
