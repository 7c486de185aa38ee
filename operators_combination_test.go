package rxgo

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// never 订阅subject，永不完成
func never(onSubscribe, onDispose func()) Observable[int] {
	return probed[int](NewSubject[int](SubjectOptions{}), onSubscribe, onDispose)
}

// ============================================================================
// Merge
// ============================================================================

func TestMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("合并所有值", func(t *testing.T) {
		rec := newRecorder[int]()
		_, err := Merge(just(1, 3), just(2, 4)).Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.True(t, rec.wait(t).IsSuccess())
		assert.ElementsMatch(t, []int{1, 2, 3, 4}, rec.Values())
	})

	t.Run("没有源时立即完成", func(t *testing.T) {
		rec := newRecorder[int]()
		_, err := Merge[int]().Subscribe(ctx, rec.observer())
		require.NoError(t, err)
		assert.True(t, rec.wait(t).IsSuccess())
	})

	t.Run("异步源串行转发", func(t *testing.T) {
		var current, overlaps atomic.Int32
		rec := newRecorder[int]()
		rec.onNext = func(context.Context, int) error {
			if current.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(10 * time.Microsecond)
			current.Add(-1)
			return nil
		}

		sources := make([]Observable[int], 0, 4)
		for s := 0; s < 4; s++ {
			values := make([]int, 100)
			for i := range values {
				values[i] = s*100 + i
			}
			sources = append(sources, async(values...))
		}

		_, err := Merge(sources...).Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.True(t, rec.wait(t).IsSuccess())
		assert.Len(t, rec.Values(), 400)
		assert.Zero(t, overlaps.Load())
	})

	t.Run("第一个失败释放其他源", func(t *testing.T) {
		boom := errors.New("boom")
		var disposed atomic.Bool

		rec := newRecorder[int]()
		_, err := Merge(never(nil, func() { disposed.Store(true) }), failing[int](boom, 1)).
			Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		result := rec.wait(t)
		assert.ErrorIs(t, result.Err(), boom)
		assert.Equal(t, []int{1}, rec.Values())
		assert.True(t, disposed.Load())
	})

	t.Run("下游回调中释放", func(t *testing.T) {
		var o *Observer[int]
		returned := make(chan struct{})
		var once atomic.Bool
		o = NewObserver[int](Callbacks[int]{
			OnNext: func(ctx context.Context, _ int) error {
				if once.CompareAndSwap(false, true) {
					defer close(returned)
					return o.Dispose(ctx)
				}
				return nil
			},
		})

		values := make([]int, 1000)
		_, err := Merge(async(values...), async(values...)).Subscribe(ctx, o)
		require.NoError(t, err)

		select {
		case <-returned:
		case <-time.After(2 * time.Second):
			t.Fatal("回调中释放合并发生死锁")
		}
		assert.True(t, o.IsDisposed())
	})
}

func TestMergeAll(t *testing.T) {
	ctx := context.Background()
	outer := NewSubject[Observable[int]](SubjectOptions{})
	first, second := NewSubject[int](SubjectOptions{}), NewSubject[int](SubjectOptions{})

	rec := newRecorder[int]()
	_, err := MergeAll[int](outer).Subscribe(ctx, rec.observer())
	require.NoError(t, err)

	outer.OnNext(ctx, first)
	first.OnNext(ctx, 1)
	outer.OnNext(ctx, second)
	second.OnNext(ctx, 2)
	first.OnNext(ctx, 3)

	outer.OnCompleted(ctx, Success())
	first.OnCompleted(ctx, Success())
	assert.False(t, rec.isDone())

	second.OnCompleted(ctx, Success())
	assert.True(t, rec.wait(t).IsSuccess())
	assert.Equal(t, []int{1, 2, 3}, rec.Values())
}

func TestMergeSeq(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	t.Run("内部订阅失败", func(t *testing.T) {
		var firstDisposed, lastSubscribed atomic.Bool
		rejecting := Create(func(context.Context, *Observer[int]) (Disposable, error) {
			return nil, boom
		})
		sources := func(yield func(Observable[int]) bool) {
			_ = yield(never(nil, func() { firstDisposed.Store(true) })) &&
				yield(rejecting) &&
				yield(never(func() { lastSubscribed.Store(true) }, nil))
		}

		rec := newRecorder[int]()
		_, err := MergeSeq(iter.Seq[Observable[int]](sources)).Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.ErrorIs(t, rec.wait(t).Err(), boom)
		assert.True(t, firstDisposed.Load())
		assert.False(t, lastSubscribed.Load())
	})

	t.Run("序列panic", func(t *testing.T) {
		var firstDisposed atomic.Bool
		sources := func(yield func(Observable[int]) bool) {
			if !yield(never(nil, func() { firstDisposed.Store(true) })) {
				return
			}
			panic("enumeration failed")
		}

		rec := newRecorder[int]()
		o := rec.observer()
		_, err := MergeSeq(iter.Seq[Observable[int]](sources)).Subscribe(ctx, o)
		assert.ErrorIs(t, err, ErrSubscriberPanic)
		assert.True(t, firstDisposed.Load())
		assert.True(t, o.IsDisposed())
	})

	t.Run("清理时的释放错误交给接收器", func(t *testing.T) {
		derr := errors.New("dispose failed")
		leaky := Create(func(context.Context, *Observer[int]) (Disposable, error) {
			return &counting{err: derr}, nil
		})
		sources := func(yield func(Observable[int]) bool) {
			if !yield(leaky) {
				return
			}
			panic("enumeration failed")
		}

		sink := &sinkRecorder{}
		merged := MergeSeq(iter.Seq[Observable[int]](sources), WithUnhandledSink(sink))
		_, err := merged.Subscribe(ctx, newRecorder[int]().observer())
		assert.ErrorIs(t, err, ErrSubscriberPanic)
		require.Len(t, sink.Errors(), 1)
		assert.ErrorIs(t, sink.Errors()[0], derr)
	})
}

// ============================================================================
// Concat
// ============================================================================

func TestConcat(t *testing.T) {
	ctx := context.Background()

	t.Run("按顺序连接", func(t *testing.T) {
		rec := newRecorder[int]()
		_, err := Concat(just(1), just(2, 3), async(4, 5)).Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.True(t, rec.wait(t).IsSuccess())
		assert.Equal(t, []int{1, 2, 3, 4, 5}, rec.Values())
	})

	t.Run("没有源时立即完成", func(t *testing.T) {
		rec := newRecorder[int]()
		_, err := Concat[int]().Subscribe(ctx, rec.observer())
		require.NoError(t, err)
		assert.True(t, rec.wait(t).IsSuccess())
	})

	t.Run("失败后不再订阅后续源", func(t *testing.T) {
		boom := errors.New("boom")
		var subscribed atomic.Bool

		rec := newRecorder[int]()
		_, err := Concat(failing[int](boom, 1), probed(just(2), func() { subscribed.Store(true) }, nil)).
			Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.ErrorIs(t, rec.wait(t).Err(), boom)
		assert.Equal(t, []int{1}, rec.Values())
		assert.False(t, subscribed.Load())
	})

	t.Run("释放时不订阅剩余源", func(t *testing.T) {
		var disposed, subscribed atomic.Bool

		rec := newRecorder[int]()
		d, err := Concat(never(nil, func() { disposed.Store(true) }), probed(just(9), func() { subscribed.Store(true) }, nil)).
			Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		require.NoError(t, d.Dispose(ctx))
		assert.True(t, disposed.Load())
		assert.False(t, subscribed.Load())
		assert.Empty(t, rec.Results())
	})

	t.Run("大量同步源不递归", func(t *testing.T) {
		const n = 10000
		sources := func(yield func(Observable[int]) bool) {
			for i := 0; i < n; i++ {
				if !yield(just(i)) {
					return
				}
			}
		}

		rec := newRecorder[int]()
		_, err := ConcatSeq(iter.Seq[Observable[int]](sources)).Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.True(t, rec.wait(t).IsSuccess())
		values := rec.Values()
		require.Len(t, values, n)
		assert.Equal(t, n-1, values[n-1])
	})

	t.Run("序列panic", func(t *testing.T) {
		sources := func(yield func(Observable[int]) bool) {
			if !yield(just(1)) {
				return
			}
			panic("enumeration failed")
		}

		rec := newRecorder[int]()
		_, err := ConcatSeq(iter.Seq[Observable[int]](sources)).Subscribe(ctx, rec.observer())
		require.NoError(t, err)

		assert.ErrorIs(t, rec.wait(t).Err(), ErrSubscriberPanic)
		assert.Equal(t, []int{1}, rec.Values())
	})
}

func TestConcatAll(t *testing.T) {
	ctx := context.Background()
	outer := NewSubject[Observable[int]](SubjectOptions{})
	first, second := NewSubject[int](SubjectOptions{}), NewSubject[int](SubjectOptions{})

	rec := newRecorder[int]()
	_, err := ConcatAll[int](outer).Subscribe(ctx, rec.observer())
	require.NoError(t, err)

	outer.OnNext(ctx, first)
	outer.OnNext(ctx, second)
	assert.True(t, first.HasObservers())
	assert.False(t, second.HasObservers())

	second.OnNext(ctx, 99)
	first.OnNext(ctx, 1)
	first.OnCompleted(ctx, Success())
	assert.True(t, second.HasObservers())

	second.OnNext(ctx, 2)
	outer.OnCompleted(ctx, Success())
	assert.False(t, rec.isDone())

	second.OnCompleted(ctx, Success())
	assert.True(t, rec.wait(t).IsSuccess())
	assert.Equal(t, []int{1, 2}, rec.Values())
}
