// Configuration for RxGo
// 运行时配置：日志、未处理错误接收器、时钟与指标
package rxgo

import (
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ============================================================================
// 未处理错误接收器
// ============================================================================

// UnhandledSink 接收没有同步调用方可以传播的错误
type UnhandledSink interface {
	Unhandled(err error)
}

// UnhandledSinkFunc 函数形式的接收器
type UnhandledSinkFunc func(err error)

// Unhandled 实现UnhandledSink
func (f UnhandledSinkFunc) Unhandled(err error) {
	f(err)
}

// LogSink 将未处理错误写入日志
func LogSink(logger *zap.Logger) UnhandledSink {
	return UnhandledSinkFunc(func(err error) {
		logger.Error("unhandled error", zap.Error(err))
	})
}

// ============================================================================
// 配置选项
// ============================================================================

// Option 配置选项接口
type Option interface {
	Apply(config *Config)
}

// Config 配置结构
type Config struct {
	Logger             *zap.Logger
	Sink               UnhandledSink
	Clock              clock.Clock
	Metrics            Metrics
	DrainWarnThreshold time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Logger:             zap.L().Named("rxgo"),
		Clock:              clock.New(),
		Metrics:            NopMetrics(),
		DrainWarnThreshold: 5 * time.Second,
	}
}

// NewConfig 由选项构建配置
func NewConfig(options ...Option) *Config {
	config := DefaultConfig()
	for _, opt := range options {
		opt.Apply(config)
	}
	return config
}

// reportUnhandled 交给接收器，未设置时写日志
func (c *Config) reportUnhandled(err error) {
	if err == nil {
		return
	}
	c.Metrics.UnhandledError()
	if c.Sink != nil {
		c.Sink.Unhandled(err)
		return
	}
	LogSink(c.Logger).Unhandled(err)
}

type optionFunc func(config *Config)

func (f optionFunc) Apply(config *Config) {
	f(config)
}

// WithLogger 设置日志
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(config *Config) {
		if logger != nil {
			config.Logger = logger
		}
	})
}

// WithUnhandledSink 设置未处理错误接收器
func WithUnhandledSink(sink UnhandledSink) Option {
	return optionFunc(func(config *Config) {
		config.Sink = sink
	})
}

// WithClock 设置时钟，测试中可替换为clock.NewMock()
func WithClock(c clock.Clock) Option {
	return optionFunc(func(config *Config) {
		if c != nil {
			config.Clock = c
		}
	})
}

// WithMetrics 设置指标收集
func WithMetrics(metrics Metrics) Option {
	return optionFunc(func(config *Config) {
		if metrics != nil {
			config.Metrics = metrics
		}
	})
}

// WithDrainWarning 设置释放等待告警阈值，0表示关闭
func WithDrainWarning(threshold time.Duration) Option {
	return optionFunc(func(config *Config) {
		config.DrainWarnThreshold = threshold
	})
}

// WithConfig 整体复用已有配置
func WithConfig(c *Config) Option {
	return optionFunc(func(config *Config) {
		if c == nil {
			return
		}
		WithLogger(c.Logger).Apply(config)
		WithClock(c.Clock).Apply(config)
		WithMetrics(c.Metrics).Apply(config)
		config.Sink = c.Sink
		config.DrainWarnThreshold = c.DrainWarnThreshold
	})
}
