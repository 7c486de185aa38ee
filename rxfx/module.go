// Package rxfx 提供RxGo运行时配置的Fx模块
package rxfx

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/xinjiayu/rxgo/v2"
)

// Module 返回提供 *rxgo.Config 的 Fx 模块
//
// 依赖 *zap.Logger；可选依赖 prometheus.Registerer 与 rxgo.UnhandledSink。
func Module() fx.Option {
	return fx.Module("rxgo",
		fx.Provide(NewConfig),
	)
}

// Params 模块输入
type Params struct {
	fx.In

	Logger     *zap.Logger
	Registerer prometheus.Registerer `optional:"true"`
	Sink       rxgo.UnhandledSink    `optional:"true"`
}

// NewConfig 由注入的依赖构建配置
func NewConfig(p Params) (*rxgo.Config, error) {
	options := []rxgo.Option{
		rxgo.WithLogger(p.Logger.Named("rxgo")),
	}
	if p.Sink != nil {
		options = append(options, rxgo.WithUnhandledSink(p.Sink))
	}
	if p.Registerer != nil {
		metrics, err := rxgo.NewPrometheusMetrics(p.Registerer)
		if err != nil {
			return nil, err
		}
		options = append(options, rxgo.WithMetrics(metrics))
	}
	return rxgo.NewConfig(options...), nil
}
