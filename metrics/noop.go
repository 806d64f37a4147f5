package metrics

import "github.com/mealhall/mealhall-core/types"

// NewNoopManager is used when metrics are disabled and in tests.
func NewNoopManager() types.MetricsManager {
	return noopManager{}
}

type noopManager struct{}

func (noopManager) Start() error    { return nil }
func (noopManager) Stop() error     { return nil }
func (noopManager) IsRunning() bool { return true }

func (noopManager) Counter(string, map[string]string) types.Counter { return noopMetric{} }
func (noopManager) Gauge(string, map[string]string) types.Gauge     { return noopMetric{} }
func (noopManager) Histogram(string, []float64, map[string]string) types.Histogram {
	return noopMetric{}
}
func (noopManager) Handler() interface{} { return nil }

type noopMetric struct{}

func (noopMetric) Inc()            {}
func (noopMetric) Dec()            {}
func (noopMetric) Add(float64)     {}
func (noopMetric) Set(float64)     {}
func (noopMetric) Observe(float64) {}
