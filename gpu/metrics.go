package gpu

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	dispatches *prometheus.CounterVec
	readback   *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer, table *BufferTable) *metrics {
	f := promauto.With(reg)
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "luma",
		Name:      "arrays",
		Help:      "Live arrays in the buffer table.",
	}, func() float64 { return float64(table.Len()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "luma",
		Name:      "array_bytes",
		Help:      "Storage bytes held by live arrays.",
	}, func() float64 { return float64(table.Bytes()) })

	return &metrics{
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "luma",
			Name:      "dispatch_total",
			Help:      "Dispatch calls by operation and outcome.",
		}, []string{"operation", "result"}),
		readback: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "luma",
			Name:      "readback_duration_seconds",
			Help:      "Time from map request to host copy.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"operation"}),
	}
}

func (m *metrics) observeDispatch(op Operation, err error) {
	m.dispatches.WithLabelValues(op.String(), resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrOperationNotSupported):
		return "unsupported"
	case errors.Is(err, ErrBufferNotFound):
		return "not_found"
	case errors.Is(err, ErrBufferBusy):
		return "busy"
	case errors.Is(err, ErrElementType):
		return "type_mismatch"
	case errors.Is(err, ErrReadbackFailed):
		return "readback_failed"
	default:
		return "dispatch_failed"
	}
}
