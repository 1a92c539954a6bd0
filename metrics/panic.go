package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "moximap_panic_total",
		Help: "Number of unhandled panics, by origin.",
	},
	[]string{
		"origin",
	},
)

type Panic string

const (
	Imapserver Panic = "imapserver"
)

func PanicInc(origin Panic) {
	metricPanic.WithLabelValues(string(origin)).Inc()
}
