package respond

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricReplies = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "respond_replies_total",
	Help: "Replies produced by flow and source",
}, []string{"flow", "source"})
