package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gaugeConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "device_connected",
		Help: "1 while a device websocket is attached",
	})
	metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_messages_total",
		Help: "Control messages received from the device by type",
	}, []string{"type"})
	metricFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_frames_dropped_total",
		Help: "Mic frames dropped because the capture consumer fell behind",
	})
	metricLevelsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "device_levels_dropped_total",
		Help: "Level frames dropped because the level hook fell behind",
	})
	metricAckTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "device_ack_timeouts_total",
		Help: "Requests the device did not acknowledge in time",
	}, []string{"type"})
)
