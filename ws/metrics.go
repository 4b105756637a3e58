package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "minichat",
		Subsystem: "link",
		Name:      "connected",
		Help:      "1 when the broker link is up.",
	})

	reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "link",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts after unexpected link loss.",
	})

	framesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "link",
		Name:      "frames_total",
		Help:      "Inbound frames received from the broker.",
	})
)
