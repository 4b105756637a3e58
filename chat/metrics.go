package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	joinsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "session",
		Name:      "joins_total",
		Help:      "Room joins by outcome.",
	}, []string{"outcome"})

	retriesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "session",
		Name:      "retries_total",
		Help:      "Retries of transient failures by operation.",
	}, []string{"op"})

	inboundCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "session",
		Name:      "inbound_messages_total",
		Help:      "Messages received from the stream or history, by result.",
	}, []string{"source", "result"})

	receiptsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "minichat",
		Subsystem: "session",
		Name:      "read_receipts_total",
		Help:      "Read receipts by result.",
	}, []string{"result"})
)
