package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	channelCollab   = "collab"
	channelPresence = "presence"
)

var (
	// Labels: channel (collab, presence)
	socketsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "quire",
		Subsystem: "server",
		Name:      "websockets_open",
		Help:      "Open websocket connections by channel",
	}, []string{"channel"})

	// Labels: outcome (delivered, dropped)
	mentionNotifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quire",
		Subsystem: "server",
		Name:      "mention_notifications_total",
		Help:      "Mention notifications offered to notification streams",
	}, []string{"outcome"})
)
