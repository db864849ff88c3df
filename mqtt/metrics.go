// Copyright © 2026 CyberGrid
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"github.com/prometheus/client_golang/prometheus"
)

var connectAttempts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cybergrid",
		Subsystem: "agent",
		Name:      "mqtt_connect_attempts_total",
		Help:      "Total number of broker connection attempts.",
	},
)

var reconnects = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "cybergrid",
		Subsystem: "agent",
		Name:      "mqtt_reconnects_total",
		Help:      "Total number of reconnects requested by settings changes.",
	},
)

var publishes = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cybergrid",
		Subsystem: "agent",
		Name:      "mqtt_publishes_total",
		Help:      "Total number of publish attempts.",
	}, []string{"result"},
)

var connectedGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "cybergrid",
		Subsystem: "agent",
		Name:      "mqtt_connected",
		Help:      "Whether the broker session is currently connected.",
	},
)

func init() {
	prometheus.MustRegister(connectAttempts)
	prometheus.MustRegister(reconnects)
	prometheus.MustRegister(publishes)
	prometheus.MustRegister(connectedGauge)
}
