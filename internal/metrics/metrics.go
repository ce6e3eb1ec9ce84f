// Package metrics holds the Prometheus collectors for the voice transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "voicecore"

var (
	PacketsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "packets_sent_total",
		Help:      "UDP datagrams sent to voice servers.",
	})
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "packets_received_total",
		Help:      "UDP datagrams received from voice servers.",
	})
	BytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "bytes_sent_total",
		Help:      "Bytes sent to voice servers.",
	})
	BytesReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "bytes_received_total",
		Help:      "Bytes received from voice servers.",
	})
	OpenTransports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "open",
		Help:      "UDP transports currently cached by the factory.",
	})

	// FramesDropped is labelled by the stage that rejected the frame.
	FramesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "frames_dropped_total",
		Help:      "Inbound voice frames dropped, by reason.",
	}, []string{"reason"})
	FramesDecrypted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "media",
		Name:      "frames_decrypted_total",
		Help:      "Inbound voice frames handed to the codec.",
	})

	GatewayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "messages_total",
		Help:      "Voice gateway messages, by direction and opcode.",
	}, []string{"direction", "opcode"})
	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "group",
		Name:      "epoch",
		Help:      "Epoch of the most recently executed transition.",
	})
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "group",
		Name:      "transitions_total",
		Help:      "Group transitions, by outcome.",
	}, []string{"outcome"})
)

// Reasons used with FramesDropped.
const (
	DropMalformed   = "malformed"
	DropTransport   = "transport_decrypt"
	DropUnknownKey  = "unknown_key"
	DropE2EE        = "e2ee_decrypt"
	DropPassthrough = "passthrough_refused"
	DropControl     = "rtcp"
)
