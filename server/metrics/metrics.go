// Package metrics declares the Prometheus collectors of the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chat_sync_connections",
		Help: "Live websocket connections across all users",
	})

	BroadcastFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sync_broadcast_frames_total",
		Help: "Frames delivered to client connections, by opcode",
	}, []string{"op"})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chat_sync_delivery_failures_total",
		Help: "Deliveries that failed and dropped the connection",
	})

	CheckpointWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_stream_checkpoint_writes_total",
		Help: "Persisted snapshots of streaming messages, by kind",
	}, []string{"kind"})

	StreamOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_stream_outcomes_total",
		Help: "Assistant responses by terminal state",
	}, []string{"state"})

	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_stream_dropped_frames_total",
		Help: "Provider frames that produced no stage, by reason",
	}, []string{"reason"})

	DraftWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_sync_draft_writes_total",
		Help: "Debounced draft persists, by result",
	}, []string{"result"})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_message_submissions_total",
		Help: "Message submissions and regenerations, by result",
	}, []string{"result"})
)
