package ports

import (
	"context"

	"peerlink/internal/core/domain"
)

// StatusSource exposes the connected/connecting signals of an agent.
type StatusSource interface {
	Status() domain.ConnectionStatus
	Connected() bool
	Connecting() bool
	Subscribe() (<-chan domain.ConnectionStatus, func())
}

type BroadcasterAgent interface {
	StatusSource
	Start(ctx context.Context, sessionID domain.SessionID, source MediaSource) error
	Stop() error
}

type ViewerAgent interface {
	StatusSource
	Watch(ctx context.Context, sessionID domain.SessionID) error
	Stop() error
}

// SignalingMetrics is implemented by the prometheus collector.
type SignalingMetrics interface {
	RecordSignalSent(role domain.SenderRole, kind domain.SignalKind)
	RecordSignalReceived(role domain.SenderRole, kind domain.SignalKind)
	RecordSignalDropped(reason string)
	RecordAttemptStarted(role domain.SenderRole)
	RecordAttemptState(role domain.SenderRole, state domain.NegotiationState)
	RecordCandidate(role domain.SenderRole, outcome string)
	RecordRelayError(op string)
	RecordMediaPackets(direction string, count int)
}
