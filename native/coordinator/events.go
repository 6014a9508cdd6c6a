package coordinator

import (
	"strconv"

	"htlcswap/core/types"
)

// EventTypeSessionPhase is emitted whenever a session is announced or moves
// to a new phase.
const EventTypeSessionPhase = "swap.session.phase"

type sessionEvent struct {
	evt *types.Event
}

func (e sessionEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e sessionEvent) Event() *types.Event { return e.evt }

// NewPhaseEvent describes the current phase of s. It never carries the secret.
func NewPhaseEvent(s *Session, at int64) *types.Event {
	evt := types.NewEvent(EventTypeSessionPhase, at)
	evt.Attributes["session"] = s.ID
	evt.Attributes["order"] = s.OrderHash
	evt.Attributes["phase"] = s.Phase.String()
	evt.Attributes["hashlock"] = s.Hashlock.Hex()
	evt.Attributes["srcChain"] = s.Source.Chain
	evt.Attributes["dstChain"] = s.Destination.Chain
	if !s.SourceEscrowID.IsZero() {
		evt.Attributes["srcEscrow"] = s.SourceEscrowID.Hex()
	}
	if !s.DestinationEscrowID.IsZero() {
		evt.Attributes["dstEscrow"] = s.DestinationEscrowID.Hex()
	}
	if s.Abandoned {
		evt.Attributes["abandoned"] = strconv.FormatBool(true)
	}
	return evt
}
