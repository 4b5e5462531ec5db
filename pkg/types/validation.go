package types

import (
	"regexp"
)

var clientIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidClientID checks the id format shared by markets, participants and
// sim controllers. 1-50 characters keeps ids database- and log-friendly.
func IsValidClientID(id string) bool {
	if len(id) < 1 || len(id) > 50 {
		return false
	}
	return clientIDRegex.MatchString(id)
}

// IsValidClientType checks the session client type.
func IsValidClientType(clientType string) bool {
	switch clientType {
	case ClientMarket, ClientParticipant, ClientSimController:
		return true
	default:
		return false
	}
}

// IsInboundEvent reports whether an event name belongs to the closed set of
// events clients may submit to the relay. Relay-emitted notifications
// (settled, participant_connected, ...) are not accepted inbound.
func IsInboundEvent(event string) bool {
	switch event {
	case EventRegisterMarket,
		EventJoinMarket,
		EventRegisterSimController,
		EventBid,
		EventAsk,
		EventMeterData,
		EventSendSettlement,
		EventReturnExtraTransactions,
		EventStartRound,
		EventStartRoundSimulation,
		EventEndRound,
		EventEndTurn,
		EventStartGeneration,
		EventEndGeneration,
		EventEndSimulation,
		EventReRegisterParticipant,
		EventParticipantWeightsLoaded,
		EventParticipantReady,
		EventUpdateCurriculum,
		EventLoadWeights,
		EventIsMarketOnline,
		EventMarketReady,
		EventAck:
		return true
	default:
		return false
	}
}

// Validate checks an inbound envelope before dispatch.
func (e *Envelope) Validate() error {
	if e.Event == "" {
		return ErrEmptyEvent
	}
	if !IsInboundEvent(e.Event) {
		return ErrUnknownEvent
	}
	return nil
}
