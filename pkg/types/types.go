package types

import (
	"encoding/json"
)

// Protocol event names. The set is closed: the relay dispatches on these
// constants and silently drops anything it does not recognize.
const (
	// Registration events create sessions.
	EventRegisterMarket        = "register_market"
	EventJoinMarket            = "join_market"
	EventRegisterSimController = "register_sim_controller"

	// Trading events, participant -> market.
	EventBid        = "bid"
	EventAsk        = "ask"
	EventMeterData  = "meter_data"
	EventBidSuccess = "bid_success"
	EventAskSuccess = "ask_success"

	// Settlement events, market -> parties and back.
	EventSendSettlement          = "send_settlement"
	EventSettled                 = "settled"
	EventSettlementDelivered     = "settlement_delivered"
	EventReturnExtraTransactions = "return_extra_transactions"

	// Round/generation lifecycle.
	EventStartRound           = "start_round"
	EventStartRoundSimulation = "start_round_simulation"
	EventEndRound             = "end_round"
	EventEndTurn              = "end_turn"
	EventStartGeneration      = "start_generation"
	EventEndGeneration        = "end_generation"
	EventEndSimulation        = "end_simulation"

	// Simulation coordination.
	EventReRegisterParticipant    = "re_register_participant"
	EventParticipantWeightsLoaded = "participant_weights_loaded"
	EventParticipantReady         = "participant_ready"
	EventUpdateCurriculum         = "update_curriculum"
	EventLoadWeights              = "load_weights"
	EventIsMarketOnline           = "is_market_online"
	EventMarketOnline             = "market_online"
	EventMarketReady              = "market_ready"

	// Notifications emitted by the relay itself.
	EventParticipantConnected    = "participant_connected"
	EventParticipantJoined       = "participant_joined"
	EventParticipantDisconnected = "participant_disconnected"
	EventMarketDisconnected      = "market_disconnected"
	EventUpdateMarketInfo        = "update_market_info"

	// Acknowledgement echo frame (correlation by envelope Ack id).
	EventAck = "ack"
)

// Client types recorded in the session registry.
const (
	ClientMarket        = "market"
	ClientParticipant   = "participant"
	ClientSimController = "sim_controller"
)

// GridID is the reserved counterparty name for grid transactions.
// Settlements against the grid are not tracked participants and skip the
// acknowledgement handshake entirely.
const GridID = "grid"

// Envelope is the wire frame: one event name, an opaque payload, and an
// optional acknowledgement id. A frame with Event == EventAck echoes the
// Ack id of an earlier frame and carries the ack payload in Data.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   uint64          `json:"ack,omitempty"`
}

// Session is the registry record for one live connection. Created on
// successful registration, destroyed on disconnect.
type Session struct {
	ClientID   string `json:"client_id"`
	ClientType string `json:"client_type"`
	MarketID   string `json:"market_id"`
}

// ClientHello is the payload of register_market and join_market. Type
// carries [kind, subtype]; only the subtype is forwarded to the market on
// participant_connected.
type ClientHello struct {
	ID       string   `json:"id"`
	Type     []string `json:"type,omitempty"`
	MarketID string   `json:"market_id,omitempty"`
}

// Kind returns the leading element of the type list, or "".
func (h *ClientHello) Kind() string {
	if len(h.Type) > 0 {
		return h.Type[0]
	}
	return ""
}

// Subtype returns the second element of the type list, or "".
func (h *ClientHello) Subtype() string {
	if len(h.Type) > 1 {
		return h.Type[1]
	}
	return ""
}

// ParticipantConnected notifies the market connection of a new participant.
// SID is the participant's connection id so later settlements can reference
// a real connection.
type ParticipantConnected struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	SID  string `json:"sid"`
}

// MeterRelay wraps a participant's raw meter payload with its id before
// forwarding to the market.
type MeterRelay struct {
	ParticipantID string          `json:"participant_id"`
	Meter         json.RawMessage `json:"meter"`
}

// SettlementNotice is the subset of a send_settlement payload the relay
// inspects; the remaining fields pass through untouched.
type SettlementNotice struct {
	BuyerID   string   `json:"buyer_id"`
	SellerID  string   `json:"seller_id"`
	CommitID  string   `json:"commit_id"`
	BuyPrice  *float64 `json:"buy_price,omitempty"`
	SellPrice *float64 `json:"sell_price,omitempty"`
}

// MarketSnapshot is the HTTP API view of one market entry.
type MarketSnapshot struct {
	ID            string                `json:"id"`
	MarketOnline  bool                  `json:"market_online"`
	SimController string                `json:"sim_controller,omitempty"`
	Participants  []ParticipantSnapshot `json:"participants"`
}

// ParticipantSnapshot is the HTTP API view of one registered participant.
type ParticipantSnapshot struct {
	ID     string `json:"id"`
	Online bool   `json:"online"`
}
