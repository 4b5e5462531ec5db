package relay

import (
	"context"
	"encoding/json"
	"log"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"gridrelay/internal/broker"
	"gridrelay/internal/settlement"
	"gridrelay/pkg/interfaces"
	"gridrelay/pkg/types"
)

// Options configures tracker bounds and the shutdown watchdog.
type Options struct {
	SettlementTTL        time.Duration
	SweepInterval        time.Duration
	ShutdownPollInterval time.Duration
	ShutdownPollJitter   time.Duration

	// Quit is invoked by the shutdown watchdog once the session registry
	// empties after end_simulation. Typically cancels the root context.
	Quit func()
}

// ackFunc runs when the peer echoes an acknowledgement frame. Callbacks
// execute on the hub goroutine, so they may touch relay state freely.
type ackFunc func(data json.RawMessage)

// Relay is the event dispatcher: it resolves the sender's session,
// validates role and target, and forwards payloads. It holds no
// round-timing state; lifecycle events are forwarded, not interpreted.
// Missing senders and targets drop the event — the protocol has no error
// channel, absence of a confirmation is the failure signal.
type Relay struct {
	broker  *broker.Broker
	tracker *settlement.Tracker
	store   interfaces.Store // nil disables persistence
	opts    Options

	// pending acknowledgement callbacks, keyed by connection id then ack
	// id. Mutated only from the hub goroutine (HandleEvent/HandleDisconnect).
	pending map[string]map[uint64]ackFunc
	nextAck atomic.Uint64

	shutdownOnce sync.Once
}

// NewRelay creates a relay over the given registries. store may be nil.
func NewRelay(b *broker.Broker, tracker *settlement.Tracker, store interfaces.Store, opts Options) *Relay {
	return &Relay{
		broker:  b,
		tracker: tracker,
		store:   store,
		opts:    opts,
		pending: make(map[string]map[uint64]ackFunc),
	}
}

// Start launches the settlement sweeper. The shutdown watchdog starts
// lazily on the first end_simulation.
func (r *Relay) Start(ctx context.Context) {
	if r.opts.SweepInterval > 0 {
		go r.sweepLoop(ctx)
	}
}

// HandleEvent dispatches one inbound envelope. Must be called from a
// single goroutine (the hub) so each handler's lookup+mutate is atomic.
func (r *Relay) HandleEvent(ctx context.Context, conn interfaces.Connection, env *types.Envelope) {
	if err := env.Validate(); err != nil {
		log.Printf("Dropping event from %s: %v", conn.ID(), err)
		return
	}

	switch env.Event {
	case types.EventAck:
		r.handleAck(conn, env)
	case types.EventRegisterMarket:
		r.handleRegisterMarket(ctx, conn, env)
	case types.EventJoinMarket:
		r.handleJoinMarket(ctx, conn, env)
	case types.EventRegisterSimController:
		r.handleRegisterSimController(conn, env)
	case types.EventBid:
		r.handleOrder(conn, env, types.EventBid, types.EventBidSuccess)
	case types.EventAsk:
		r.handleOrder(conn, env, types.EventAsk, types.EventAskSuccess)
	case types.EventMeterData:
		r.handleMeterData(conn, env)
	case types.EventSendSettlement:
		r.handleSendSettlement(ctx, conn, env)
	case types.EventReturnExtraTransactions:
		r.handleReturnExtraTransactions(conn, env)
	case types.EventStartRound:
		r.handleStartRound(conn, env)
	case types.EventStartRoundSimulation:
		r.handleStartRoundSimulation(conn, env)
	case types.EventEndRound:
		r.handleEndRound(conn, env)
	case types.EventEndTurn:
		r.handleEndTurn(conn)
	case types.EventStartGeneration, types.EventEndGeneration:
		r.handleGeneration(conn, env)
	case types.EventEndSimulation:
		r.handleEndSimulation(conn, env)
	case types.EventReRegisterParticipant:
		r.handleReRegisterParticipant(conn, env)
	case types.EventParticipantWeightsLoaded, types.EventParticipantReady:
		r.handleToSimController(conn, env)
	case types.EventUpdateCurriculum:
		r.handleUpdateCurriculum(conn, env)
	case types.EventLoadWeights:
		r.handleLoadWeights(conn, env)
	case types.EventIsMarketOnline:
		r.handleIsMarketOnline(conn)
	case types.EventMarketReady:
		r.handleMarketReady(conn, env)
	}
}

// HandleDisconnect removes the connection's session and pending acks, and
// emits the disconnect notifications. A connection with no session is a
// no-op.
func (r *Relay) HandleDisconnect(ctx context.Context, conn interfaces.Connection) {
	delete(r.pending, conn.ID())

	session, ok := r.broker.Disconnect(conn)
	if !ok {
		return
	}
	log.Printf("Client disconnected: id=%s type=%s market=%s", session.ClientID, session.ClientType, session.MarketID)

	switch session.ClientType {
	case types.ClientParticipant:
		if _, ctrl, ok := r.broker.SimController(session.MarketID); ok {
			r.send(ctrl, types.EventParticipantDisconnected, session.ClientID)
		}
		r.persist(func(s interfaces.Store) error {
			return s.SetParticipantOnline(ctx, session.MarketID, session.ClientID, false)
		})
		// A vanished counterparty completes its pending handshakes the
		// same way an offline one would: delivered notice, no wait.
		for _, entry := range r.tracker.DropParty(session.ClientID) {
			r.deliverSettlement(ctx, entry, "delivered")
		}

	case types.ClientMarket:
		if _, ctrl, ok := r.broker.SimController(session.MarketID); ok {
			r.send(ctrl, types.EventMarketDisconnected, session.MarketID)
		}

	case types.ClientSimController:
		// Controller reference already detached by the broker.
	}
}

// --- registration ---

func (r *Relay) handleRegisterMarket(ctx context.Context, conn interfaces.Connection, env *types.Envelope) {
	var hello types.ClientHello
	if err := json.Unmarshal(env.Data, &hello); err != nil || !types.IsValidClientID(hello.ID) {
		r.reply(conn, env, false)
		return
	}

	r.broker.RegisterMarket(conn, hello.ID)
	log.Printf("Market registered: id=%s conn=%s", hello.ID, conn.ID())

	marketID := hello.ID
	r.persist(func(s interfaces.Store) error {
		return s.RecordMarket(ctx, marketID)
	})
	r.reply(conn, env, true)
}

func (r *Relay) handleJoinMarket(ctx context.Context, conn interfaces.Connection, env *types.Envelope) {
	var hello types.ClientHello
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		r.reply(conn, env, false)
		return
	}
	if hello.Kind() != types.ClientParticipant || !types.IsValidClientID(hello.ID) {
		r.reply(conn, env, false)
		return
	}

	if !r.broker.JoinMarket(conn, hello.MarketID, hello.ID) {
		r.reply(conn, env, false)
		return
	}
	log.Printf("Participant joined: id=%s market=%s conn=%s", hello.ID, hello.MarketID, conn.ID())

	marketID := hello.MarketID
	participantID := hello.ID
	r.persist(func(s interfaces.Store) error {
		return s.RecordParticipant(ctx, marketID, participantID)
	})

	// Tell the market; once the market acks, greet the participant and
	// notify the controller of the join.
	if marketConn, ok := r.broker.MarketConn(marketID); ok {
		notice := types.ParticipantConnected{
			Type: hello.Subtype(),
			ID:   participantID,
			SID:  conn.ID(),
		}
		r.sendWithAck(marketConn, types.EventParticipantConnected, notice, func(json.RawMessage) {
			r.send(conn, types.EventUpdateMarketInfo, marketID)
			if _, ctrl, ok := r.broker.SimController(marketID); ok {
				r.send(ctrl, types.EventParticipantJoined, participantID)
			}
		})
	}

	r.reply(conn, env, true)
}

func (r *Relay) handleRegisterSimController(conn interfaces.Connection, env *types.Envelope) {
	var hello types.ClientHello
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		r.reply(conn, env, false)
		return
	}

	ok := r.broker.RegisterSimController(conn, hello.MarketID, hello.ID)
	if ok {
		log.Printf("Sim controller registered: id=%s market=%s conn=%s", hello.ID, hello.MarketID, conn.ID())
	}
	r.reply(conn, env, ok)
}

// --- trading ---

// handleOrder forwards a bid or ask to the market with the sender's
// connection id injected, then relays the market's acknowledgement back as
// a success event when it carries a uuid. A null uuid means the market
// rejected the order; the sender hears nothing.
func (r *Relay) handleOrder(conn interfaces.Connection, env *types.Envelope, event, successEvent string) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientParticipant {
		return
	}

	var order map[string]any
	if err := json.Unmarshal(env.Data, &order); err != nil {
		log.Printf("Dropping malformed %s from %s: %v", event, session.ClientID, err)
		return
	}
	order["session_id"] = conn.ID()

	marketConn, ok := r.broker.MarketConn(session.MarketID)
	if !ok {
		return
	}

	r.sendWithAck(marketConn, event, order, func(data json.RawMessage) {
		var receipt struct {
			UUID *string `json:"uuid"`
		}
		if err := json.Unmarshal(data, &receipt); err != nil || receipt.UUID == nil {
			return
		}
		r.send(conn, successEvent, json.RawMessage(data))
	})
}

func (r *Relay) handleMeterData(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientParticipant {
		return
	}
	marketConn, ok := r.broker.MarketConn(session.MarketID)
	if !ok {
		return
	}
	r.send(marketConn, types.EventMeterData, types.MeterRelay{
		ParticipantID: session.ClientID,
		Meter:         env.Data,
	})
}

// --- settlement ---

func (r *Relay) handleSendSettlement(ctx context.Context, conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientMarket {
		return
	}

	var notice types.SettlementNotice
	if err := json.Unmarshal(env.Data, &notice); err != nil {
		log.Printf("Dropping malformed settlement from market %s: %v", session.MarketID, err)
		return
	}

	// Grid transactions involve no tracked participant: no handshake,
	// no delivered notice.
	if notice.BuyerID == types.GridID || notice.SellerID == types.GridID {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}
	delete(payload, "buy_price")
	delete(payload, "sell_price")

	marketID := session.MarketID
	buyerConn, buyerOnline, buyerKnown := r.broker.Participant(marketID, notice.BuyerID)
	sellerConn, sellerOnline, sellerKnown := r.broker.Participant(marketID, notice.SellerID)
	if !buyerKnown || !sellerKnown {
		log.Printf("Dropping settlement %s: unknown party (buyer=%s seller=%s)", notice.CommitID, notice.BuyerID, notice.SellerID)
		return
	}

	if !buyerOnline || !sellerOnline {
		// Either party offline: report delivered immediately, no wait.
		if marketConn, ok := r.broker.MarketConn(marketID); ok {
			r.send(marketConn, types.EventSettlementDelivered, notice.CommitID)
		}
		r.persist(func(s interfaces.Store) error {
			return s.RecordSettlement(ctx, notice.CommitID, marketID, notice.BuyerID, notice.SellerID, "skipped")
		})
		return
	}

	r.tracker.Open(notice.CommitID, marketID, notice.BuyerID, notice.SellerID)

	ack := func(json.RawMessage) {
		delivered, ok := r.tracker.Ack(notice.CommitID)
		if !ok {
			// Handshake already completed or cleaned up; a late or
			// duplicate ack is a no-op.
			log.Printf("Ignoring stale settlement ack for commit %s", notice.CommitID)
			return
		}
		if !delivered {
			return
		}
		if marketConn, ok := r.broker.MarketConn(marketID); ok {
			r.send(marketConn, types.EventSettlementDelivered, notice.CommitID)
		}
		r.persist(func(s interfaces.Store) error {
			return s.RecordSettlement(ctx, notice.CommitID, marketID, notice.BuyerID, notice.SellerID, "delivered")
		})
	}

	// Differentiated pricing: each side sees only its own price.
	if notice.BuyPrice != nil && notice.SellPrice != nil {
		buyerPayload := clonePayload(payload)
		buyerPayload["price"] = *notice.BuyPrice
		sellerPayload := clonePayload(payload)
		sellerPayload["price"] = *notice.SellPrice

		r.sendWithAck(buyerConn, types.EventSettled, buyerPayload, ack)
		r.sendWithAck(sellerConn, types.EventSettled, sellerPayload, ack)
		return
	}

	r.sendWithAck(buyerConn, types.EventSettled, payload, ack)
	r.sendWithAck(sellerConn, types.EventSettled, payload, ack)
}

func (r *Relay) handleReturnExtraTransactions(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientMarket {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}
	participantID, _ := payload["participant"].(string)
	if participantID == "" {
		return
	}
	delete(payload, "participant")

	pConn, online, known := r.broker.Participant(session.MarketID, participantID)
	if !known || !online {
		return
	}
	r.send(pConn, types.EventReturnExtraTransactions, payload)
}

// --- round/generation lifecycle ---

func (r *Relay) handleStartRound(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientMarket {
		return
	}
	r.broadcast(session.MarketID, types.EventStartRound, env.Data, conn.ID())
}

func (r *Relay) handleStartRoundSimulation(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsSimController(conn)
	if !ok {
		return
	}
	if marketConn, found := r.broker.MarketConn(session.MarketID); found {
		r.send(marketConn, types.EventStartRound, json.RawMessage(env.Data))
	}
}

func (r *Relay) handleEndRound(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsMarket(conn)
	if !ok {
		return
	}
	if _, ctrl, found := r.broker.SimController(session.MarketID); found {
		r.send(ctrl, types.EventEndRound, json.RawMessage(env.Data))
	}
}

func (r *Relay) handleEndTurn(conn interfaces.Connection) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientParticipant {
		return
	}
	if _, ctrl, found := r.broker.SimController(session.MarketID); found {
		r.send(ctrl, types.EventEndTurn, session.ClientID)
	}
}

func (r *Relay) handleGeneration(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsSimController(conn)
	if !ok {
		return
	}
	r.broadcast(session.MarketID, env.Event, env.Data, conn.ID())
}

func (r *Relay) handleEndSimulation(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsSimController(conn)
	if !ok {
		return
	}
	r.broadcast(session.MarketID, types.EventEndSimulation, env.Data, conn.ID())

	// From here the relay only waits for everyone to leave.
	r.shutdownOnce.Do(func() {
		go r.shutdownWatchdog()
	})
}

// --- simulation coordination ---

func (r *Relay) handleReRegisterParticipant(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsSimController(conn)
	if !ok {
		return
	}
	skip := []string{conn.ID()}
	if marketConn, found := r.broker.MarketConn(session.MarketID); found {
		skip = append(skip, marketConn.ID())
	}
	r.broadcast(session.MarketID, types.EventReRegisterParticipant, env.Data, skip...)
}

func (r *Relay) handleToSimController(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientParticipant {
		return
	}
	if _, ctrl, found := r.broker.SimController(session.MarketID); found {
		r.send(ctrl, env.Event, json.RawMessage(env.Data))
	}
}

func (r *Relay) handleUpdateCurriculum(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsSimController(conn)
	if !ok {
		return
	}
	skip := []string{conn.ID()}
	if marketConn, found := r.broker.MarketConn(session.MarketID); found {
		skip = append(skip, marketConn.ID())
	}
	r.broadcast(session.MarketID, types.EventUpdateCurriculum, env.Data, skip...)
}

func (r *Relay) handleLoadWeights(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsSimController(conn)
	if !ok {
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return
	}
	participantID, _ := payload["participant_id"].(string)
	if participantID == "" {
		return
	}
	delete(payload, "participant_id")

	pConn, online, known := r.broker.Participant(session.MarketID, participantID)
	if !known || !online {
		return
	}
	r.send(pConn, types.EventLoadWeights, payload)
}

func (r *Relay) handleIsMarketOnline(conn interfaces.Connection) {
	session, ok := r.broker.Session(conn.ID())
	if !ok {
		return
	}
	// The entry's existence is the answer; a dropped market link still
	// counts as registered.
	if r.broker.MarketRegistered(session.MarketID) {
		r.send(conn, types.EventMarketOnline, "")
	}
}

func (r *Relay) handleMarketReady(conn interfaces.Connection, env *types.Envelope) {
	session, ok := r.senderIsMarket(conn)
	if !ok {
		return
	}
	if _, ctrl, found := r.broker.SimController(session.MarketID); found {
		r.send(ctrl, types.EventMarketReady, json.RawMessage(env.Data))
	}
}

// --- acknowledgements ---

func (r *Relay) handleAck(conn interfaces.Connection, env *types.Envelope) {
	callbacks, ok := r.pending[conn.ID()]
	if !ok {
		return
	}
	cb, ok := callbacks[env.Ack]
	if !ok {
		return
	}
	delete(callbacks, env.Ack)
	if len(callbacks) == 0 {
		delete(r.pending, conn.ID())
	}
	cb(env.Data)
}

// sendWithAck stamps an ack id on the outbound envelope and registers the
// callback for the peer's echo. A failed send discards the callback.
func (r *Relay) sendWithAck(conn interfaces.Connection, event string, data any, cb ackFunc) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal %s payload: %v", event, err)
		return
	}

	id := r.nextAck.Add(1)
	if r.pending[conn.ID()] == nil {
		r.pending[conn.ID()] = make(map[uint64]ackFunc)
	}
	r.pending[conn.ID()][id] = cb

	if err := conn.Send(&types.Envelope{Event: event, Data: raw, Ack: id}); err != nil {
		log.Printf("Failed to send %s to %s: %v", event, conn.ID(), err)
		delete(r.pending[conn.ID()], id)
	}
}

// reply answers a registration request over the sender's own ack id. A
// request without an ack id gets no answer.
func (r *Relay) reply(conn interfaces.Connection, env *types.Envelope, result bool) {
	if env.Ack == 0 {
		return
	}
	raw, _ := json.Marshal(result)
	if err := conn.Send(&types.Envelope{Event: types.EventAck, Data: raw, Ack: env.Ack}); err != nil {
		log.Printf("Failed to answer %s from %s: %v", env.Event, conn.ID(), err)
	}
}

// --- plumbing ---

func (r *Relay) send(conn interfaces.Connection, event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Printf("Failed to marshal %s payload: %v", event, err)
		return
	}
	if err := conn.Send(&types.Envelope{Event: event, Data: raw}); err != nil {
		log.Printf("Failed to send %s to %s: %v", event, conn.ID(), err)
	}
}

// broadcast fans an event out to a market's room, excluding skip ids.
// Delivery continues past individual failures.
func (r *Relay) broadcast(marketID, event string, data json.RawMessage, skip ...string) {
	for _, member := range r.broker.RoomMembers(marketID, skip...) {
		if err := member.Send(&types.Envelope{Event: event, Data: data}); err != nil {
			log.Printf("Failed to broadcast %s to %s: %v", event, member.ID(), err)
		}
	}
}

// senderIsSimController resolves the sender's session and confirms it is
// the controller currently attached to its market.
func (r *Relay) senderIsSimController(conn interfaces.Connection) (types.Session, bool) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientSimController {
		return types.Session{}, false
	}
	_, ctrl, found := r.broker.SimController(session.MarketID)
	if !found || ctrl.ID() != conn.ID() {
		return types.Session{}, false
	}
	return session, true
}

// senderIsMarket resolves the sender's session and confirms it is the live
// market link for its market id.
func (r *Relay) senderIsMarket(conn interfaces.Connection) (types.Session, bool) {
	session, ok := r.broker.Session(conn.ID())
	if !ok || session.ClientType != types.ClientMarket {
		return types.Session{}, false
	}
	marketConn, found := r.broker.MarketConn(session.MarketID)
	if !found || marketConn.ID() != conn.ID() {
		return types.Session{}, false
	}
	return session, true
}

// persist runs a store write off the hub goroutine. Store failures are
// logged and never interrupt routing.
func (r *Relay) persist(op func(interfaces.Store) error) {
	if r.store == nil {
		return
	}
	store := r.store
	go func() {
		if err := op(store); err != nil {
			log.Printf("Audit store write failed: %v", err)
		}
	}()
}

func (r *Relay) deliverSettlement(ctx context.Context, entry *settlement.Entry, status string) {
	if marketConn, ok := r.broker.MarketConn(entry.MarketID); ok {
		r.send(marketConn, types.EventSettlementDelivered, entry.CommitID)
	}
	commitID, marketID, buyerID, sellerID := entry.CommitID, entry.MarketID, entry.BuyerID, entry.SellerID
	r.persist(func(s interfaces.Store) error {
		return s.RecordSettlement(ctx, commitID, marketID, buyerID, sellerID, status)
	})
}

// sweepLoop bounds tracker growth: abandoned handshakes older than the TTL
// are delivered-and-dropped so the market is never left waiting forever.
func (r *Relay) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, entry := range r.tracker.Expire(r.opts.SettlementTTL) {
				log.Printf("Settlement handshake expired: commit=%s market=%s", entry.CommitID, entry.MarketID)
				r.deliverSettlement(ctx, entry, "expired")
			}
		}
	}
}

// shutdownWatchdog polls the session registry on a fixed-plus-jittered
// interval and triggers process shutdown once every client has left.
func (r *Relay) shutdownWatchdog() {
	for {
		wait := r.opts.ShutdownPollInterval
		if r.opts.ShutdownPollJitter > 0 {
			wait += rand.N(r.opts.ShutdownPollJitter)
		}
		time.Sleep(wait)

		if r.broker.SessionCount() == 0 {
			log.Printf("All sessions closed, shutting down")
			if r.opts.Quit != nil {
				r.opts.Quit()
			}
			return
		}
	}
}

func clonePayload(payload map[string]any) map[string]any {
	clone := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		clone[k] = v
	}
	return clone
}
