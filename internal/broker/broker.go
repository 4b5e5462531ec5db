package broker

import (
	"sort"
	"sync"

	"gridrelay/pkg/interfaces"
	"gridrelay/pkg/types"
)

// participantState tracks one registered participant. Entries survive
// disconnects; only the online flag flips.
type participantState struct {
	online bool
	conn   interfaces.Connection
}

// simControllerState tracks the optional simulation controller attached to
// a market.
type simControllerState struct {
	id   string
	conn interfaces.Connection
}

// marketEntry is the registry record for one market id. Created on
// register_market and never removed for the process lifetime; a repeated
// register_market resets its contents (last-writer-wins).
type marketEntry struct {
	market        interfaces.Connection
	participants  map[string]*participantState
	simController *simControllerState
}

// Broker owns the Session Registry and the Market Registry. It holds no
// routing logic; the relay consults it for lookups and the websocket layer
// reports connects and disconnects. All state is guarded by one RWMutex so
// the HTTP API can snapshot concurrently with hub-driven mutations.
type Broker struct {
	mu             sync.RWMutex
	sessions       map[string]*types.Session // connection id -> session
	markets        map[string]*marketEntry   // market id -> entry
	simulationRoom map[string]interfaces.Connection
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		sessions:       make(map[string]*types.Session),
		markets:        make(map[string]*marketEntry),
		simulationRoom: make(map[string]interfaces.Connection),
	}
}

// RegisterMarket binds conn as the market link for marketID, creating or
// resetting the market entry, and creates the session. Idempotent
// create/replace: always succeeds.
func (b *Broker) RegisterMarket(conn interfaces.Connection, marketID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.markets[marketID] = &marketEntry{
		market:       conn,
		participants: make(map[string]*participantState),
	}
	b.sessions[conn.ID()] = &types.Session{
		ClientID:   marketID,
		ClientType: types.ClientMarket,
		MarketID:   marketID,
	}
	return true
}

// JoinMarket registers a participant with a market. Fails if the market is
// unknown or the participant id is empty. A rejoin after disconnect
// replaces the stored connection and flips the participant back online.
func (b *Broker) JoinMarket(conn interfaces.Connection, marketID, participantID string) bool {
	if participantID == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.markets[marketID]
	if !ok {
		return false
	}

	b.sessions[conn.ID()] = &types.Session{
		ClientID:   participantID,
		ClientType: types.ClientParticipant,
		MarketID:   marketID,
	}
	entry.participants[participantID] = &participantState{
		online: true,
		conn:   conn,
	}
	return true
}

// RegisterSimController attaches a simulation controller to a market and
// enrolls it in the global simulation group. Fails if the market is
// unknown. At most one controller per market; a repeat replaces it.
func (b *Broker) RegisterSimController(conn interfaces.Connection, marketID, clientID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	entry, ok := b.markets[marketID]
	if !ok {
		return false
	}

	b.sessions[conn.ID()] = &types.Session{
		ClientID:   clientID,
		ClientType: types.ClientSimController,
		MarketID:   marketID,
	}
	entry.simController = &simControllerState{id: clientID, conn: conn}
	b.simulationRoom[conn.ID()] = conn
	return true
}

// Disconnect removes the session for a connection and returns it. A
// connection with no session is a no-op (ok=false). Participant sessions
// flip the participant offline; market sessions clear the market link
// (the entry itself survives); controller sessions detach the controller.
func (b *Broker) Disconnect(conn interfaces.Connection) (types.Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	session, ok := b.sessions[conn.ID()]
	if !ok {
		return types.Session{}, false
	}
	delete(b.sessions, conn.ID())
	delete(b.simulationRoom, conn.ID())

	entry, ok := b.markets[session.MarketID]
	if !ok {
		return *session, true
	}

	switch session.ClientType {
	case types.ClientParticipant:
		if p, ok := entry.participants[session.ClientID]; ok && p.conn == conn {
			p.online = false
		}
	case types.ClientMarket:
		if entry.market == conn {
			entry.market = nil
		}
	case types.ClientSimController:
		if entry.simController != nil && entry.simController.conn == conn {
			entry.simController = nil
		}
	}
	return *session, true
}

// Session returns the session for a connection id.
func (b *Broker) Session(connID string) (types.Session, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	session, ok := b.sessions[connID]
	if !ok {
		return types.Session{}, false
	}
	return *session, true
}

// MarketRegistered reports whether a market entry exists for the id.
func (b *Broker) MarketRegistered(marketID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.markets[marketID]
	return ok
}

// MarketConn returns the live market connection for a market id. ok is
// false when the market is unknown or its connection has dropped.
func (b *Broker) MarketConn(marketID string) (interfaces.Connection, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.markets[marketID]
	if !ok || entry.market == nil {
		return nil, false
	}
	return entry.market, true
}

// Participant returns a registered participant's connection and online
// flag. ok is false when the market or participant is unknown.
func (b *Broker) Participant(marketID, participantID string) (conn interfaces.Connection, online bool, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, found := b.markets[marketID]
	if !found {
		return nil, false, false
	}
	p, found := entry.participants[participantID]
	if !found {
		return nil, false, false
	}
	return p.conn, p.online, true
}

// SimController returns the controller attached to a market.
func (b *Broker) SimController(marketID string) (id string, conn interfaces.Connection, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, found := b.markets[marketID]
	if !found || entry.simController == nil {
		return "", nil, false
	}
	return entry.simController.id, entry.simController.conn, true
}

// RoomMembers returns every live connection in a market's broadcast group:
// the market link, online participants, and the controller. Connections
// whose ids appear in skip are excluded.
func (b *Broker) RoomMembers(marketID string, skip ...string) []interfaces.Connection {
	b.mu.RLock()
	defer b.mu.RUnlock()

	entry, ok := b.markets[marketID]
	if !ok {
		return nil
	}

	skipSet := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		skipSet[id] = struct{}{}
	}

	var members []interfaces.Connection
	add := func(conn interfaces.Connection) {
		if conn == nil {
			return
		}
		if _, skipped := skipSet[conn.ID()]; skipped {
			return
		}
		members = append(members, conn)
	}

	add(entry.market)
	for _, p := range entry.participants {
		if p.online {
			add(p.conn)
		}
	}
	if entry.simController != nil {
		add(entry.simController.conn)
	}
	return members
}

// SessionCount returns the number of live sessions. The shutdown watchdog
// polls this until it reaches zero.
func (b *Broker) SessionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// Snapshot returns a stable view of every market entry for the HTTP API,
// sorted by market id.
func (b *Broker) Snapshot() []types.MarketSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snapshots := make([]types.MarketSnapshot, 0, len(b.markets))
	for id, entry := range b.markets {
		snap := types.MarketSnapshot{
			ID:           id,
			MarketOnline: entry.market != nil,
			Participants: make([]types.ParticipantSnapshot, 0, len(entry.participants)),
		}
		if entry.simController != nil {
			snap.SimController = entry.simController.id
		}
		for pid, p := range entry.participants {
			snap.Participants = append(snap.Participants, types.ParticipantSnapshot{
				ID:     pid,
				Online: p.online,
			})
		}
		sort.Slice(snap.Participants, func(i, j int) bool {
			return snap.Participants[i].ID < snap.Participants[j].ID
		})
		snapshots = append(snapshots, snap)
	}
	sort.Slice(snapshots, func(i, j int) bool { return snapshots[i].ID < snapshots[j].ID })
	return snapshots
}

// Stats returns registry counters for the health endpoint.
func (b *Broker) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	online := 0
	for _, entry := range b.markets {
		for _, p := range entry.participants {
			if p.online {
				online++
			}
		}
	}
	return map[string]int{
		"sessions":            len(b.sessions),
		"markets":             len(b.markets),
		"participants_online": online,
		"sim_controllers":     len(b.simulationRoom),
	}
}
