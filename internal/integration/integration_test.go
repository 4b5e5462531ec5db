package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"gridrelay/internal/broker"
	"gridrelay/internal/database"
	"gridrelay/internal/hub"
	"gridrelay/internal/relay"
	"gridrelay/internal/settlement"
	"gridrelay/internal/websocket"
	dbconfig "gridrelay/pkg/database"
	"gridrelay/pkg/types"
)

type testRelay struct {
	url   string
	store *database.Manager
	quit  chan struct{}
}

func startRelay(t *testing.T) *testRelay {
	t.Helper()

	cfg := dbconfig.DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "relay.db")
	store, err := database.NewManager(cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	quit := make(chan struct{})
	var once sync.Once

	b := broker.NewBroker()
	tracker := settlement.NewTracker()
	eventRelay := relay.NewRelay(b, tracker, store, relay.Options{
		SettlementTTL:        time.Minute,
		SweepInterval:        time.Minute,
		ShutdownPollInterval: 20 * time.Millisecond,
		Quit:                 func() { once.Do(func() { close(quit) }) },
	})

	relayHub := hub.NewHub(eventRelay)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := relayHub.Start(ctx); err != nil {
		t.Fatalf("failed to start hub: %v", err)
	}
	t.Cleanup(func() { _ = relayHub.Stop() })
	eventRelay.Start(ctx)

	wsHandler := websocket.NewHandler(relayHub, websocket.Options{
		PingInterval: time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: time.Second,
		BufferSize:   32,
	})

	srv := httptest.NewServer(http.HandlerFunc(wsHandler.HandleWebSocket))
	t.Cleanup(srv.Close)

	return &testRelay{
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		store: store,
		quit:  quit,
	}
}

type client struct {
	t        *testing.T
	conn     *gorilla.Conn
	incoming chan types.Envelope
}

func dial(t *testing.T, url string) *client {
	t.Helper()
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}

	c := &client{t: t, conn: conn, incoming: make(chan types.Envelope, 32)}
	t.Cleanup(c.close)

	go func() {
		for {
			_, frame, err := conn.ReadMessage()
			if err != nil {
				close(c.incoming)
				return
			}
			var env types.Envelope
			if err := json.Unmarshal(frame, &env); err != nil {
				continue
			}
			c.incoming <- env
		}
	}()
	return c
}

func (c *client) close() {
	_ = c.conn.Close()
}

func (c *client) send(event string, data any, ack uint64) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		c.t.Fatalf("failed to marshal %s payload: %v", event, err)
	}
	frame, _ := json.Marshal(types.Envelope{Event: event, Data: raw, Ack: ack})
	if err := c.conn.WriteMessage(gorilla.TextMessage, frame); err != nil {
		c.t.Fatalf("failed to send %s: %v", event, err)
	}
}

// expect waits for the next envelope of the given event, discarding others.
func (c *client) expect(event string) types.Envelope {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case env, ok := <-c.incoming:
			if !ok {
				c.t.Fatalf("connection closed while waiting for %s", event)
			}
			if env.Event == event {
				return env
			}
		case <-deadline:
			c.t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func (c *client) expectNothing(event string, within time.Duration) {
	c.t.Helper()
	timeout := time.After(within)
	for {
		select {
		case env, ok := <-c.incoming:
			if ok && env.Event == event {
				c.t.Fatalf("unexpected %s envelope", event)
			}
			if !ok {
				return
			}
		case <-timeout:
			return
		}
	}
}

// ack echoes an envelope's ack id back to the relay.
func (c *client) ack(env types.Envelope, data any) {
	c.t.Helper()
	if env.Ack == 0 {
		c.t.Fatalf("envelope %s carries no ack id", env.Event)
	}
	c.send(types.EventAck, data, env.Ack)
}

func (c *client) register(event string, hello types.ClientHello) {
	c.t.Helper()
	c.send(event, hello, 1)
	reply := c.expect(types.EventAck)
	if string(reply.Data) != "true" {
		c.t.Fatalf("%s was refused", event)
	}
}

func TestSimulationRoundTrip(t *testing.T) {
	relaySrv := startRelay(t)

	market := dial(t, relaySrv.url)
	market.register(types.EventRegisterMarket, types.ClientHello{ID: "m1", Type: []string{"market", ""}})

	controller := dial(t, relaySrv.url)
	controller.register(types.EventRegisterSimController, types.ClientHello{ID: "ctrl", MarketID: "m1"})

	// Participants join; the market confirms each introduction.
	alice := dial(t, relaySrv.url)
	alice.register(types.EventJoinMarket, types.ClientHello{ID: "alice", Type: []string{"participant", "residential"}, MarketID: "m1"})
	market.ack(market.expect(types.EventParticipantConnected), nil)
	if string(alice.expect(types.EventUpdateMarketInfo).Data) != `"m1"` {
		t.Fatal("participant should be greeted with the market id")
	}
	controller.expect(types.EventParticipantJoined)

	bob := dial(t, relaySrv.url)
	bob.register(types.EventJoinMarket, types.ClientHello{ID: "bob", Type: []string{"participant", "residential"}, MarketID: "m1"})
	market.ack(market.expect(types.EventParticipantConnected), nil)
	bob.expect(types.EventUpdateMarketInfo)
	controller.expect(types.EventParticipantJoined)

	// Round start fans out from the controller through the market.
	controller.send(types.EventStartRoundSimulation, map[string]any{"round": 0}, 0)
	market.expect(types.EventStartRound)

	// Alice bids; the market's receipt flows back as bid_success.
	alice.send(types.EventBid, map[string]any{"quantity": 10, "price": 0.12}, 0)
	bid := market.expect(types.EventBid)
	var order map[string]any
	if err := json.Unmarshal(bid.Data, &order); err != nil || order["session_id"] == nil {
		t.Fatalf("forwarded bid should carry a session id: %s", bid.Data)
	}
	market.ack(bid, map[string]any{"uuid": "order-1"})
	alice.expect(types.EventBidSuccess)

	// Settlement handshake: both parties ack, market hears delivery once.
	settlementPayload := map[string]any{
		"buyer_id":   "alice",
		"seller_id":  "bob",
		"commit_id":  "c1",
		"buy_price":  0.2,
		"sell_price": 0.1,
		"energy":     10,
	}
	market.send(types.EventSendSettlement, settlementPayload, 0)

	aliceSettled := alice.expect(types.EventSettled)
	var buyerView map[string]any
	_ = json.Unmarshal(aliceSettled.Data, &buyerView)
	if buyerView["price"] != 0.2 {
		t.Fatalf("buyer should see the buy price, got %v", buyerView["price"])
	}
	if _, leaked := buyerView["sell_price"]; leaked {
		t.Fatal("counterparty price must not leak")
	}
	bobSettled := bob.expect(types.EventSettled)

	alice.ack(aliceSettled, nil)
	bob.ack(bobSettled, nil)
	if string(market.expect(types.EventSettlementDelivered).Data) != `"c1"` {
		t.Fatal("market should hear the delivery notice")
	}

	// The audit trail catches up asynchronously.
	waitForStatus(t, relaySrv.store, "c1", "delivered")

	// End of simulation: broadcast, then the relay waits everyone out.
	controller.send(types.EventEndSimulation, nil, 0)
	alice.expect(types.EventEndSimulation)
	bob.expect(types.EventEndSimulation)
	market.expect(types.EventEndSimulation)
	controller.expectNothing(types.EventEndSimulation, 100*time.Millisecond)

	alice.close()
	bob.close()
	market.close()
	controller.close()

	select {
	case <-relaySrv.quit:
	case <-time.After(2 * time.Second):
		t.Fatal("relay should retire once every client has left")
	}
}

func TestOfflineCounterpartySettlement(t *testing.T) {
	relaySrv := startRelay(t)

	market := dial(t, relaySrv.url)
	market.register(types.EventRegisterMarket, types.ClientHello{ID: "m1", Type: []string{"market", ""}})

	alice := dial(t, relaySrv.url)
	alice.register(types.EventJoinMarket, types.ClientHello{ID: "alice", Type: []string{"participant", "residential"}, MarketID: "m1"})
	market.ack(market.expect(types.EventParticipantConnected), nil)
	alice.expect(types.EventUpdateMarketInfo)

	bob := dial(t, relaySrv.url)
	bob.register(types.EventJoinMarket, types.ClientHello{ID: "bob", Type: []string{"participant", "residential"}, MarketID: "m1"})
	market.ack(market.expect(types.EventParticipantConnected), nil)
	bob.expect(types.EventUpdateMarketInfo)
	bob.close()

	// Wait for the disconnect to land before settling.
	time.Sleep(100 * time.Millisecond)

	payload := map[string]any{"buyer_id": "alice", "seller_id": "bob", "commit_id": "c9"}
	market.send(types.EventSendSettlement, payload, 0)

	if string(market.expect(types.EventSettlementDelivered).Data) != `"c9"` {
		t.Fatal("offline counterparty should yield an immediate delivery notice")
	}
	alice.expectNothing(types.EventSettled, 100*time.Millisecond)

	waitForStatus(t, relaySrv.store, "c9", "skipped")
}

func waitForStatus(t *testing.T, store *database.Manager, commitID, want string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status, err := store.SettlementStatus(context.Background(), commitID)
		if err == nil {
			if status != want {
				t.Fatalf("expected settlement status %q, got %q", want, status)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("settlement %s never reached the store", commitID)
}
