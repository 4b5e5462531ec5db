package types

import "testing"

func TestIsValidClientID(t *testing.T) {
	valid := []string{"alice", "market-01", "sim_controller", "A1"}
	for _, id := range valid {
		if !IsValidClientID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}

	invalid := []string{"", "has space", "semi;colon", "slash/y", string(make([]byte, 51))}
	for _, id := range invalid {
		if IsValidClientID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestIsValidClientType(t *testing.T) {
	for _, ct := range []string{ClientMarket, ClientParticipant, ClientSimController} {
		if !IsValidClientType(ct) {
			t.Errorf("expected %q to be valid", ct)
		}
	}
	if IsValidClientType("observer") {
		t.Error("unknown client types must be rejected")
	}
}

func TestEnvelopeValidate(t *testing.T) {
	if err := (&Envelope{Event: EventBid}).Validate(); err != nil {
		t.Errorf("bid should validate, got %v", err)
	}
	if err := (&Envelope{Event: EventAck, Ack: 1}).Validate(); err != nil {
		t.Errorf("ack frame should validate, got %v", err)
	}
	if err := (&Envelope{}).Validate(); err != ErrEmptyEvent {
		t.Errorf("expected ErrEmptyEvent, got %v", err)
	}
	if err := (&Envelope{Event: "nonsense"}).Validate(); err != ErrUnknownEvent {
		t.Errorf("expected ErrUnknownEvent, got %v", err)
	}
	// Relay-emitted notifications are not accepted inbound.
	if err := (&Envelope{Event: EventSettlementDelivered}).Validate(); err != ErrUnknownEvent {
		t.Errorf("outbound-only events must not validate inbound, got %v", err)
	}
}

func TestClientHelloTypeAccessors(t *testing.T) {
	hello := &ClientHello{Type: []string{"participant", "residential"}}
	if hello.Kind() != "participant" || hello.Subtype() != "residential" {
		t.Fatalf("unexpected accessors: kind=%q subtype=%q", hello.Kind(), hello.Subtype())
	}

	empty := &ClientHello{}
	if empty.Kind() != "" || empty.Subtype() != "" {
		t.Fatal("missing type list should yield empty strings")
	}
}
