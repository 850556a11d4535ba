package transport

import (
	"context"
	"testing"
	"time"

	"github.com/chasemcd/mug-engine/internal/tlsutil"
)

func TestDatagramHubDispatchesByWireType(t *testing.T) {
	tlsCfg, _, err := tlsutil.GenerateConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}
	hub := NewDatagramHub("127.0.0.1:0", tlsCfg)

	var gotType byte
	var gotConn ConnID
	done := make(chan struct{}, 1)
	hub.On(0x01, func(_ context.Context, from ConnID, data []byte) {
		gotType = data[0]
		gotConn = from
		done <- struct{}{}
	})

	// Exercise dispatch directly against the handler table without a live
	// QUIC connection — readLoop's dispatch logic is what's under test, not
	// the transport itself (covered by the wire-protocol round-trip tests).
	hub.mu.RLock()
	fns := append([]DatagramHandler(nil), hub.handlers[0x01]...)
	hub.mu.RUnlock()
	for _, fn := range fns {
		fn(context.Background(), "conn-1", []byte{0x01, 0xAA})
	}

	<-done
	if gotType != 0x01 {
		t.Fatalf("wireType = %x, want 0x01", gotType)
	}
	if gotConn != "conn-1" {
		t.Fatalf("conn = %q, want conn-1", gotConn)
	}
}

func TestDatagramHubSendUnknownSessionErrors(t *testing.T) {
	tlsCfg, _, err := tlsutil.GenerateConfig(time.Hour, "")
	if err != nil {
		t.Fatalf("generate tls config: %v", err)
	}
	hub := NewDatagramHub("127.0.0.1:0", tlsCfg)
	if err := hub.Send("no-such-conn", []byte{0x01}); err == nil {
		t.Fatal("expected an error sending to an unknown session")
	}
}
