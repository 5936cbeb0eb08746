package ws

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/eventchat/internal/types"
)

func newTestConnection(t *testing.T) *Connection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	opts := connectionOptions{
		sendBufferSize: 4,
		writeTimeout:   time.Second,
	}
	return newConnection(server, Identity{UserID: 1, Username: "alice"}, types.KindEvent, "conv-1", zerolog.New(io.Discard), opts, nil)
}

func TestSendAfterCloseReturnsError(t *testing.T) {
	conn := newTestConnection(t)

	conn.Close()

	// A hub fan-out snapshots its recipients before a disconnecting peer
	// unregisters, so sends can arrive after teardown. They must fail with
	// an error, never take the process down.
	for i := 0; i < 32; i++ {
		if err := conn.Send(Typing(2)); err == nil {
			t.Fatal("send on a closed connection must return an error")
		}
	}
	if err := conn.enqueueControl(opcodePing, nil); err == nil {
		t.Fatal("control enqueue on a closed connection must return an error")
	}
}

func TestCloseDuringConcurrentSends(t *testing.T) {
	conn := newTestConnection(t)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for i := 0; i < 200; i++ {
				_ = conn.Send(Typing(2))
			}
		}()
	}

	close(start)
	conn.Close()
	wg.Wait()
}

func TestCloseIsIdempotent(t *testing.T) {
	closes := 0
	client, server := net.Pipe()
	defer client.Close()
	conn := newConnection(server, Identity{UserID: 1, Username: "alice"}, types.KindEvent, "conv-1", zerolog.New(io.Discard), connectionOptions{sendBufferSize: 1, writeTimeout: time.Second}, func() { closes++ })

	conn.Close()
	conn.Close()

	if closes != 1 {
		t.Fatalf("onClose ran %d times, want 1", closes)
	}
}
