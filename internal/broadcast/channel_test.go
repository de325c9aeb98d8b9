package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

func newPubSubHost(t *testing.T, ctx context.Context) (host.Host, *pubsub.PubSub) {
	t.Helper()
	h, err := libp2p.New(libp2p.ListenAddrStrings("/ip4/127.0.0.1/tcp/0"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		t.Fatal(err)
	}
	return h, ps
}

func connectHosts(t *testing.T, ctx context.Context, a, b host.Host) {
	t.Helper()
	err := a.Connect(ctx, peer.AddrInfo{ID: b.ID(), Addrs: b.Addrs()})
	if err != nil {
		t.Fatal(err)
	}
}

// waitForMesh blocks until both subscriptions see each other on the topic.
func waitForMesh(t *testing.T, ps1, ps2 *pubsub.PubSub, topic string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(ps1.ListPeers(topic)) > 0 && len(ps2.ListPeers(topic)) > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("gossipsub mesh never formed")
}

func TestPublishReachesPeerNotSelf(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h1, ps1 := newPubSubHost(t, ctx)
	h2, ps2 := newPubSubHost(t, ctx)
	connectHosts(t, ctx, h1, h2)

	a1 := NewAdapter(ps1, "user-1", "test.call.v1.")
	a2 := NewAdapter(ps2, "user-2", "test.call.v1.")

	ch1, err := a1.Join("room-x")
	if err != nil {
		t.Fatal(err)
	}
	defer ch1.Close()
	ch2, err := a2.Join("room-x")
	if err != nil {
		t.Fatal(err)
	}
	defer ch2.Close()

	waitForMesh(t, ps1, ps2, "test.call.v1.room-x")

	type ping struct {
		N int `json:"n"`
	}
	if err := ch1.Publish(ctx, "join", ping{N: 7}); err != nil {
		t.Fatal(err)
	}

	select {
	case env := <-ch2.Events():
		if env.From != "user-1" || env.Event != "join" || env.Room != "room-x" {
			t.Fatalf("unexpected envelope %+v", env)
		}
		var p ping
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatal(err)
		}
		if p.N != 7 {
			t.Fatalf("payload n = %d, want 7", p.N)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peer never received the event")
	}

	// The publisher must not see its own echo.
	select {
	case env := <-ch1.Events():
		t.Fatalf("publisher received own event %+v", env)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestJoinTwiceFailsUntilClosed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, ps := newPubSubHost(t, ctx)
	a := NewAdapter(ps, "user-1", "test.call.v1.")

	ch, err := a.Join("room-y")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Join("room-y"); err == nil {
		t.Fatal("second join of a live room must fail")
	}

	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}
	// Close is idempotent.
	if err := ch.Close(); err != nil {
		t.Fatal(err)
	}

	ch2, err := a.Join("room-y")
	if err != nil {
		t.Fatalf("re-join after close: %v", err)
	}
	ch2.Close()
}
