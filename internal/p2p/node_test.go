package p2p

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cofoundhq/cofound/internal/identity"
	"github.com/cofoundhq/cofound/internal/wire"
)

func TestNodeStartsAndPublishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self, err := identity.Load(filepath.Join(t.TempDir(), "identity.key"), "Self", "")
	if err != nil {
		t.Fatal(err)
	}

	n, err := New(ctx, self, nil, 0, "cofound-test")
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if n.ID() != self.UserID() {
		t.Fatalf("node id %s != identity id %s", n.ID(), self.UserID())
	}
	if len(n.Addrs()) == 0 {
		t.Fatal("node has no listen addresses")
	}
	if n.PubSub() == nil || n.Roster() == nil {
		t.Fatal("pubsub or roster missing")
	}

	// Publishing to an empty mesh must not error or block.
	n.PublishPresence(ctx, wire.TypeOnline)
}

func TestConnectPeerRejectsBadAddr(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self, err := identity.Load(filepath.Join(t.TempDir(), "identity.key"), "Self", "")
	if err != nil {
		t.Fatal(err)
	}
	n, err := New(ctx, self, nil, 0, "cofound-test")
	if err != nil {
		t.Fatal(err)
	}
	defer n.Close()

	if err := n.ConnectPeer(ctx, "not-a-multiaddr"); err == nil {
		t.Fatal("garbage multiaddr accepted")
	}
	if err := n.ConnectPeer(ctx, "/ip4/127.0.0.1/tcp/1"); err == nil {
		t.Fatal("multiaddr without peer id accepted")
	}
}
