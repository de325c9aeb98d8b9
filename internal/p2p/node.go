// Package p2p owns the libp2p host and the gossipsub instance every
// broadcast channel hangs off. It also runs the global profile-pulse loop
// that keeps the local profile cache warm for presence resolution.
package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cofoundhq/cofound/internal/identity"
	"github.com/cofoundhq/cofound/internal/roster"
	"github.com/cofoundhq/cofound/internal/storage"
	"github.com/cofoundhq/cofound/internal/util"
	"github.com/cofoundhq/cofound/internal/wire"

	logging "github.com/ipfs/go-log/v2"
	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
)

func init() {
	// Silence noisy libp2p subsystems — dial failures and backoff errors
	// go to stderr by default and pollute terminal output.
	logging.SetLogLevel("swarm2", "error")
	logging.SetLogLevel("autonat", "warn")
	logging.SetLogLevel("pubsub", "warn")
}

type Node struct {
	Host host.Host
	ps   *pubsub.PubSub

	self   *identity.Identity
	db     *storage.DB
	roster *roster.Table

	// Global profile-pulse topic.
	presence *pubsub.Topic
	sub      *pubsub.Subscription
}

type mdnsNotifee struct {
	h host.Host
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	ctx, cancel := context.WithTimeout(context.Background(), util.DefaultConnectTimeout)
	defer cancel()
	_ = n.h.Connect(ctx, pi)
}

// New starts the libp2p host, mDNS discovery and gossipsub, and joins the
// global presence topic. db may be nil in tests; profile pulses are then
// received but not cached.
func New(ctx context.Context, self *identity.Identity, db *storage.DB, listenPort int, mdnsTag string) (*Node, error) {
	h, err := libp2p.New(
		libp2p.Identity(self.PrivKey()),
		libp2p.ListenAddrStrings(fmt.Sprintf("/ip4/0.0.0.0/tcp/%d", listenPort)),
	)
	if err != nil {
		return nil, err
	}

	// LAN discovery via mDNS.
	md := mdns.NewMdnsService(h, mdnsTag, &mdnsNotifee{h: h})
	if err := md.Start(); err != nil {
		_ = h.Close()
		return nil, err
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	presence, err := ps.Join(wire.PresenceTopic)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	sub, err := presence.Subscribe()
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	n := &Node{
		Host:     h,
		ps:       ps,
		self:     self,
		db:       db,
		roster:   roster.NewTable(),
		presence: presence,
		sub:      sub,
	}

	log.Printf("P2P: node up, user id %s", n.ID())
	return n, nil
}

func (n *Node) Close() error {
	return n.Host.Close()
}

func (n *Node) ID() string {
	return n.Host.ID().String()
}

// PubSub exposes the gossipsub instance for the broadcast channel adapter.
func (n *Node) PubSub() *pubsub.PubSub {
	return n.ps
}

// Roster returns the live founder roster fed by the presence loop.
func (n *Node) Roster() *roster.Table {
	return n.roster
}

// Addrs returns the host's current multiaddresses as strings.
func (n *Node) Addrs() []string {
	var out []string
	for _, a := range n.Host.Addrs() {
		out = append(out, a.String())
	}
	return out
}

// PublishPresence broadcasts a profile pulse of the given type.
func (n *Node) PublishPresence(ctx context.Context, typ string) {
	msg := wire.PresenceMsg{
		Type:   typ,
		UserID: n.ID(),
		TS:     wire.NowMillis(),
	}
	if typ == wire.TypeOnline || typ == wire.TypeUpdate {
		msg.DisplayName = n.self.DisplayName()
		msg.AvatarURL = n.self.AvatarURL()
	}

	b, _ := json.Marshal(msg)
	pubCtx, cancel := context.WithTimeout(ctx, util.DefaultPublishTimeout)
	defer cancel()
	_ = n.presence.Publish(pubCtx, b)
}

// RunPresenceLoop consumes profile pulses, caching each remote profile so
// display names resolve even after the peer goes quiet. Returns when ctx is
// cancelled. heartbeat controls how often the node's own pulse is published.
func (n *Node) RunPresenceLoop(ctx context.Context, heartbeat time.Duration) {
	// The local profile also goes through the cache so presence
	// resolution treats self and remote members the same way.
	n.cacheProfile(n.ID(), n.self.DisplayName(), n.self.AvatarURL())
	n.PublishPresence(ctx, wire.TypeOnline)

	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				n.PublishPresence(context.Background(), wire.TypeOffline)
				return
			case <-ticker.C:
				n.PublishPresence(ctx, wire.TypeUpdate)
			}
		}
	}()

	// Stale founders age out of the roster even without an offline message.
	go func() {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now()
				n.roster.PruneStale(now.Add(-3*heartbeat), now.Add(-10*time.Minute))
			}
		}
	}()

	go func() {
		for {
			m, err := n.sub.Next(ctx)
			if err != nil {
				return
			}

			var pm wire.PresenceMsg
			if err := json.Unmarshal(m.Data, &pm); err != nil {
				continue
			}
			if pm.UserID == "" || pm.Type == "" {
				continue
			}
			if pm.UserID == n.ID() {
				continue
			}

			switch pm.Type {
			case wire.TypeOnline, wire.TypeUpdate:
				n.cacheProfile(pm.UserID, pm.DisplayName, pm.AvatarURL)
				n.roster.Upsert(pm.UserID, pm.DisplayName, pm.AvatarURL)
			case wire.TypeOffline:
				n.roster.MarkOffline(pm.UserID)
			}
		}
	}()
}

func (n *Node) cacheProfile(userID, displayName, avatarURL string) {
	if n.db == nil {
		return
	}
	err := n.db.UpsertProfile(storage.Profile{
		UserID:      userID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
	})
	if err != nil {
		log.Printf("P2P: profile cache write failed for %s: %v", userID, err)
	}
}

// ConnectPeer dials a peer by multiaddr string (manual bootstrap).
func (n *Node) ConnectPeer(ctx context.Context, addr string) error {
	m, err := ma.NewMultiaddr(addr)
	if err != nil {
		return fmt.Errorf("parse multiaddr: %w", err)
	}
	ai, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return fmt.Errorf("addr info: %w", err)
	}
	return n.Host.Connect(ctx, *ai)
}
