// Package app wires the subsystems into a running peer: storage, identity,
// the libp2p node, the call manager and the loopback bridge.
package app

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/cofoundhq/cofound/internal/avatar"
	"github.com/cofoundhq/cofound/internal/bridge"
	"github.com/cofoundhq/cofound/internal/broadcast"
	"github.com/cofoundhq/cofound/internal/call"
	"github.com/cofoundhq/cofound/internal/config"
	"github.com/cofoundhq/cofound/internal/identity"
	"github.com/cofoundhq/cofound/internal/p2p"
	"github.com/cofoundhq/cofound/internal/presence"
	"github.com/cofoundhq/cofound/internal/session"
	"github.com/cofoundhq/cofound/internal/signaling"
	"github.com/cofoundhq/cofound/internal/storage"
	"github.com/cofoundhq/cofound/internal/util"
)

const presenceHeartbeat = 20 * time.Second

// Options carry everything Run needs from main.
type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config
}

// Run starts the peer and blocks until ctx is cancelled or a subsystem
// fails fatally.
func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	db, err := storage.Open(opt.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	keyFile := util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile)
	self, err := identity.Load(keyFile, cfg.Identity.DisplayName, cfg.Identity.AvatarURL)
	if err != nil {
		return err
	}
	log.Printf("APP: identity %s (%s)", self.UserID(), self.DisplayName())

	node, err := p2p.New(ctx, self, db, cfg.P2P.ListenPort, cfg.P2P.MdnsTag)
	if err != nil {
		return err
	}
	defer node.Close()
	for _, addr := range node.Addrs() {
		log.Printf("APP: listening on %s", addr)
	}
	go node.RunPresenceLoop(ctx, presenceHeartbeat)

	adapter := broadcast.NewAdapter(node.PubSub(), self.UserID(), cfg.Signaling.TopicPrefix)
	dir := presence.NewDirectory(db, self.UserID())
	sessions := session.NewService(db)
	mgr := call.New(self, adapter, sessions, dir, cfg)
	defer mgr.Close()

	avatars := avatar.NewStore(opt.DataDir)
	br := bridge.New(mgr, dir, self.UserID()).
		WithRoster(node.Roster()).
		WithAvatars(avatars, self.DisplayName())

	// Feed presence changes of active rooms to the bridge. One subscription
	// per call, cancelled when the call ends.
	mgr.OnState(watchRoomPresence(dir, br))

	// Profile edits apply without a restart. Transport settings need one.
	watcher, err := config.Watch(opt.CfgPath, func(next config.Config) {
		self.SetProfile(next.Identity.DisplayName, next.Identity.AvatarURL)
		log.Printf("APP: config reloaded, profile now %q", next.Identity.DisplayName)
	})
	if err != nil {
		log.Printf("APP: config watch unavailable: %v", err)
	} else {
		defer watcher.Close()
	}

	// Empty address disables the UI bridge; the peer still signals calls
	// started by the remote side.
	if cfg.Bridge.HTTPAddr == "" {
		log.Printf("APP: bridge disabled, running headless")
		<-ctx.Done()
		return nil
	}
	return br.Serve(ctx, cfg.Bridge.HTTPAddr)
}

// watchRoomPresence subscribes the bridge to a room's presence rows while a
// call in that room is live.
func watchRoomPresence(dir *presence.Directory, br *bridge.Bridge) func(string, signaling.State) {
	var mu sync.Mutex
	cancels := make(map[string]func())
	return func(roomID string, st signaling.State) {
		mu.Lock()
		defer mu.Unlock()
		switch st {
		case signaling.StateJoining:
			if _, ok := cancels[roomID]; ok {
				return
			}
			cancels[roomID] = dir.Subscribe(roomID, func(members []presence.Member, _ bool) {
				br.NotifyPresence(roomID, members)
			})
		case signaling.StateClosed:
			if cancel, ok := cancels[roomID]; ok {
				cancel()
				delete(cancels, roomID)
			}
		}
	}
}
