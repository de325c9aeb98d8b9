package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cofoundhq/cofound/internal/util"
)

type Config struct {
	Identity  Identity  `json:"identity"`
	P2P       P2P       `json:"p2p"`
	Signaling Signaling `json:"signaling"`
	Media     Media     `json:"media"`
	Bridge    Bridge    `json:"bridge"`
}

type Identity struct {
	KeyFile     string `json:"key_file"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Signaling struct {
	// TopicPrefix scopes room topics; the full topic is prefix + roomID.
	TopicPrefix string `json:"topic_prefix"`

	// JoinTimeoutSec bounds how long a call may sit in the joining phase
	// waiting for the peer to show up. 0 disables the timeout.
	JoinTimeoutSec int `json:"join_timeout_seconds"`

	// StartRetries / StartBackoffMs control retry of channel subscription
	// at call start. Only the call-start boundary retries; mid-call
	// transport errors are handled by the coordinator itself.
	StartRetries   int `json:"start_retries"`
	StartBackoffMs int `json:"start_backoff_ms"`
}

type Media struct {
	ICEServers   []string `json:"ice_servers"`
	VideoBitRate int      `json:"video_bitrate"`
	DisableVideo bool     `json:"disable_video"`
	MaxWidth     int      `json:"max_width"`
	MaxHeight    int      `json:"max_height"`
}

type Bridge struct {
	// HTTPAddr is the localhost address the UI event bridge listens on.
	// Empty disables the bridge.
	HTTPAddr string `json:"http_addr"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			KeyFile:     "data/identity.key",
			DisplayName: "founder",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "cofound-mdns",
		},
		Signaling: Signaling{
			TopicPrefix:    "cofound.call.v1.",
			JoinTimeoutSec: 45,
			StartRetries:   3,
			StartBackoffMs: 500,
		},
		Media: Media{
			ICEServers:   []string{"stun:stun.l.google.com:19302"},
			VideoBitRate: 1_500_000,
			MaxWidth:     640,
			MaxHeight:    480,
		},
		Bridge: Bridge{
			HTTPAddr: "127.0.0.1:7707",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Signaling
	if strings.TrimSpace(c.Signaling.TopicPrefix) == "" {
		return errors.New("signaling.topic_prefix is required")
	}
	if c.Signaling.JoinTimeoutSec < 0 {
		return errors.New("signaling.join_timeout_seconds must be >= 0")
	}
	if c.Signaling.StartRetries < 0 {
		return errors.New("signaling.start_retries must be >= 0")
	}
	if c.Signaling.StartBackoffMs < 0 {
		return errors.New("signaling.start_backoff_ms must be >= 0")
	}

	// Media
	if len(c.Media.ICEServers) == 0 {
		return errors.New("media.ice_servers must list at least one server")
	}
	for _, s := range c.Media.ICEServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("media.ice_servers: %q must be a stun:/turn:/turns: URL", s)
		}
	}
	if c.Media.VideoBitRate <= 0 {
		return errors.New("media.video_bitrate must be > 0")
	}
	if c.Media.MaxWidth <= 0 || c.Media.MaxHeight <= 0 {
		return errors.New("media.max_width and media.max_height must be > 0")
	}

	// Bridge
	if a := strings.TrimSpace(c.Bridge.HTTPAddr); a != "" {
		host, _, err := net.SplitHostPort(a)
		if err != nil {
			return fmt.Errorf("bridge.http_addr: %v", err)
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			return errors.New("bridge.http_addr must bind a loopback address")
		}
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
