package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultSignalingURL = "http://localhost:3000"
	DefaultStunURL      = "stun:stun.hitv.com:3478"
	DefaultRelayAddr    = ":3000"
)

// RelayConfig holds configuration for the relay binary.
type RelayConfig struct {
	Addr     string
	LogLevel string
}

// ClientConfig holds the settings consumed at connection-setup time.
type ClientConfig struct {
	SignalingURL string
	StunURL      string
	TurnURL      string // optional
	TurnUser     string
	TurnPass     string
	SaveDir      string // where received files land
	DataDir      string // identity database location
	DeviceName   string // used only when no identity exists yet
	LogLevel     string
	DefaultHost  bool // re-create a room automatically after a peer leaves
}

// ParseRelayConfig parses relay configuration from args and environment variables.
// Flags take precedence over environment variables.
func ParseRelayConfig(args []string) (RelayConfig, error) {
	fs := flag.NewFlagSet("dropserv", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseRelayConfigWithFlagSet(fs, args)
}

func parseRelayConfigWithFlagSet(fs *flag.FlagSet, args []string) (RelayConfig, error) {
	cfg := RelayConfig{
		Addr:     DefaultRelayAddr,
		LogLevel: "info",
	}
	if addr := os.Getenv("INSTADROP_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if logLevel := os.Getenv("INSTADROP_LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}

	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParseClientConfig parses client configuration and returns the remaining
// positional arguments. Flags take precedence over environment variables.
func ParseClientConfig(name string, args []string) (ClientConfig, []string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return parseClientConfigWithFlagSet(fs, args)
}

func parseClientConfigWithFlagSet(fs *flag.FlagSet, args []string) (ClientConfig, []string, error) {
	cfg := ClientConfig{
		SignalingURL: DefaultSignalingURL,
		StunURL:      DefaultStunURL,
		SaveDir:      defaultSaveDir(),
		DataDir:      defaultDataDir(),
		DeviceName:   defaultDeviceName(),
		LogLevel:     "warn",
	}

	if v := os.Getenv("INSTADROP_SIGNALING_URL"); v != "" {
		cfg.SignalingURL = v
	}
	if v := os.Getenv("INSTADROP_STUN_URL"); v != "" {
		cfg.StunURL = v
	}
	if v := os.Getenv("INSTADROP_TURN_URL"); v != "" {
		cfg.TurnURL = v
	}
	if v := os.Getenv("INSTADROP_TURN_USER"); v != "" {
		cfg.TurnUser = v
	}
	if v := os.Getenv("INSTADROP_TURN_PASS"); v != "" {
		cfg.TurnPass = v
	}
	if v := os.Getenv("INSTADROP_SAVE_DIR"); v != "" {
		cfg.SaveDir = v
	}
	if v := os.Getenv("INSTADROP_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INSTADROP_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}
	if v := os.Getenv("INSTADROP_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("INSTADROP_DEFAULT_HOST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DefaultHost = b
		}
	}

	fs.StringVar(&cfg.SignalingURL, "signaling-url", cfg.SignalingURL, "signaling relay URL")
	fs.StringVar(&cfg.StunURL, "stun-url", cfg.StunURL, "STUN server URL")
	fs.StringVar(&cfg.TurnURL, "turn-url", cfg.TurnURL, "TURN server URL (optional)")
	fs.StringVar(&cfg.TurnUser, "turn-user", cfg.TurnUser, "TURN username")
	fs.StringVar(&cfg.TurnPass, "turn-pass", cfg.TurnPass, "TURN password")
	fs.StringVar(&cfg.SaveDir, "save-dir", cfg.SaveDir, "directory for received files")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "directory for the identity database")
	fs.StringVar(&cfg.DeviceName, "name", cfg.DeviceName, "device name for a new identity")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.DefaultHost, "default-host", cfg.DefaultHost, "re-open a room automatically after each peer leaves")

	if err := fs.Parse(args); err != nil {
		return cfg, nil, err
	}
	return cfg, fs.Args(), nil
}

// Validate checks the signaling URL and the STUN/TURN URIs.
func (c ClientConfig) Validate() error {
	u, err := url.Parse(c.SignalingURL)
	if err != nil {
		return fmt.Errorf("invalid signaling url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid signaling url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("signaling url has no host")
	}

	stunURI, err := stun.ParseURI(c.StunURL)
	if err != nil {
		return fmt.Errorf("invalid stun url %q: %w", c.StunURL, err)
	}
	if stunURI.Scheme != stun.SchemeTypeSTUN && stunURI.Scheme != stun.SchemeTypeSTUNS {
		return fmt.Errorf("stun url %q is not a stun: uri", c.StunURL)
	}

	if c.TurnURL == "" {
		return nil
	}
	turnURI, err := stun.ParseURI(c.TurnURL)
	if err != nil {
		return fmt.Errorf("invalid turn url %q: %w", c.TurnURL, err)
	}
	if turnURI.Scheme != stun.SchemeTypeTURN && turnURI.Scheme != stun.SchemeTypeTURNS {
		return fmt.Errorf("turn url %q is not a turn: uri", c.TurnURL)
	}
	if c.TurnUser == "" || c.TurnPass == "" {
		return errors.New("turn url requires turn-user and turn-pass")
	}
	return nil
}

// ICEServers returns the NAT-traversal server list: STUN always, TURN when configured.
func (c ClientConfig) ICEServers() []webrtc.ICEServer {
	servers := []webrtc.ICEServer{{URLs: []string{c.StunURL}}}
	if c.TurnURL != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:           []string{c.TurnURL},
			Username:       c.TurnUser,
			Credential:     c.TurnPass,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	return servers
}

// DatabasePath is the SQLite file holding identity and trust data.
func (c ClientConfig) DatabasePath() string {
	return filepath.Join(c.DataDir, "instadrop.db")
}

func defaultDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil || dir == "" {
		return ".instadrop"
	}
	return filepath.Join(dir, "instadrop")
}

func defaultSaveDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return filepath.Join(home, "Downloads")
}

func defaultDeviceName() string {
	if host, err := os.Hostname(); err == nil && strings.TrimSpace(host) != "" {
		return host
	}
	return "InstaDrop Device"
}
