package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheerbytes/instadrop/internal/ice"
)

const doctorTimeout = 5 * time.Second

// runDoctor checks the relay health endpoint and the STUN server.
func runDoctor(ctx context.Context, e *env, _ map[string]bool) error {
	if err := e.cfg.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	var failed []string
	if n, err := relayHealth(ctx, e.cfg.SignalingURL); err != nil {
		failed = append(failed, "relay")
		fmt.Fprintf(e.stdout, "relay  %s: %v\n", e.cfg.SignalingURL, err)
	} else {
		fmt.Fprintf(e.stdout, "relay  %s: ok (%d connections)\n", e.cfg.SignalingURL, n)
	}

	res, err := ice.NewProber(3, 0, e.logger).Probe(ctx, e.cfg.StunURL)
	if err != nil {
		failed = append(failed, "stun")
		fmt.Fprintf(e.stdout, "stun   %s: %v\n", e.cfg.StunURL, err)
	} else {
		fmt.Fprintf(e.stdout, "stun   %s: public address %s (rtt %s)\n", e.cfg.StunURL, res.Public, res.RTT.Round(time.Millisecond))
	}

	if len(failed) > 0 {
		return fmt.Errorf("checks failed: %s", strings.Join(failed, ", "))
	}
	return nil
}

func relayHealth(ctx context.Context, signalingURL string) (int, error) {
	u, err := url.Parse(signalingURL)
	if err != nil {
		return 0, err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("health returned %s", resp.Status)
	}
	var body struct {
		OK          bool `json:"ok"`
		Connections int  `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode health: %w", err)
	}
	if !body.OK {
		return 0, fmt.Errorf("relay reports not ok")
	}
	return body.Connections, nil
}
