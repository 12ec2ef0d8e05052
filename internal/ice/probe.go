// Package ice checks NAT traversal reachability: it asks a STUN server for
// this host's public (server-reflexive) address.
package ice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun/v3"
)

const defaultAttemptTimeout = 800 * time.Millisecond

// Result is one successful binding.
type Result struct {
	Server  *net.UDPAddr
	Public  *net.UDPAddr
	Local   net.Addr
	RTT     time.Duration
	Attempt int
}

// Prober sends STUN binding requests from a single UDP socket.
type Prober struct {
	logger   *slog.Logger
	attempts int
	timeout  time.Duration
}

// NewProber returns a prober that tries each resolved server address
// attempts times.
func NewProber(attempts int, timeout time.Duration, logger *slog.Logger) *Prober {
	if attempts <= 0 {
		attempts = 3
	}
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{logger: logger, attempts: attempts, timeout: timeout}
}

// Probe resolves stunURL (a stun: URI) and returns the first binding answer.
func (p *Prober) Probe(ctx context.Context, stunURL string) (Result, error) {
	uri, err := stun.ParseURI(stunURL)
	if err != nil {
		return Result{}, fmt.Errorf("parse stun url: %w", err)
	}
	if uri.Scheme != stun.SchemeTypeSTUN {
		return Result{}, fmt.Errorf("unsupported scheme %q", uri.Scheme)
	}
	servers, err := resolveStunAddrs(ctx, net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)))
	if err != nil {
		return Result{}, err
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return Result{}, err
	}
	defer conn.Close()

	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		for _, server := range servers {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			res, err := p.bind(conn, server)
			if err != nil {
				p.logger.Debug("stun binding failed", "server", server, "attempt", attempt, "err", err)
				lastErr = err
				continue
			}
			res.Attempt = attempt
			p.logger.Info("public address resolved", "server", server, "addr", res.Public, "rtt", res.RTT)
			return res, nil
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no server addresses")
	}
	return Result{}, fmt.Errorf("all STUN attempts failed: %w", lastErr)
}

func (p *Prober) bind(conn *net.UDPConn, server *net.UDPAddr) (Result, error) {
	req := stun.MustBuild(stun.TransactionID, stun.BindingRequest, stun.Fingerprint)
	start := time.Now()
	if _, err := conn.WriteToUDP(req.Raw, server); err != nil {
		return Result{}, err
	}

	buf := make([]byte, 1500)
	deadline := start.Add(p.timeout)
	for {
		_ = conn.SetReadDeadline(deadline)
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			return Result{}, err
		}
		if !stun.IsMessage(buf[:n]) || !from.IP.Equal(server.IP) {
			continue
		}
		res := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := res.Decode(); err != nil {
			continue
		}
		// stale answer from an earlier attempt
		if res.TransactionID != req.TransactionID {
			continue
		}
		public, err := mappedAddr(res)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Server: server,
			Public: public,
			Local:  conn.LocalAddr(),
			RTT:    time.Since(start),
		}, nil
	}
}

func mappedAddr(m *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(m); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mapped stun.MappedAddress
	if err := mapped.GetFrom(m); err != nil {
		return nil, fmt.Errorf("binding response without mapped address: %w", err)
	}
	return &net.UDPAddr{IP: mapped.IP, Port: mapped.Port}, nil
}

func resolveStunAddrs(ctx context.Context, addrStr string) ([]*net.UDPAddr, error) {
	host, portStr, err := net.SplitHostPort(addrStr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IPs for %s", host)
	}
	addrs := make([]*net.UDPAddr, 0, len(ips))
	for _, ip := range ips {
		if ip.IP.To4() == nil {
			continue
		}
		addrs = append(addrs, &net.UDPAddr{IP: ip.IP, Port: port})
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no IPv4 addresses for %s", host)
	}
	return addrs, nil
}
