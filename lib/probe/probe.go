// Package probe checks whether a VPN server answers outside the tunnel. The
// controller uses the answer to tell an unresponsive server apart from an
// unreachable network when a handshake times out.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"syscall"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

// DefaultTimeout bounds a single probe.
const DefaultTimeout = 3 * time.Second

const protocolICMP = 1

// Result is the outcome of one probe. RTT is only meaningful when Received.
type Result struct {
	Received bool
	RTT      time.Duration
}

// Prober reports whether target answered. Probe returns immediately and
// calls done exactly once, from another goroutine.
type Prober interface {
	Probe(ctx context.Context, target netip.Addr, done func(Result))
}

// Func adapts a blocking check to a Prober. The RTT is the time f took.
type Func func(ctx context.Context, target netip.Addr) bool

// Probe runs f on its own goroutine.
func (f Func) Probe(ctx context.Context, target netip.Addr, done func(Result)) {
	go func() {
		start := time.Now()
		if f(ctx, target) {
			done(Result{Received: true, RTT: time.Since(start)})
			return
		}
		done(Result{})
	}()
}

// ICMP sends one echo request and waits for the reply. It uses an
// unprivileged datagram socket and falls back to a raw socket.
type ICMP struct {
	Timeout time.Duration
}

// Probe implements Prober.
func (p ICMP) Probe(ctx context.Context, target netip.Addr, done func(Result)) {
	go func() {
		rtt, err := p.ping(ctx, target)
		if err != nil {
			log.WithError(err).WithField("target", target.String()).Debug("icmp probe failed")
			done(Result{})
			return
		}
		done(Result{Received: true, RTT: rtt})
	}()
}

// ping returns the echo round-trip time.
func (p ICMP) ping(ctx context.Context, target netip.Addr) (time.Duration, error) {
	if !target.Is4() {
		return 0, fmt.Errorf("icmp probe: %s is not an IPv4 address", target)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	pc, dst, err := listenICMP(target)
	if err != nil {
		return 0, err
	}
	defer pc.Close()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := pc.SetDeadline(deadline); err != nil {
		return 0, err
	}
	stop := context.AfterFunc(ctx, func() { pc.SetDeadline(time.Now()) })
	defer stop()

	id := os.Getpid() & 0xffff
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: id, Seq: 1, Data: []byte("hopguard")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, err
	}
	sent := time.Now()
	if _, err := pc.WriteTo(wire, dst); err != nil {
		return 0, fmt.Errorf("icmp probe: write: %w", err)
	}

	buf := make([]byte, 1500)
	for {
		n, peer, err := pc.ReadFrom(buf)
		if err != nil {
			return 0, fmt.Errorf("icmp probe: read: %w", err)
		}
		if !sameHost(peer, target) {
			continue
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil {
			continue
		}
		if reply.Type == ipv4.ICMPTypeEchoReply {
			return time.Since(sent), nil
		}
	}
}

func listenICMP(target netip.Addr) (*icmp.PacketConn, net.Addr, error) {
	if pc, err := icmp.ListenPacket("udp4", "0.0.0.0"); err == nil {
		return pc, &net.UDPAddr{IP: target.AsSlice()}, nil
	}
	pc, err := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, nil, fmt.Errorf("icmp probe: listen: %w", err)
	}
	return pc, &net.IPAddr{IP: target.AsSlice()}, nil
}

func sameHost(addr net.Addr, target netip.Addr) bool {
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.IPAddr:
		ip = a.IP
	default:
		return false
	}
	got, ok := netip.AddrFromSlice(ip)
	return ok && got.Unmap() == target
}

// TCP dials a port on the target. A refused connection still proves the
// host answered.
type TCP struct {
	Port    uint16
	Timeout time.Duration
}

// Probe implements Prober.
func (p TCP) Probe(ctx context.Context, target netip.Addr, done func(Result)) {
	go func() {
		start := time.Now()
		if p.dial(ctx, target) {
			done(Result{Received: true, RTT: time.Since(start)})
			return
		}
		done(Result{})
	}()
}

func (p TCP) dial(ctx context.Context, target netip.Addr) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	port := p.Port
	if port == 0 {
		port = 443
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", netip.AddrPortFrom(target, port).String())
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return true
		}
		log.WithError(err).WithField("target", target.String()).Debug("tcp probe failed")
		return false
	}
	conn.Close()
	return true
}
