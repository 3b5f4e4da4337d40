package backend

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/armon/circbuf"
	"golang.zx2c4.com/wireguard/conn"
	"golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/tun/netstack"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/hop"
)

const (
	defaultMTU           = 1420
	defaultHandshakePoll = 250 * time.Millisecond
	defaultLogSize       = 256 * 1024
	keepaliveInterval    = 25
	commandQueueSize     = 64
)

// WireGuardConfig configures the userspace WireGuard backend.
type WireGuardConfig struct {
	// PrivateKey is the device private key.
	PrivateKey wgtypes.Key
	// Addresses are the tunnel addresses assigned to the device.
	Addresses []netip.Addr
	// DNS are the resolvers of the netstack interface.
	DNS []netip.Addr
	// MTU is the tunnel MTU.
	MTU int
	// ListenPort is the local UDP port, 0 for random.
	ListenPort uint16
	// HandshakePoll is how often the device is checked for completed handshakes.
	HandshakePoll time.Duration
	// LogSize is the capacity of the backend log ring in bytes.
	LogSize int64
	// Bind overrides the UDP bind, nil for the default.
	Bind conn.Bind
}

func normalizeWireGuardConfig(cfg *WireGuardConfig) {
	if cfg.MTU <= 0 {
		cfg.MTU = defaultMTU
	}
	if cfg.HandshakePoll <= 0 {
		cfg.HandshakePoll = defaultHandshakePoll
	}
	if cfg.LogSize <= 0 {
		cfg.LogSize = defaultLogSize
	}
}

func validateWireGuardConfig(cfg *WireGuardConfig) error {
	if cfg.PrivateKey == (wgtypes.Key{}) {
		return fmt.Errorf("backend: private key: %w", apperrors.ErrConfiguration)
	}
	if len(cfg.Addresses) == 0 {
		return fmt.Errorf("backend: no tunnel address: %w", apperrors.ErrConfiguration)
	}
	for _, a := range cfg.Addresses {
		if !a.IsValid() {
			return fmt.Errorf("backend: invalid tunnel address: %w", apperrors.ErrConfiguration)
		}
	}
	return nil
}

// installedPeer is a hop configured on the device.
type installedPeer struct {
	conn       hop.Connection
	generation uint64
	// confirmed is set once EventConnected has been emitted.
	confirmed bool
	// baseline is the handshake time seen when the hop was installed.
	baseline time.Time
}

type command struct {
	kind       Request
	generation uint64
	conn       hop.Connection
}

// WireGuard is a Backend driving a wireguard-go device on a netstack TUN.
// Requests are applied in order by a single worker goroutine.
//
// Every hop is a peer of the same device over the default UDP bind, so an
// exit hop is not encapsulated in the entry tunnel.
type WireGuard struct {
	cfg WireGuardConfig

	mu     sync.Mutex
	dev    *device.Device
	tun    tun.Device
	net    *netstack.Net
	emit   func(Event)
	peers  map[wgtypes.Key]*installedPeer
	closed bool

	logMu sync.Mutex
	logs  *circbuf.Buffer

	cmds   chan command
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWireGuard validates cfg and returns an uninitialized backend.
func NewWireGuard(cfg WireGuardConfig) (*WireGuard, error) {
	normalizeWireGuardConfig(&cfg)
	if err := validateWireGuardConfig(&cfg); err != nil {
		return nil, err
	}
	logs, err := circbuf.NewBuffer(cfg.LogSize)
	if err != nil {
		return nil, fmt.Errorf("backend: log buffer: %w", err)
	}
	return &WireGuard{
		cfg:   cfg,
		logs:  logs,
		peers: make(map[wgtypes.Key]*installedPeer),
		cmds:  make(chan command, commandQueueSize),
	}, nil
}

// Initialize creates and brings up the device, then emits EventInitialized.
// The userspace device never survives a restart, so WasConnected is false.
func (w *WireGuard) Initialize(ctx context.Context, emit func(Event)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return apperrors.ErrBackendClosed
	}
	if w.dev != nil {
		return fmt.Errorf("backend: already initialized: %w", apperrors.ErrInvalidState)
	}

	tunDev, tnet, err := netstack.CreateNetTUN(w.cfg.Addresses, w.cfg.DNS, w.cfg.MTU)
	if err != nil {
		return fmt.Errorf("backend: creating netstack TUN: %w", err)
	}

	bind := w.cfg.Bind
	if bind == nil {
		bind = conn.NewDefaultBind()
	}
	dev := device.NewDevice(tunDev, bind, &device.Logger{
		Verbosef: w.logf("DEBUG"),
		Errorf:   w.logf("ERROR"),
	})

	ipc := fmt.Sprintf("private_key=%s\n", hexKey(w.cfg.PrivateKey))
	if w.cfg.ListenPort > 0 {
		ipc += fmt.Sprintf("listen_port=%d\n", w.cfg.ListenPort)
	}
	if err := dev.IpcSet(ipc); err != nil {
		dev.Close()
		return fmt.Errorf("backend: configuring device: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return fmt.Errorf("backend: bringing up device: %w", err)
	}

	w.dev = dev
	w.tun = tunDev
	w.net = tnet
	w.emit = emit

	runCtx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(2)
	go w.worker(runCtx)
	go w.watchHandshakes(runCtx)

	log.WithField("addresses", w.cfg.Addresses).WithField("mtu", w.cfg.MTU).Info("created WireGuard device")

	emit(Event{Kind: EventInitialized, OK: true})
	return nil
}

// SubmitHop queues the installation of a hop.
func (w *WireGuard) SubmitHop(ctx context.Context, generation uint64, c hop.Connection) error {
	return w.enqueue(ctx, command{kind: RequestSubmitHop, generation: generation, conn: c})
}

// Teardown queues the removal of every hop.
func (w *WireGuard) Teardown(ctx context.Context, generation uint64) error {
	return w.enqueue(ctx, command{kind: RequestTeardown, generation: generation})
}

// RequestStatus queues a status snapshot.
func (w *WireGuard) RequestStatus(ctx context.Context, generation uint64) error {
	return w.enqueue(ctx, command{kind: RequestStatus, generation: generation})
}

func (w *WireGuard) enqueue(ctx context.Context, cmd command) error {
	w.mu.Lock()
	closed, ready := w.closed, w.dev != nil
	w.mu.Unlock()

	if closed {
		return apperrors.ErrBackendClosed
	}
	if !ready {
		return apperrors.ErrBackendNotInitialized
	}
	select {
	case w.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("backend: command queue full: %w", apperrors.ErrUnavailable)
	}
}

func (w *WireGuard) worker(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			w.apply(cmd)
		}
	}
}

func (w *WireGuard) apply(cmd command) {
	var err error
	switch cmd.kind {
	case RequestSubmitHop:
		err = w.installHop(cmd.generation, cmd.conn)
	case RequestTeardown:
		if err = w.removeAll(); err == nil {
			w.send(Event{Kind: EventDisconnected, Generation: cmd.generation})
		}
	case RequestStatus:
		var st Status
		if st, err = w.status(); err == nil {
			w.send(Event{Kind: EventStatus, Generation: cmd.generation, Status: st})
		}
	}
	if err != nil {
		log.WithError(err).WithField("request", cmd.kind.String()).Warn("backend request failed")
		w.send(Event{Kind: EventError, Generation: cmd.generation, Request: cmd.kind, Err: fmt.Errorf("%w: %v", apperrors.ErrBackend, err)})
	}
}

func (w *WireGuard) send(ev Event) {
	w.mu.Lock()
	emit := w.emit
	w.mu.Unlock()
	if emit != nil {
		emit(ev)
	}
}

// installHop adds the hop as a peer. Installing an exit hop removes peers
// left over from earlier generations.
func (w *WireGuard) installHop(generation uint64, c hop.Connection) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return apperrors.ErrBackendClosed
	}

	handshakes, err := w.readPeers()
	if err != nil {
		return err
	}

	var ipc strings.Builder
	if c.Exit {
		for key, p := range w.peers {
			if p.generation != generation && key != c.Server.PublicKey {
				fmt.Fprintf(&ipc, "public_key=%s\nremove=true\n", hexKey(key))
				delete(w.peers, key)
			}
		}
	}
	fmt.Fprintf(&ipc, "public_key=%s\n", hexKey(c.Server.PublicKey))
	fmt.Fprintf(&ipc, "endpoint=%s\n", c.Endpoint)
	ipc.WriteString("replace_allowed_ips=true\n")
	for _, p := range c.AllowedIPs {
		fmt.Fprintf(&ipc, "allowed_ip=%s\n", p)
	}
	fmt.Fprintf(&ipc, "persistent_keepalive_interval=%d\n", keepaliveInterval)

	if err := w.dev.IpcSet(ipc.String()); err != nil {
		return fmt.Errorf("adding peer: %w", err)
	}

	w.peers[c.Server.PublicKey] = &installedPeer{
		conn:       c,
		generation: generation,
		baseline:   handshakes[c.Server.PublicKey].handshake,
	}

	log.WithField("hop", c.HopIndex).WithField("server", c.Server.ID()).WithField("endpoint", c.Endpoint.String()).Debug("installed hop")
	return nil
}

func (w *WireGuard) removeAll() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return apperrors.ErrBackendClosed
	}
	if err := w.dev.IpcSet("replace_peers=true\n"); err != nil {
		return fmt.Errorf("removing peers: %w", err)
	}
	w.peers = make(map[wgtypes.Key]*installedPeer)
	log.Debug("removed all hops")
	return nil
}

func (w *WireGuard) status() (Status, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return Status{}, apperrors.ErrBackendClosed
	}
	stats, err := w.readPeers()
	if err != nil {
		return Status{}, err
	}

	st := Status{DeviceAddress: w.cfg.Addresses[0]}
	for key, p := range w.peers {
		if p.conn.Exit {
			st.Gateway = p.conn.Server.IPv4Gateway
		}
		st.TxBytes += stats[key].tx
		st.RxBytes += stats[key].rx
	}
	return st, nil
}

// watchHandshakes emits EventConnected for every installed hop whose
// handshake time advances past the value seen at installation.
func (w *WireGuard) watchHandshakes(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.HandshakePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var ready []Event
		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			return
		}
		stats, err := w.readPeers()
		if err == nil {
			for key, p := range w.peers {
				if p.confirmed {
					continue
				}
				if hs := stats[key].handshake; !hs.IsZero() && hs.After(p.baseline) {
					p.confirmed = true
					ready = append(ready, Event{Kind: EventConnected, Generation: p.generation, PublicKey: key})
				}
			}
		}
		w.mu.Unlock()

		if err != nil {
			log.WithError(err).Debug("reading device state failed")
			continue
		}
		for _, ev := range ready {
			w.send(ev)
		}
	}
}

type peerStats struct {
	handshake time.Time
	tx, rx    uint64
}

// readPeers parses the UAPI dump of the device. Callers hold w.mu.
func (w *WireGuard) readPeers() (map[wgtypes.Key]peerStats, error) {
	dump, err := w.dev.IpcGet()
	if err != nil {
		return nil, fmt.Errorf("reading device: %w", err)
	}
	return parseUAPI(dump)
}

func parseUAPI(dump string) (map[wgtypes.Key]peerStats, error) {
	out := make(map[wgtypes.Key]peerStats)
	var (
		current wgtypes.Key
		have    bool
		sec     int64
	)
	flush := func() {
		if have {
			st := out[current]
			if sec > 0 {
				st.handshake = time.Unix(sec, 0)
			}
			out[current] = st
		}
	}

	sc := bufio.NewScanner(strings.NewReader(dump))
	for sc.Scan() {
		key, value, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		switch key {
		case "public_key":
			flush()
			raw, err := hex.DecodeString(value)
			if err != nil || len(raw) != wgtypes.KeyLen {
				return nil, fmt.Errorf("parsing peer key %q", value)
			}
			copy(current[:], raw)
			have, sec = true, 0
		case "last_handshake_time_sec":
			sec, _ = strconv.ParseInt(value, 10, 64)
		case "tx_bytes", "rx_bytes":
			if !have {
				continue
			}
			n, _ := strconv.ParseUint(value, 10, 64)
			st := out[current]
			if key == "tx_bytes" {
				st.tx = n
			} else {
				st.rx = n
			}
			out[current] = st
		}
	}
	flush()
	return out, sc.Err()
}

// Net returns the netstack network of the device, nil before Initialize.
func (w *WireGuard) Net() *netstack.Net {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.net
}

// PublicKey returns the device public key.
func (w *WireGuard) PublicKey() wgtypes.Key {
	return w.cfg.PrivateKey.PublicKey()
}

// Logs passes the buffered device log to cb.
func (w *WireGuard) Logs(cb func(string)) {
	w.logMu.Lock()
	s := w.logs.String()
	w.logMu.Unlock()
	cb(s)
}

// CleanupLogs discards the buffered device log.
func (w *WireGuard) CleanupLogs() {
	w.logMu.Lock()
	defer w.logMu.Unlock()
	w.logs.Reset()
}

func (w *WireGuard) logf(level string) func(format string, args ...any) {
	return func(format string, args ...any) {
		line := time.Now().UTC().Format(time.RFC3339) + " " + level + " " + fmt.Sprintf(format, args...) + "\n"
		w.logMu.Lock()
		w.logs.Write([]byte(line))
		w.logMu.Unlock()
	}
}

// Close shuts the device down.
func (w *WireGuard) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	cancel := w.cancel
	dev := w.dev
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	w.wg.Wait()
	if dev != nil {
		dev.Close()
	}
	log.Info("closed WireGuard device")
	return nil
}

// hexKey converts a WireGuard key to hex format for UAPI.
func hexKey(key wgtypes.Key) string {
	return hex.EncodeToString(key[:])
}
