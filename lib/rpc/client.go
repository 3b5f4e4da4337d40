package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultClientTimeout bounds dialing and each request when ClientConfig
// leaves Timeout unset.
const DefaultClientTimeout = 30 * time.Second

// Client talks to a hopguard daemon over its control socket. Calls are
// serialized, so a Client may be shared between goroutines.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	dec     *json.Decoder
	timeout time.Duration
	lastID  uint64
}

// ClientConfig configures the RPC client.
type ClientConfig struct {
	// UnixSocketPath is the path to the Unix socket. It wins over TCPAddress.
	UnixSocketPath string
	// TCPAddress is the TCP address to connect to.
	TCPAddress string
	// AuthToken is the hex-encoded authentication token.
	AuthToken string
	// AuthFile is read for the token when AuthToken is empty.
	AuthFile string
	// Timeout is the dial and per-request timeout.
	Timeout time.Duration
}

func (cfg ClientConfig) endpoint() (network, address string, err error) {
	switch {
	case cfg.UnixSocketPath != "":
		return networkUnix, cfg.UnixSocketPath, nil
	case cfg.TCPAddress != "":
		return networkTCP, cfg.TCPAddress, nil
	}
	return "", "", errors.New("no connection address specified")
}

// token returns the decoded token, or nil when none is configured.
func (cfg ClientConfig) token() ([]byte, error) {
	encoded := cfg.AuthToken
	if encoded == "" && cfg.AuthFile != "" {
		data, err := os.ReadFile(cfg.AuthFile)
		if err != nil {
			return nil, fmt.Errorf("reading auth file: %w", err)
		}
		encoded = strings.TrimSpace(string(data))
	}
	if encoded == "" {
		return nil, nil
	}
	token, err := hex.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid auth token: %w", err)
	}
	return token, nil
}

// NewClient dials the daemon and authenticates when a token is configured.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultClientTimeout
	}

	token, err := cfg.token()
	if err != nil {
		return nil, err
	}
	network, address, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}

	conn, err := net.DialTimeout(network, address, cfg.Timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", network, err)
	}
	c := &Client{conn: conn, timeout: cfg.Timeout}

	if token != nil {
		params := AuthParams{Token: hex.EncodeToString(token)}
		if err := c.Call(context.Background(), "auth", params, nil); err != nil {
			conn.Close()
			return nil, fmt.Errorf("authentication failed: %w", err)
		}
	}
	return c, nil
}

// reply is the client-side view of Response with the result left raw.
type reply struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     json.RawMessage `json:"id"`
}

// Call invokes method and decodes the result into result, which may be nil.
// Errors reported by the daemon are returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastID++
	id := strconv.FormatUint(c.lastID, 10)
	req.ID = json.RawMessage(id)

	rep, err := c.roundTrip(ctx, &req)
	if err != nil {
		return err
	}
	if string(rep.ID) != id {
		return fmt.Errorf("response id %s does not match request %s", rep.ID, id)
	}
	if rep.Error != nil {
		return rep.Error
	}
	if result == nil || len(rep.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rep.Result, result); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

// roundTrip writes one request line and reads one response. Caller holds mu.
func (c *Client) roundTrip(ctx context.Context, req *Request) (*reply, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	if c.dec == nil {
		c.dec = json.NewDecoder(c.conn)
	}
	var rep reply
	if err := c.dec.Decode(&rep); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &rep, nil
}

// deadline is the client timeout from now, or the context deadline when
// that comes first.
func (c *Client) deadline(ctx context.Context) time.Time {
	d := time.Now().Add(c.timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func callFor[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	var out T
	if err := c.Call(ctx, method, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the daemon and connection status.
func (c *Client) Status(ctx context.Context) (*StatusResult, error) {
	return callFor[StatusResult](ctx, c, "status", nil)
}

// Activate asks the controller to connect.
func (c *Client) Activate(ctx context.Context) (*ActionResult, error) {
	return callFor[ActionResult](ctx, c, "connection.activate", nil)
}

// Deactivate asks the controller to disconnect.
func (c *Client) Deactivate(ctx context.Context) (*ActionResult, error) {
	return callFor[ActionResult](ctx, c, "connection.deactivate", nil)
}

// ChangeServer switches to the given exit and optional entry.
func (c *Client) ChangeServer(ctx context.Context, sel SelectionParams) (*ActionResult, error) {
	return callFor[ActionResult](ctx, c, "connection.change_server", sel)
}

// SilentSwitch rotates the tunnel without dropping it.
func (c *Client) SilentSwitch(ctx context.Context) (*ActionResult, error) {
	return callFor[ActionResult](ctx, c, "connection.silent_switch", nil)
}

// Stats returns live tunnel counters.
func (c *Client) Stats(ctx context.Context) (*StatsResult, error) {
	return callFor[StatsResult](ctx, c, "connection.stats", nil)
}

// Logs returns the backend log buffer.
func (c *Client) Logs(ctx context.Context) (string, error) {
	res, err := callFor[LogsResult](ctx, c, "logs.get", nil)
	if err != nil {
		return "", err
	}
	return res.Logs, nil
}

// CleanupLogs clears the backend log buffer.
func (c *Client) CleanupLogs(ctx context.Context) error {
	return c.Call(ctx, "logs.cleanup", nil, nil)
}

// CaptivePortal reports that a captive portal appeared or went away.
func (c *Client) CaptivePortal(ctx context.Context, present bool) error {
	if present {
		return c.Call(ctx, "portal.present", nil, nil)
	}
	return c.Call(ctx, "portal.gone", nil, nil)
}

// Cooldown puts a server location on cooldown.
func (c *Client) Cooldown(ctx context.Context, country, city string) error {
	return c.Call(ctx, "servers.cooldown", CooldownParams{Country: country, City: city}, nil)
}

// ServersList returns the server catalog grouped by country.
func (c *Client) ServersList(ctx context.Context) (*ServersListResult, error) {
	return callFor[ServersListResult](ctx, c, "servers.list", nil)
}

// Quit asks the daemon to shut down.
func (c *Client) Quit(ctx context.Context) error {
	return c.Call(ctx, "app.quit", nil, nil)
}
