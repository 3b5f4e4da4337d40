package core

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HOPGUARD_"

// applyEnvOverrides overlays HOPGUARD_* environment variables on cfg.
// Values that fail to parse are ignored and the previous value is kept.
func applyEnvOverrides(cfg *Config) {
	envString("NODE_NAME", &cfg.Node.Name)
	envString("DATA_DIR", &cfg.Node.DataDir)

	envList("ADDRESSES", &cfg.Backend.Addresses)
	envList("DNS", &cfg.Backend.DNS)
	envInt("MTU", &cfg.Backend.MTU)

	envBool("ENABLE_IPV6", &cfg.Routing.EnableIPv6)
	envBool("LOCAL_NETWORK_ACCESS", &cfg.Routing.LocalNetworkAccess)

	envString("EXIT_COUNTRY", &cfg.Selection.ExitCountry)
	envString("EXIT_CITY", &cfg.Selection.ExitCity)
	envString("ENTRY_COUNTRY", &cfg.Selection.EntryCountry)
	envString("ENTRY_CITY", &cfg.Selection.EntryCity)

	envString("SERVERS_FILE", &cfg.Servers.File)
	envBool("SERVERS_WATCH", &cfg.Servers.Watch)

	envDuration("CONNECTING_TIMEOUT", &cfg.Timers.Connecting)
	envDuration("HANDSHAKE_TIMEOUT", &cfg.Timers.Handshake)
	envInt("MAX_RETRIES", &cfg.Retry.MaxRetries)

	envString("PROBE_METHOD", &cfg.Probe.Method)

	envBool("RPC_ENABLED", &cfg.RPC.Enabled)
	envString("RPC_SOCKET", &cfg.RPC.Socket)
	envString("RPC_TCP_ADDRESS", &cfg.RPC.TCPAddress)
	envFloat("RPC_RATE_LIMIT", &cfg.RPC.RateLimit)
	envInt("RPC_RATE_BURST", &cfg.RPC.RateBurst)

	envBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	envString("METRICS_LISTEN", &cfg.Metrics.Listen)
}

func envString(key string, dst *string) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok && v != "" {
		*dst = v
	}
}

func envList(key string, dst *[]string) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func envBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v, ok := os.LookupEnv(EnvPrefix + key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// envDuration accepts Go durations ("20s") or whole seconds ("20").
func envDuration(key string, dst *Duration) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = Duration(time.Duration(n) * time.Second)
	}
}
