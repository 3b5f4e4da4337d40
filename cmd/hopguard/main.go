// hopguard is a multi-hop WireGuard VPN client daemon.
//
// It keeps a tunnel to a chosen server location up, retrying with backoff
// and falling back to other servers of the same city when a handshake fails.
// A local JSON-RPC interface drives the connection.
//
// Usage:
//
//	hopguard [flags]
//	hopguard rpc <method> [args]
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.hopguard/config.toml")
//	-name string
//	    Device name (overrides config)
//	-data-dir string
//	    Data directory (overrides config)
//	-exit string
//	    Exit location as country/city (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-i2p/hopguard/lib/core"
	apperrors "github.com/go-i2p/hopguard/lib/errors"
	"github.com/go-i2p/hopguard/lib/rpc"
	"github.com/go-i2p/hopguard/version"
)

// shutdownTimeout bounds how long the tunnel may take to come down on exit.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".hopguard", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	deviceName := flag.String("name", "", "Device name (overrides config)")
	dataDir := flag.String("data-dir", "", "Data directory (overrides config)")
	exit := flag.String("exit", "", "Exit location as country/city (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hopguard - Multi-hop WireGuard VPN client\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  hopguard [flags]            Start the daemon\n")
		fmt.Fprintf(os.Stderr, "  hopguard rpc <method>       Execute RPC method\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hopguard version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}

	// Apply command-line overrides
	if *deviceName != "" {
		cfg.Node.Name = *deviceName
	}
	if *dataDir != "" {
		cfg.Node.DataDir = *dataDir
	}
	if *exit != "" {
		country, city, ok := strings.Cut(*exit, "/")
		if !ok {
			logger.Error("invalid -exit, expected country/city", "value", *exit)
			return 1
		}
		cfg.Selection.ExitCountry = country
		cfg.Selection.ExitCity = city
	}

	args := flag.Args()
	if len(args) > 0 && args[0] == "rpc" {
		return handleRPC(args[1:], cfg)
	}

	daemon, err := core.NewDaemon(cfg, logger)
	if err != nil {
		logger.Error("failed to create daemon", "error", err)
		return 1
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := daemon.Start(context.Background()); err != nil {
		logger.Error("failed to start daemon", "error", err)
		return 1
	}

	logger.Info("hopguard started", "name", cfg.Node.Name, "version", version.Version)

	select {
	case sig := <-sigChan:
		logger.Info("received signal, shutting down", "signal", sig)
	case <-daemon.Done():
		if err := daemon.Err(); err != nil {
			logger.Error("daemon stopped", "error", err)
			return 1
		}
		logger.Info("hopguard stopped")
		return 0
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := daemon.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("hopguard stopped")
	return 0
}

// handleRPC handles the "rpc" subcommand.
func handleRPC(args []string, cfg *core.Config) int {
	if len(args) == 0 {
		printRPCUsage()
		return 1
	}

	method := args[0]
	methodArgs := args[1:]

	clientCfg := rpc.ClientConfig{
		UnixSocketPath: cfg.ResolvePath(cfg.RPC.Socket),
		AuthFile:       cfg.ResolvePath(cfg.RPC.AuthFile),
	}
	if clientCfg.UnixSocketPath == "" {
		clientCfg.TCPAddress = cfg.RPC.TCPAddress
	}

	client, err := rpc.NewClient(clientCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to RPC: %v\n", err)
		fmt.Fprintf(os.Stderr, "Is the hopguard daemon running?\n")
		return 1
	}
	defer client.Close()

	ctx := context.Background()

	switch method {
	case "status":
		return rpcStatus(ctx, client)
	case "activate":
		return rpcAction(client.Activate(ctx))
	case "deactivate":
		return rpcAction(client.Deactivate(ctx))
	case "switch":
		return rpcAction(client.SilentSwitch(ctx))
	case "change-server":
		return rpcChangeServer(ctx, client, methodArgs)
	case "stats":
		return rpcStats(ctx, client)
	case "logs":
		return rpcLogs(ctx, client, methodArgs)
	case "portal":
		return rpcPortal(ctx, client, methodArgs)
	case "cooldown":
		return rpcCooldown(ctx, client, methodArgs)
	case "servers":
		return rpcServers(ctx, client)
	case "quit":
		if err := client.Quit(ctx); err != nil {
			return printError(err)
		}
		fmt.Println("Quit requested")
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown method: %s\n\n", method)
		printRPCUsage()
		return 1
	}
}

func printRPCUsage() {
	fmt.Fprintln(os.Stderr, "Usage: hopguard rpc <method> [args...]")
	fmt.Fprintln(os.Stderr, "\nAvailable methods:")
	fmt.Fprintln(os.Stderr, "  status                          Show connection status")
	fmt.Fprintln(os.Stderr, "  activate                        Bring the tunnel up")
	fmt.Fprintln(os.Stderr, "  deactivate                      Bring the tunnel down")
	fmt.Fprintln(os.Stderr, "  switch                          Move to another server in the same city")
	fmt.Fprintln(os.Stderr, "  change-server CC CITY [CC CITY] Select exit (and entry) location")
	fmt.Fprintln(os.Stderr, "  stats                           Show traffic counters")
	fmt.Fprintln(os.Stderr, "  logs [-clear]                   Print or discard backend logs")
	fmt.Fprintln(os.Stderr, "  portal present|gone             Report captive portal state")
	fmt.Fprintln(os.Stderr, "  cooldown CC CITY                Skip a city's servers for a while")
	fmt.Fprintln(os.Stderr, "  servers                         List server locations")
	fmt.Fprintln(os.Stderr, "  quit                            Disconnect and stop the daemon")
}

func printError(err error) int {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	switch {
	case errors.Is(err, apperrors.ErrCaptivePortal):
		fmt.Fprintln(os.Stderr, "A captive portal is blocking activation; sign in and run: hopguard rpc portal gone")
	case errors.Is(err, apperrors.ErrNotFound):
		fmt.Fprintln(os.Stderr, "Run 'hopguard rpc servers' to list locations")
	}
	return 1
}

func rpcStatus(ctx context.Context, client *rpc.Client) int {
	result, err := client.Status(ctx)
	if err != nil {
		return printError(err)
	}

	fmt.Printf("State:        %s\n", result.State)
	fmt.Printf("Selection:    %s\n", formatSelection(result.Selection))
	if result.Connected != nil {
		fmt.Printf("Connected:    %s\n", formatSelection(*result.Connected))
	}
	if result.Uptime != "" {
		fmt.Printf("Uptime:       %s\n", result.Uptime)
	}
	if result.Retry > 0 {
		fmt.Printf("Retry:        %d\n", result.Retry)
	}
	if result.Pending != "" {
		fmt.Printf("Pending:      %s\n", result.Pending)
	}
	if result.CaptivePortal {
		fmt.Printf("Portal:       present\n")
	}
	for _, h := range result.Hops {
		role := "entry"
		if h.Exit {
			role = "exit"
		}
		fmt.Printf("Hop %d (%s):  %s %s via %s\n", h.Index, role, h.Server, h.Location, h.Endpoint)
	}
	fmt.Printf("Device ID:    %s\n", result.DeviceID)
	fmt.Printf("Version:      %s\n", result.Version)

	return 0
}

func formatSelection(s rpc.SelectionParams) string {
	if s.ExitCountry == "" {
		return "(none)"
	}
	out := s.ExitCountry + "/" + s.ExitCity
	if s.EntryCountry != "" {
		out = s.EntryCountry + "/" + s.EntryCity + " -> " + out
	}
	return out
}

func rpcAction(result *rpc.ActionResult, err error) int {
	if err != nil {
		return printError(err)
	}
	if !result.Accepted {
		fmt.Printf("Ignored in state %s\n", result.State)
		return 1
	}
	fmt.Printf("OK (state %s)\n", result.State)
	return 0
}

func rpcChangeServer(ctx context.Context, client *rpc.Client, args []string) int {
	if len(args) != 2 && len(args) != 4 {
		fmt.Fprintln(os.Stderr, "Usage: hopguard rpc change-server <country> <city> [<entry_country> <entry_city>]")
		return 1
	}
	sel := rpc.SelectionParams{ExitCountry: args[0], ExitCity: args[1]}
	if len(args) == 4 {
		sel.EntryCountry = args[2]
		sel.EntryCity = args[3]
	}
	return rpcAction(client.ChangeServer(ctx, sel))
}

func rpcStats(ctx context.Context, client *rpc.Client) int {
	result, err := client.Stats(ctx)
	if err != nil {
		return printError(err)
	}
	if result.DeviceAddress != "" {
		fmt.Printf("Address:      %s\n", result.DeviceAddress)
	}
	if result.Gateway != "" {
		fmt.Printf("Gateway:      %s\n", result.Gateway)
	}
	fmt.Printf("Sent:         %d bytes\n", result.TxBytes)
	fmt.Printf("Received:     %d bytes\n", result.RxBytes)
	return 0
}

func rpcLogs(ctx context.Context, client *rpc.Client, args []string) int {
	if len(args) > 0 && args[0] == "-clear" {
		if err := client.CleanupLogs(ctx); err != nil {
			return printError(err)
		}
		fmt.Println("Logs discarded")
		return 0
	}
	logs, err := client.Logs(ctx)
	if err != nil {
		return printError(err)
	}
	fmt.Println(logs)
	return 0
}

func rpcPortal(ctx context.Context, client *rpc.Client, args []string) int {
	if len(args) != 1 || (args[0] != "present" && args[0] != "gone") {
		fmt.Fprintln(os.Stderr, "Usage: hopguard rpc portal present|gone")
		return 1
	}
	if err := client.CaptivePortal(ctx, args[0] == "present"); err != nil {
		return printError(err)
	}
	fmt.Printf("Captive portal %s\n", args[0])
	return 0
}

func rpcCooldown(ctx context.Context, client *rpc.Client, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: hopguard rpc cooldown <country> <city>")
		return 1
	}
	if err := client.Cooldown(ctx, args[0], args[1]); err != nil {
		return printError(err)
	}
	fmt.Printf("Servers in %s/%s put in cooldown\n", args[0], args[1])
	return 0
}

func rpcServers(ctx context.Context, client *rpc.Client) int {
	result, err := client.ServersList(ctx)
	if err != nil {
		return printError(err)
	}

	if result.Total == 0 {
		fmt.Println("No servers")
		return 0
	}

	fmt.Printf("%-8s %-20s %-8s %-12s\n", "COUNTRY", "CITY", "SERVERS", "SCORE")
	fmt.Printf("%-8s %-20s %-8s %-12s\n", "-------", "----", "-------", "-----")
	for _, country := range result.Countries {
		for _, city := range country.Cities {
			fmt.Printf("%-8s %-20s %-8d %-12s\n", country.Code, city.Name, city.Servers, city.Score)
		}
	}
	fmt.Printf("\nTotal: %d servers\n", result.Total)

	return 0
}
