// NWC Connection Probe
// Verifies a nostr+walletconnect:// connection string end to end: parses
// it, connects to its relays, checks wallet capabilities and prints wallet
// info and balance. Useful before handing the URI to a mint config.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/gudnuf/cdk/lightning"
	"github.com/gudnuf/cdk/nwc"
)

var (
	uriFlag     string
	timeoutFlag time.Duration
	showQR      bool
	jsonOut     bool
	parseOnly   bool
)

func init() {
	flag.StringVar(&uriFlag, "uri", "", "connection string (defaults to $NWC_URI)")
	flag.DurationVar(&timeoutFlag, "timeout", 30*time.Second, "overall probe deadline")
	flag.BoolVar(&showQR, "qr", false, "render the connection string as a terminal QR code")
	flag.BoolVar(&jsonOut, "json", false, "emit the probe result as JSON")
	flag.BoolVar(&parseOnly, "parse-only", false, "validate the URI without connecting")
}

type probeResult struct {
	WalletPubkey string   `json:"wallet_pubkey"`
	Relays       []string `json:"relays"`
	Lud16        string   `json:"lud16,omitempty"`

	Alias         string   `json:"alias,omitempty"`
	Network       string   `json:"network,omitempty"`
	BlockHeight   uint64   `json:"block_height,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Notifications []string `json:"notifications,omitempty"`
	BalanceMsat   uint64   `json:"balance_msat"`

	ConnectedRelays int `json:"connected_relays"`
	TotalRelays     int `json:"total_relays"`
}

func main() {
	flag.Parse()

	uri := uriFlag
	if uri == "" {
		uri = os.Getenv("NWC_URI")
	}
	if uri == "" {
		fmt.Fprintln(os.Stderr, "usage: nwc-probe -uri nostr+walletconnect://... (or set NWC_URI)")
		os.Exit(2)
	}

	conn, err := nwc.ParseURI(uri)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid connection string: %v\n", err)
		os.Exit(2)
	}

	if showQR {
		qr, err := qrcode.New(uri, qrcode.Medium)
		if err != nil {
			fmt.Fprintf(os.Stderr, "qr encoding failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(qr.ToSmallString(false))
	}

	result := probeResult{
		WalletPubkey: conn.WalletPubkey,
		Relays:       conn.Relays,
		Lud16:        conn.Lud16,
	}

	if parseOnly {
		emit(&result)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()

	backend, err := nwc.New(ctx, uri, nwc.Config{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "connection failed: %v\n", err)
		os.Exit(1)
	}
	defer backend.Close()

	info, err := backend.GetInfo(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get_info failed: %v\n", err)
		os.Exit(1)
	}
	balance, err := backend.GetBalance(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get_balance failed: %v\n", err)
		os.Exit(1)
	}

	health := backend.Health()
	result.Alias = info.Alias
	result.Network = info.Network
	result.BlockHeight = info.BlockHeight
	result.Methods = info.Methods
	result.Notifications = info.Notifications
	result.BalanceMsat = balance
	result.ConnectedRelays = health.ConnectedRelays
	result.TotalRelays = health.TotalRelays

	emit(&result)
	if health.State != lightning.HealthOK {
		os.Exit(1)
	}
}

func emit(r *probeResult) {
	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(r)
		return
	}

	fmt.Printf("Wallet:   %s\n", r.WalletPubkey)
	for _, relay := range r.Relays {
		fmt.Printf("Relay:    %s\n", relay)
	}
	if r.Lud16 != "" {
		fmt.Printf("Address:  %s\n", r.Lud16)
	}
	if r.Alias != "" {
		fmt.Printf("Alias:    %s\n", r.Alias)
	}
	if r.Network != "" {
		fmt.Printf("Network:  %s (height %d)\n", r.Network, r.BlockHeight)
	}
	if len(r.Methods) > 0 {
		fmt.Printf("Methods:  %v\n", r.Methods)
		fmt.Printf("Notifies: %v\n", r.Notifications)
		fmt.Printf("Balance:  %d msat\n", r.BalanceMsat)
		fmt.Printf("Relays:   %d/%d connected\n", r.ConnectedRelays, r.TotalRelays)
	}
}
