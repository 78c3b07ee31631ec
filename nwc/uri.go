package nwc

import (
	"encoding/hex"
	"net/url"
	"strings"
)

const uriScheme = "nostr+walletconnect"

// ConnectionConfig holds the parameters extracted from a
// nostr+walletconnect:// connection string. Immutable after ParseURI.
type ConnectionConfig struct {
	// WalletPubkey is the wallet service's x-only public key, lowercase hex.
	WalletPubkey string
	// Relays are the websocket endpoints requests are published to,
	// deduplicated, in the order they appeared.
	Relays []string
	// Lud16 is an optional lightning address carried in the URI.
	Lud16 string

	secret []byte // 32-byte client secret key, never exposed
}

// ParseURI parses a connection string of the form
//
//	nostr+walletconnect://<wallet-pubkey>?relay=<wss://...>&secret=<hex>
//
// The relay parameter may repeat. Both the :// and the bare : scheme
// separator are accepted.
func ParseURI(uri string) (*ConnectionConfig, error) {
	rest, ok := strings.CutPrefix(uri, uriScheme+"://")
	if !ok {
		// Some wallets emit the URI without slashes after the scheme.
		rest, ok = strings.CutPrefix(uri, uriScheme+":")
		if !ok {
			return nil, invalidURIf("scheme must be %s://", uriScheme)
		}
	}

	// url.Parse rejects the + in the scheme, so parse with a stand-in.
	u, err := url.Parse("https://" + rest)
	if err != nil {
		return nil, invalidURIf("unparseable: %v", err)
	}

	pubkey := strings.ToLower(u.Host)
	if len(pubkey) != 64 {
		return nil, invalidURIf("wallet pubkey must be 64 hex characters")
	}
	if _, err := hex.DecodeString(pubkey); err != nil {
		return nil, invalidURIf("wallet pubkey is not valid hex")
	}

	q := u.Query()

	var relays []string
	seen := make(map[string]bool)
	for _, r := range q["relay"] {
		if r == "" || seen[r] {
			continue
		}
		ru, err := url.Parse(r)
		if err != nil {
			return nil, invalidURIf("relay %q is not a valid URL", r)
		}
		if ru.Scheme != "ws" && ru.Scheme != "wss" {
			return nil, invalidURIf("relay %q must use ws:// or wss://", r)
		}
		if ru.Host == "" {
			return nil, invalidURIf("relay %q has no host", r)
		}
		seen[r] = true
		relays = append(relays, r)
	}
	if len(relays) == 0 {
		return nil, invalidURIf("at least one relay parameter is required")
	}

	secretHex := q.Get("secret")
	if secretHex == "" {
		return nil, invalidURIf("secret parameter is required")
	}
	if len(secretHex) != 64 {
		return nil, invalidURIf("secret must be 64 hex characters")
	}
	secret, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, invalidURIf("secret is not valid hex")
	}

	return &ConnectionConfig{
		WalletPubkey: pubkey,
		Relays:       relays,
		Lud16:        q.Get("lud16"),
		secret:       secret,
	}, nil
}

// String re-serializes the connection string. Round-tripping through
// ParseURI preserves the wallet pubkey, relay set and secret.
func (c *ConnectionConfig) String() string {
	q := url.Values{}
	for _, r := range c.Relays {
		q.Add("relay", r)
	}
	q.Set("secret", hex.EncodeToString(c.secret))
	if c.Lud16 != "" {
		q.Set("lud16", c.Lud16)
	}
	return uriScheme + "://" + c.WalletPubkey + "?" + q.Encode()
}
