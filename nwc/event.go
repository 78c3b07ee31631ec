package nwc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// Event kinds used by the wallet-control protocol.
const (
	kindInfo           = 13194 // wallet capability announcement
	kindRequest        = 23194 // client -> wallet
	kindResponse       = 23195 // wallet -> client
	kindNotification   = 23196 // wallet -> client, NIP-04 content
	kindNotificationV2 = 23197 // wallet -> client, NIP-44 content
)

// Event is a signed relay event (NIP-01).
type Event struct {
	ID        string     `json:"id"`
	Pubkey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// computeEventID returns the sha256 of the canonical serialization
// [0, pubkey, created_at, kind, tags, content].
func computeEventID(ev *Event) string {
	serialized := fmt.Sprintf(`[0,"%s",%d,%d,%s,%s]`,
		ev.Pubkey,
		ev.CreatedAt,
		ev.Kind,
		mustJSON(ev.Tags),
		mustJSON(ev.Content),
	)
	hash := sha256.Sum256([]byte(serialized))
	return hex.EncodeToString(hash[:])
}

// sign computes the event id and schnorr signature in place.
func (k *keyMaterial) sign(ev *Event) error {
	ev.Pubkey = k.pubkey
	ev.ID = computeEventID(ev)

	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(k.privKey, idBytes)
	if err != nil {
		return err
	}
	ev.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// verifyEvent checks the event id and BIP-340 signature against the
// claimed author.
func verifyEvent(ev *Event) error {
	if computeEventID(ev) != ev.ID {
		return &ProtocolError{Reason: "event id mismatch"}
	}

	pub, err := parseXOnlyPubkey(ev.Pubkey)
	if err != nil {
		return &ProtocolError{Reason: "invalid author pubkey", Err: err}
	}
	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return &ProtocolError{Reason: "invalid signature hex", Err: err}
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return &ProtocolError{Reason: "invalid signature", Err: err}
	}
	idBytes, err := hex.DecodeString(ev.ID)
	if err != nil {
		return &ProtocolError{Reason: "invalid event id hex", Err: err}
	}
	if !sig.Verify(idBytes, pub) {
		return &ProtocolError{Reason: "signature verification failed"}
	}
	return nil
}

// tagValue returns the first value of the named tag, or "".
func (ev *Event) tagValue(name string) string {
	for _, tag := range ev.Tags {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// shortID returns an 8-byte hex prefix for logging. Full ids are noisy and
// secrets never reach logs at all.
func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}
	return id
}

// randomID returns n random bytes as hex, for subscription identifiers.
func randomID(n int) string {
	b := make([]byte, n)
	rand.Read(b)
	return hex.EncodeToString(b)
}
