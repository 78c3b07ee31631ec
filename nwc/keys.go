package nwc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"math"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

// EncryptionScheme selects how request payloads are encrypted.
type EncryptionScheme string

const (
	// EncryptionNIP04 is AES-256-CBC over an ECDH shared point. Deprecated
	// by the protocol but still what most deployed wallets speak, so it is
	// the default.
	EncryptionNIP04 EncryptionScheme = "nip04"
	// EncryptionNIP44 is the versioned ChaCha20 + HMAC-SHA256 scheme.
	EncryptionNIP44 EncryptionScheme = "nip44"
)

const (
	nip44Version     = 2
	nip44Salt        = "nip44-v2"
	minPlaintextSize = 1
	maxPlaintextSize = 65535
)

// keyMaterial is the derived client keypair plus the per-peer symmetric
// keys. It is owned exclusively by one backend instance and is never
// serialized or logged.
type keyMaterial struct {
	privKey *btcec.PrivateKey
	pubkey  string // x-only, hex

	conversationKey []byte // NIP-44
	sharedSecret    []byte // NIP-04
	scheme          EncryptionScheme
}

// deriveKeys builds key material from the 32-byte client secret and the
// wallet's x-only pubkey. Derivation is deterministic: the same secret
// always yields the same keypair.
func deriveKeys(secret []byte, walletPubkey string, scheme EncryptionScheme) (*keyMaterial, error) {
	if len(secret) != 32 {
		return nil, invalidURIf("secret must be 32 bytes")
	}
	priv, pub := btcec.PrivKeyFromBytes(secret)
	if priv == nil {
		return nil, invalidURIf("secret is not a valid key")
	}

	peer, err := parseXOnlyPubkey(walletPubkey)
	if err != nil {
		return nil, err
	}

	convKey, err := conversationKey(priv, peer)
	if err != nil {
		return nil, err
	}

	if scheme == "" {
		scheme = EncryptionNIP04
	}

	return &keyMaterial{
		privKey:         priv,
		pubkey:          hex.EncodeToString(pub.SerializeCompressed()[1:]),
		conversationKey: convKey,
		sharedSecret:    nip04SharedSecret(priv, peer),
		scheme:          scheme,
	}, nil
}

// parseXOnlyPubkey lifts a 32-byte x-only key to a curve point, trying the
// even y-coordinate first per BIP-340.
func parseXOnlyPubkey(pubkeyHex string) (*btcec.PublicKey, error) {
	raw, err := hex.DecodeString(pubkeyHex)
	if err != nil || len(raw) != 32 {
		return nil, invalidURIf("pubkey must be 32 bytes of hex")
	}
	prefixed := append([]byte{0x02}, raw...)
	pub, err := btcec.ParsePubKey(prefixed)
	if err != nil {
		prefixed[0] = 0x03
		pub, err = btcec.ParsePubKey(prefixed)
		if err != nil {
			return nil, invalidURIf("pubkey is not on the curve")
		}
	}
	return pub, nil
}

// conversationKey is the NIP-44 shared key: HKDF-extract over the raw ECDH
// x-coordinate with the protocol salt.
func conversationKey(priv *btcec.PrivateKey, peer *btcec.PublicKey) ([]byte, error) {
	sharedX, _ := peer.ToECDSA().Curve.ScalarMult(peer.X(), peer.Y(), priv.Serialize())

	buf := make([]byte, 32)
	raw := sharedX.Bytes()
	copy(buf[32-len(raw):], raw)

	return hkdf.Extract(sha256.New, buf, []byte(nip44Salt)), nil
}

// nip04SharedSecret is the plain ECDH x-coordinate, left-padded to 32
// bytes. Leading zero bytes matter: x.Bytes() drops them.
func nip04SharedSecret(priv *btcec.PrivateKey, peer *btcec.PublicKey) []byte {
	shared := btcec.GenerateSharedSecret(priv, peer)
	if len(shared) < 32 {
		padded := make([]byte, 32)
		copy(padded[32-len(shared):], shared)
		return padded
	}
	return shared
}

// encrypt seals a plaintext for the wallet using the configured scheme.
// A fresh random nonce/IV is drawn on every call.
func (k *keyMaterial) encrypt(plaintext string) (string, error) {
	if k.scheme == EncryptionNIP44 {
		nonce := make([]byte, 32)
		if _, err := rand.Read(nonce); err != nil {
			return "", err
		}
		return nip44Encrypt(plaintext, k.conversationKey, nonce)
	}
	return nip04Encrypt(plaintext, k.sharedSecret)
}

// decrypt opens a payload from the wallet. The scheme is detected from the
// envelope shape: NIP-04 carries a "?iv=" marker, NIP-44 does not.
// Truncated or tampered envelopes return ErrDecryptionFailed.
func (k *keyMaterial) decrypt(payload string) (string, error) {
	if strings.Contains(payload, "?iv=") {
		return nip04Decrypt(payload, k.sharedSecret)
	}
	return nip44Decrypt(payload, k.conversationKey)
}

// --- NIP-44 v2 ---

func messageKeys(conversationKey, nonce []byte) (chachaKey, chachaNonce, hmacKey []byte, err error) {
	if len(conversationKey) != 32 {
		return nil, nil, nil, &ProtocolError{Reason: "invalid conversation key length"}
	}
	if len(nonce) != 32 {
		return nil, nil, nil, &ProtocolError{Reason: "invalid nonce length"}
	}
	reader := hkdf.Expand(sha256.New, conversationKey, nonce)
	keys := make([]byte, 76)
	if _, err := reader.Read(keys); err != nil {
		return nil, nil, nil, err
	}
	return keys[0:32], keys[32:44], keys[44:76], nil
}

func calcPaddedLen(unpaddedLen int) int {
	if unpaddedLen <= 32 {
		return 32
	}
	nextPower := 1 << int(math.Floor(math.Log2(float64(unpaddedLen-1)))+1)
	chunk := 32
	if nextPower > 256 {
		chunk = nextPower / 8
	}
	return chunk * (int(math.Floor(float64(unpaddedLen-1)/float64(chunk))) + 1)
}

func pad(plaintext []byte) ([]byte, error) {
	n := len(plaintext)
	if n < minPlaintextSize || n > maxPlaintextSize {
		return nil, &ProtocolError{Reason: "invalid plaintext length"}
	}
	result := make([]byte, 2+calcPaddedLen(n))
	binary.BigEndian.PutUint16(result[0:2], uint16(n))
	copy(result[2:], plaintext)
	return result, nil
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) < 2 {
		return nil, errDecrypt("padded data too short")
	}
	n := int(binary.BigEndian.Uint16(padded[0:2]))
	if n == 0 || n > len(padded)-2 {
		return nil, errDecrypt("invalid padding")
	}
	if len(padded) != 2+calcPaddedLen(n) {
		return nil, errDecrypt("invalid padded length")
	}
	return padded[2 : 2+n], nil
}

func hmacAAD(key, message, aad []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(aad)
	h.Write(message)
	return h.Sum(nil)
}

func nip44Encrypt(plaintext string, conversationKey, nonce []byte) (string, error) {
	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	padded, err := pad([]byte(plaintext))
	if err != nil {
		return "", err
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	stream.XORKeyStream(ciphertext, padded)

	mac := hmacAAD(hmacKey, ciphertext, nonce)

	// version || nonce || ciphertext || mac
	result := make([]byte, 1+32+len(ciphertext)+32)
	result[0] = nip44Version
	copy(result[1:33], nonce)
	copy(result[33:33+len(ciphertext)], ciphertext)
	copy(result[33+len(ciphertext):], mac)

	return base64.StdEncoding.EncodeToString(result), nil
}

func nip44Decrypt(payload string, conversationKey []byte) (string, error) {
	if len(payload) > 0 && payload[0] == '#' {
		return "", errDecrypt("unsupported encryption version")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", errDecrypt("invalid base64")
	}
	if len(data) < 99 || len(data) > 65603 {
		return "", errDecrypt("invalid payload size")
	}
	if data[0] != nip44Version {
		return "", errDecrypt("unknown version")
	}

	nonce := data[1:33]
	ciphertext := data[33 : len(data)-32]
	mac := data[len(data)-32:]

	chachaKey, chachaNonce, hmacKey, err := messageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}

	if !hmac.Equal(hmacAAD(hmacKey, ciphertext, nonce), mac) {
		return "", errDecrypt("invalid MAC")
	}

	stream, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, len(ciphertext))
	stream.XORKeyStream(padded, ciphertext)

	plaintext, err := unpad(padded)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// --- NIP-04 ---

func nip04Encrypt(plaintext string, sharedSecret []byte) (string, error) {
	if len(sharedSecret) != 32 {
		return "", &ProtocolError{Reason: "shared secret must be 32 bytes"}
	}

	iv := make([]byte, 16)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}

	// PKCS7 padding
	raw := []byte(plaintext)
	padding := aes.BlockSize - (len(raw) % aes.BlockSize)
	padded := make([]byte, len(raw)+padding)
	copy(padded, raw)
	for i := len(raw); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return base64.StdEncoding.EncodeToString(ciphertext) + "?iv=" + base64.StdEncoding.EncodeToString(iv), nil
}

func nip04Decrypt(payload string, sharedSecret []byte) (string, error) {
	parts := strings.Split(payload, "?iv=")
	if len(parts) != 2 {
		return "", errDecrypt("invalid payload format")
	}

	ciphertext, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errDecrypt("invalid ciphertext base64")
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errDecrypt("invalid IV base64")
	}
	if len(iv) != 16 {
		return "", errDecrypt("invalid IV length")
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", errDecrypt("ciphertext is not a multiple of block size")
	}

	block, err := aes.NewCipher(sharedSecret)
	if err != nil {
		return "", err
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > aes.BlockSize || padding > len(plaintext) {
		return "", errDecrypt("invalid padding")
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return "", errDecrypt("invalid padding bytes")
		}
	}
	return string(plaintext[:len(plaintext)-padding]), nil
}

func errDecrypt(reason string) error {
	return &ProtocolError{Reason: reason, Err: ErrDecryptionFailed}
}
