package protocol

import (
	"crypto/ed25519"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// AuthHash returns the content hash of a voucher: SHA-512 over the
// canonical serialization. The signature covers this hash, not the raw
// bytes.
func AuthHash(auth *PaymentAuthorization) [sha512.Size]byte {
	return sha512.Sum512(CanonicalAuth(auth))
}

// Sign produces a detached Ed25519 signature over the voucher hash.
// Returns the hex signature and hex public key carried in the payment
// payload.
func Sign(auth *PaymentAuthorization, priv ed25519.PrivateKey) (signature, publicKey string, err error) {
	if l := len(priv); l != ed25519.PrivateKeySize {
		return "", "", fmt.Errorf("signing key unavailable: have %d bytes, want %d", l, ed25519.PrivateKeySize)
	}
	h := AuthHash(auth)
	sig := ed25519.Sign(priv, h[:])
	pub := priv.Public().(ed25519.PublicKey)
	return hex.EncodeToString(sig), hex.EncodeToString(pub), nil
}

// VerifySignature checks a hex signature against a hex public key.
// The server does not call this on the request path (settlement-time
// verification on the ledger is authoritative); it exists for tooling and
// for operators who opt into synchronous verification.
func VerifySignature(auth *PaymentAuthorization, signature, publicKey string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	pub, err := hex.DecodeString(publicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	h := AuthHash(auth)
	return ed25519.Verify(ed25519.PublicKey(pub), h[:], sig)
}

// ParseSigningKey parses a hex-encoded 32-byte Ed25519 seed into a private
// key.
func ParseSigningKey(seedHex string) (ed25519.PrivateKey, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("parse signing key: have %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
