package localsigner

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"agentpay/mandate"
)

// Signer is an in-process implementation of the signing port. Key custody in
// production runs behind a remote MPC signer; this adapter serves dev runs
// and tests with the same contract.
type Signer struct {
	mu   sync.RWMutex
	keys map[string]keyEntry
}

type keyEntry struct {
	algorithm string
	ed25519   ed25519.PrivateKey
	secp256k1 []byte
}

// New constructs an empty key ring.
func New() *Signer {
	return &Signer{keys: make(map[string]keyEntry)}
}

// AddEd25519 registers an Ed25519 private key under keyID.
func (s *Signer) AddEd25519(keyID string, key ed25519.PrivateKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = keyEntry{algorithm: mandate.AlgorithmEd25519, ed25519: key}
}

// AddSecp256k1 registers a secp256k1 private key (32 bytes) under keyID.
func (s *Signer) AddSecp256k1(keyID string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[keyID] = keyEntry{algorithm: mandate.AlgorithmSecp256k1, secp256k1: append([]byte(nil), key...)}
}

// Sign produces a signature over payload with the key registered under keyID.
// Secp256k1 signatures cover the SHA-256 digest of the payload; Ed25519
// signs the payload directly.
func (s *Signer) Sign(_ context.Context, payload []byte, keyID string) ([]byte, error) {
	s.mu.RLock()
	entry, ok := s.keys[keyID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("localsigner: unknown key %q", keyID)
	}
	switch entry.algorithm {
	case mandate.AlgorithmEd25519:
		return ed25519.Sign(entry.ed25519, payload), nil
	case mandate.AlgorithmSecp256k1:
		priv, err := ethcrypto.ToECDSA(entry.secp256k1)
		if err != nil {
			return nil, fmt.Errorf("localsigner: load key %q: %w", keyID, err)
		}
		digest := sha256.Sum256(payload)
		sig, err := ethcrypto.Sign(digest[:], priv)
		if err != nil {
			return nil, fmt.Errorf("localsigner: sign with %q: %w", keyID, err)
		}
		return sig, nil
	default:
		return nil, fmt.Errorf("localsigner: key %q has unsupported algorithm %q", keyID, entry.algorithm)
	}
}

// Verify checks a signature against the supplied public key. The algorithm
// choice is explicit; nothing is inferred from key length.
func (s *Signer) Verify(_ context.Context, payload, signature, publicKey []byte, algorithm string) (bool, error) {
	switch algorithm {
	case mandate.AlgorithmEd25519:
		if len(publicKey) != ed25519.PublicKeySize {
			return false, fmt.Errorf("localsigner: ed25519 public key must be %d bytes", ed25519.PublicKeySize)
		}
		return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature), nil
	case mandate.AlgorithmSecp256k1:
		digest := sha256.Sum256(payload)
		sig := signature
		if len(sig) == 65 {
			// Drop the recovery id appended by signing.
			sig = sig[:64]
		}
		if len(sig) != 64 {
			return false, fmt.Errorf("localsigner: secp256k1 signature must be 64 or 65 bytes")
		}
		return ethcrypto.VerifySignature(publicKey, digest[:], sig), nil
	default:
		return false, fmt.Errorf("localsigner: unsupported algorithm %q", algorithm)
	}
}
