// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package keystore

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mr-tron/base58"

	"github.com/switchboard-xyz/function-manager/workload"
)

// Scheme selects the signature scheme of the chain being served.
type Scheme string

const (
	SchemeEd25519   Scheme = "ed25519"
	SchemeSecp256k1 Scheme = "secp256k1"
)

// Signer is a key that can sign chain transactions and result digests.
type Signer interface {
	PublicKey() []byte
	Address() workload.Address
	Sign(data []byte) ([]byte, error)
}

// Ed25519Signer signs with an ed25519 key. Addresses are base58 encoded
// public keys.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf(
			"%w: ed25519 seed must be %d bytes, got %d",
			ErrMalformedKey,
			ed25519.SeedSize,
			len(seed),
		)
	}
	return &Ed25519Signer{key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Ed25519Signer) PublicKey() []byte {
	return s.key.Public().(ed25519.PublicKey)
}

func (s *Ed25519Signer) Address() workload.Address {
	return workload.Address(base58.Encode(s.PublicKey()))
}

func (s *Ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

func (s *Ed25519Signer) Seed() []byte {
	return s.key.Seed()
}

// Secp256k1Signer signs 32-byte digests with a secp256k1 key. Signatures
// are 65 bytes in [R || S || V] form. Addresses are EIP-55 hex.
type Secp256k1Signer struct {
	key *ecdsa.PrivateKey
}

func NewSecp256k1Signer(seed []byte) (*Secp256k1Signer, error) {
	key, err := crypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
	}
	return &Secp256k1Signer{key: key}, nil
}

// PublicKey returns the compressed public key.
func (s *Secp256k1Signer) PublicKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

func (s *Secp256k1Signer) Address() workload.Address {
	return workload.Address(crypto.PubkeyToAddress(s.key.PublicKey).Hex())
}

func (s *Secp256k1Signer) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func (s *Secp256k1Signer) Seed() []byte {
	return crypto.FromECDSA(s.key)
}

// NewSigner builds a signer of the given scheme from seed bytes. An ed25519
// signer uses the first 32 bytes.
func NewSigner(scheme Scheme, seed []byte) (Signer, error) {
	switch scheme {
	case SchemeEd25519, "":
		if len(seed) > ed25519.SeedSize {
			seed = seed[:ed25519.SeedSize]
		}
		return NewEd25519Signer(seed)
	case SchemeSecp256k1:
		if len(seed) > 32 {
			seed = seed[:32]
		}
		return NewSecp256k1Signer(seed)
	default:
		return nil, fmt.Errorf("unknown signature scheme: %s", scheme)
	}
}

// SignerFromSecret parses a payer secret. Ed25519 secrets may be a JSON
// byte array (Solana keypair file), base58, or hex; secp256k1 secrets are
// hex private keys.
func SignerFromSecret(scheme Scheme, secret string) (Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty secret", ErrMalformedKey)
	}
	var raw []byte
	switch {
	case strings.HasPrefix(secret, "["):
		var ints []byte
		var tmp []int
		if err := json.Unmarshal([]byte(secret), &tmp); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
		}
		for _, v := range tmp {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte value %d out of range", ErrMalformedKey, v)
			}
			ints = append(ints, byte(v))
		}
		raw = ints
	case isHex(secret):
		decoded, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
		}
		raw = decoded
	default:
		decoded, err := base58.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedKey, err)
		}
		raw = decoded
	}
	if len(raw) != 32 && len(raw) != 64 {
		return nil, fmt.Errorf("%w: unexpected secret length %d", ErrMalformedKey, len(raw))
	}
	return NewSigner(scheme, raw)
}

// DeriveSigner deterministically derives the i-th signer of a pool from a
// parent key.
func DeriveSigner(parent Signer, idx int) (Signer, error) {
	var scheme Scheme
	var seed []byte
	switch p := parent.(type) {
	case *Ed25519Signer:
		scheme, seed = SchemeEd25519, p.Seed()
	case *Secp256k1Signer:
		scheme, seed = SchemeSecp256k1, p.Seed()
	default:
		return nil, fmt.Errorf("cannot derive from signer type %T", parent)
	}
	h := sha256.New()
	h.Write(seed)
	h.Write([]byte("signer-pool"))
	_ = binary.Write(h, binary.BigEndian, uint32(idx)) // #nosec G115
	return NewSigner(scheme, h.Sum(nil))
}

func isHex(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 && len(s) != 128 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
