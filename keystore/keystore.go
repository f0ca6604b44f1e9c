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

// Package keystore manages the enclave signing key. The key lives in a
// sealed file that can only be decrypted inside the enclave, and is bound
// to the enclave through the report data of its attestation quote.
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/switchboard-xyz/function-manager/sgx"
)

const DefaultSealedKeyPath = "/data/protected_files/keypair.bin"

// Common errors returned by KeyStore operations.
var (
	ErrKeyNotLoaded     = errors.New("enclave key not loaded")
	ErrMalformedKey     = errors.New("malformed key")
	ErrMalformedKeyFile = errors.New("malformed key file")
	ErrInsecureFileMode = errors.New("insecure file permissions")
	ErrQuoteBinding     = errors.New("quote report data does not bind the enclave signer")
)

// KeyStoreConfig holds configuration for the KeyStore.
type KeyStoreConfig struct {
	// Path is the sealed key file. Default: /data/protected_files/keypair.bin
	Path string
	// Scheme selects the enclave signer key type
	Scheme Scheme
	// Entropy seeds new keys. Default: crypto/rand, which inside an SGX
	// enclave draws from RDRAND
	Entropy io.Reader
	Logger  *slog.Logger
}

// KeyStore holds the enclave signer.
type KeyStore struct {
	config KeyStoreConfig
	logger *slog.Logger

	mu     sync.RWMutex
	signer Signer
}

func NewKeyStore(config KeyStoreConfig) *KeyStore {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Path == "" {
		config.Path = DefaultSealedKeyPath
	}
	if config.Entropy == nil {
		config.Entropy = rand.Reader
	}
	if config.Scheme == "" {
		config.Scheme = SchemeEd25519
	}
	return &KeyStore{
		config: config,
		logger: config.Logger.With("component", "keystore"),
	}
}

// LoadOrCreate loads the sealed key, generating and persisting a new one
// when the file is absent or malformed. A file with insecure permissions is
// an error and is left untouched.
func (ks *KeyStore) LoadOrCreate() (Signer, error) {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	data, err := readSealedFile(ks.config.Path)
	switch {
	case err == nil:
		signer, err := ks.signerFromSealed(data)
		if err == nil {
			ks.signer = signer
			ks.logger.Info(
				"loaded enclave signer",
				"address", signer.Address(),
				"path", ks.config.Path,
			)
			return signer, nil
		}
		ks.logger.Warn(
			"sealed key invalid, regenerating",
			"path", ks.config.Path,
			"error", err,
		)
	case errors.Is(err, fs.ErrNotExist):
		ks.logger.Info("no sealed key found, generating", "path", ks.config.Path)
	case errors.Is(err, ErrMalformedKeyFile):
		ks.logger.Warn("sealed key malformed, regenerating", "error", err)
	default:
		return nil, err
	}

	seed := make([]byte, ed25519.SeedSize)
	signer, err := ks.generate(seed)
	if err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	if err := writeSealedFile(ks.config.Path, priv); err != nil {
		return nil, err
	}
	ks.signer = signer
	ks.logger.Info(
		"generated enclave signer",
		"address", signer.Address(),
		"path", ks.config.Path,
	)
	return signer, nil
}

// generate fills seed with entropy until it yields a valid key for the
// configured scheme.
func (ks *KeyStore) generate(seed []byte) (Signer, error) {
	for range 8 {
		if _, err := io.ReadFull(ks.config.Entropy, seed); err != nil {
			return nil, fmt.Errorf("failed to read entropy: %w", err)
		}
		signer, err := NewSigner(ks.config.Scheme, seed)
		if err == nil {
			return signer, nil
		}
	}
	return nil, errors.New("failed to generate a valid key")
}

func (ks *KeyStore) signerFromSealed(data []byte) (Signer, error) {
	seed := data[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(seed)
	if !bytes.Equal(priv[ed25519.SeedSize:], data[ed25519.SeedSize:]) {
		return nil, fmt.Errorf("%w: public key does not match seed", ErrMalformedKeyFile)
	}
	return NewSigner(ks.config.Scheme, seed)
}

// Signer returns the loaded enclave signer.
func (ks *KeyStore) Signer() (Signer, error) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	if ks.signer == nil {
		return nil, ErrKeyNotLoaded
	}
	return ks.signer, nil
}

// ReportData returns SHA-256(pubkey) followed by 32 zero bytes.
func ReportData(pubkey []byte) [sgx.ReportDataSize]byte {
	var ret [sgx.ReportDataSize]byte
	digest := sha256.Sum256(pubkey)
	copy(ret[:32], digest[:])
	return ret
}

// Quote generates the attestation quote binding the enclave signer and
// verifies it locally before returning it.
func (ks *KeyStore) Quote(
	provider sgx.Provider,
	verifier sgx.Verifier,
	now time.Time,
) ([]byte, *sgx.Quote, error) {
	signer, err := ks.Signer()
	if err != nil {
		return nil, nil, err
	}
	reportData := ReportData(signer.PublicKey())
	raw, err := provider.GenerateQuote(reportData)
	if err != nil {
		return nil, nil, fmt.Errorf("generate quote: %w", err)
	}
	quote, err := verifier.Verify(raw, now)
	if err != nil {
		return nil, nil, fmt.Errorf("verify own quote: %w", err)
	}
	if quote.ReportData() != reportData {
		return nil, nil, ErrQuoteBinding
	}
	ks.logger.Info(
		"generated enclave quote",
		"mr_enclave", quote.MrEnclave().String(),
		"size", len(raw),
	)
	return raw, quote, nil
}
