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

// Package result defines the FunctionResult emitted by function containers
// and consumed by the quote verification node.
package result

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

const CurrentVersion uint32 = 1

var (
	ErrEmptyOutput        = errors.New("empty container output")
	ErrUnsupportedSigner  = errors.New("unsupported signer key length")
	ErrSignatureMismatch  = errors.New("signature does not match signer")
	ErrMissingSignature   = errors.New("result is not signed")
	ErrMalformedSignature = errors.New("malformed signature")
)

// HexBytes is a byte slice that encodes to JSON as a hex string.
type HexBytes []byte

func (h HexBytes) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(h)), nil
}

func (h *HexBytes) UnmarshalText(data []byte) error {
	s := strings.TrimPrefix(string(data), "0x")
	if s == "" {
		*h = nil
		return nil
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	*h = raw
	return nil
}

// AccountMeta describes an account referenced by a Solana instruction.
type AccountMeta struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"is_signer,omitempty"`
	IsWritable bool   `json:"is_writable,omitempty"`
}

// Tx is one transaction requested by the function.
type Tx struct {
	To       string        `json:"to"`
	From     string        `json:"from,omitempty"`
	Data     HexBytes      `json:"data,omitempty"`
	Value    uint64        `json:"value,omitempty"`
	GasLimit uint64        `json:"gas_limit,omitempty"`
	Accounts []AccountMeta `json:"accounts,omitempty"`
}

// ChainResult is the chain-specific transaction set of a result.
type ChainResult struct {
	Chain      string `json:"chain"`
	ChainID    uint64 `json:"chain_id,omitempty"`
	Expiration int64  `json:"expiration,omitempty"`
	Txs        []Tx   `json:"txs,omitempty"`
}

type FunctionResult struct {
	Version      uint32      `json:"version"`
	Quote        HexBytes    `json:"quote,omitempty"`
	FnKey        string      `json:"fn_key"`
	Signer       HexBytes    `json:"signer,omitempty"`
	FnRequestKey string      `json:"fn_request_key,omitempty"`
	FnRoutineKey string      `json:"fn_routine_key,omitempty"`
	RequestSlot  uint64      `json:"request_slot,omitempty"`
	ParamsHash   HexBytes    `json:"params_hash,omitempty"`
	ChainResult  ChainResult `json:"chain_result"`
	Signature    HexBytes    `json:"signature,omitempty"`
	ErrorCode    ErrorCode   `json:"error_code"`
}

// Signer signs result digests with the enclave key.
type Signer interface {
	PublicKey() []byte
	Sign(data []byte) ([]byte, error)
}

func Unmarshal(data []byte) (*FunctionResult, error) {
	var ret FunctionResult
	if err := json.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("decode function result: %w", err)
	}
	return &ret, nil
}

func (r *FunctionResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Encode returns the hex form a container prints as its final output token.
func (r *FunctionResult) Encode() (string, error) {
	data, err := r.Marshal()
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(data), nil
}

// ParseOutput decodes the last whitespace-separated token of a container's
// final stdout line.
func ParseOutput(line string) (*FunctionResult, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, ErrEmptyOutput
	}
	token := strings.TrimPrefix(fields[len(fields)-1], "0x")
	raw, err := hex.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode result hex: %w", err)
	}
	return Unmarshal(raw)
}

// SigningHash is the digest the enclave signs. Variable length fields are
// length prefixed.
func (r *FunctionResult) SigningHash() ([32]byte, error) {
	chainResult, err := json.Marshal(r.ChainResult)
	if err != nil {
		return [32]byte{}, fmt.Errorf("encode chain result: %w", err)
	}
	var buf bytes.Buffer
	writeField := func(b []byte) {
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(b))) // #nosec G115
		buf.Write(b)
	}
	writeField([]byte(r.FnKey))
	writeField([]byte(r.FnRequestKey))
	writeField([]byte(r.FnRoutineKey))
	_ = binary.Write(&buf, binary.BigEndian, r.RequestSlot)
	writeField(r.ParamsHash)
	buf.WriteByte(byte(r.ErrorCode))
	writeField(chainResult)
	return sha256.Sum256(buf.Bytes()), nil
}

// Sign fills in the signer and signature fields.
func (r *FunctionResult) Sign(signer Signer) error {
	r.Signer = signer.PublicKey()
	digest, err := r.SigningHash()
	if err != nil {
		return err
	}
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return fmt.Errorf("sign result: %w", err)
	}
	r.Signature = sig
	return nil
}

// VerifySignature checks the signature against the signer. The key type is
// selected by its length: 32 bytes is ed25519, 33 or 65 bytes is secp256k1.
func (r *FunctionResult) VerifySignature() error {
	if len(r.Signature) == 0 {
		return ErrMissingSignature
	}
	digest, err := r.SigningHash()
	if err != nil {
		return err
	}
	switch len(r.Signer) {
	case ed25519.PublicKeySize:
		if !ed25519.Verify(ed25519.PublicKey(r.Signer), digest[:], r.Signature) {
			return ErrSignatureMismatch
		}
	case 33, 65:
		sig := r.Signature
		if len(sig) == 65 {
			sig = sig[:64]
		}
		if len(sig) != 64 {
			return ErrMalformedSignature
		}
		if !crypto.VerifySignature(r.Signer, digest[:], sig) {
			return ErrSignatureMismatch
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedSigner, len(r.Signer))
	}
	return nil
}

// SignerDigest is the value the enclave places in the first half of its
// quote report data.
func (r *FunctionResult) SignerDigest() [32]byte {
	return sha256.Sum256(r.Signer)
}

// IsRequest reports whether the result fulfills a function request.
func (r *FunctionResult) IsRequest() bool {
	return r.FnRequestKey != ""
}

// IsRoutine reports whether the result fulfills a routine.
func (r *FunctionResult) IsRoutine() bool {
	return r.FnRoutineKey != ""
}
