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

// Package workload holds the chain-agnostic view of the on-chain accounts
// the function manager schedules: attestation queues, verifiers, functions,
// and their routine and request children.
package workload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a chain-native account identifier (base58 on Solana, 0x-hex on
// EVM chains).
type Address string

func (a Address) String() string {
	return string(a)
}

// MrEnclave is the 32-byte measurement of an enclave binary.
type MrEnclave [32]byte

func (m MrEnclave) String() string {
	return hex.EncodeToString(m[:])
}

func (m MrEnclave) IsZero() bool {
	return m == MrEnclave{}
}

// ParseMrEnclave decodes a hex measurement, with or without a 0x prefix.
func ParseMrEnclave(s string) (MrEnclave, error) {
	var ret MrEnclave
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return ret, fmt.Errorf("decode mr_enclave: %w", err)
	}
	if len(raw) != len(ret) {
		return ret, fmt.Errorf(
			"invalid mr_enclave length: expected %d, got %d",
			len(ret),
			len(raw),
		)
	}
	copy(ret[:], raw)
	return ret, nil
}

// Kind identifies the type of an on-chain account.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindFunction
	KindRoutine
	KindRequest
	KindQueue
	KindVerifier
)

func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindRoutine:
		return "routine"
	case KindRequest:
		return "request"
	case KindQueue:
		return "queue"
	case KindVerifier:
		return "verifier"
	default:
		return "unknown"
	}
}

// Account is implemented by every decoded on-chain account.
type Account interface {
	AccountKey() Address
	AccountKind() Kind
}

type FunctionStatus uint8

const (
	FunctionStatusNone FunctionStatus = iota
	FunctionStatusActive
	FunctionStatusNonExecutable
	FunctionStatusExpired
	FunctionStatusOutOfFunds
	FunctionStatusInvalidPermissions
)

func (s FunctionStatus) String() string {
	switch s {
	case FunctionStatusActive:
		return "active"
	case FunctionStatusNonExecutable:
		return "non_executable"
	case FunctionStatusExpired:
		return "expired"
	case FunctionStatusOutOfFunds:
		return "out_of_funds"
	case FunctionStatusInvalidPermissions:
		return "invalid_permissions"
	default:
		return "none"
	}
}

type RequestStatus uint8

const (
	RequestStatusNone RequestStatus = iota
	RequestStatusPending
	RequestStatusCancelled
	RequestStatusFailure
	RequestStatusExpired
	RequestStatusSuccess
)

func (s RequestStatus) String() string {
	switch s {
	case RequestStatusPending:
		return "pending"
	case RequestStatusCancelled:
		return "cancelled"
	case RequestStatusFailure:
		return "failure"
	case RequestStatusExpired:
		return "expired"
	case RequestStatusSuccess:
		return "success"
	default:
		return "none"
	}
}

// AttestationQueue is the set of verifiers authorized to fulfill functions.
// Verifiers[CurrIdx % len(Verifiers)] is the next round-robin assignee.
type AttestationQueue struct {
	Key                     Address
	Authority               Address
	Verifiers               []Address
	CurrIdx                 uint32
	Reward                  uint64
	AllowedMrEnclaves       []MrEnclave
	RequireUsagePermissions bool
}

func (q *AttestationQueue) AccountKey() Address { return q.Key }
func (q *AttestationQueue) AccountKind() Kind   { return KindQueue }

// IndexOf returns the position of the verifier in the queue.
func (q *AttestationQueue) IndexOf(verifier Address) (uint32, bool) {
	for i, v := range q.Verifiers {
		if v == verifier {
			return uint32(i), true // #nosec G115
		}
	}
	return 0, false
}

// AllowsEnclave reports whether the measurement is on the queue whitelist.
func (q *AttestationQueue) AllowsEnclave(m MrEnclave) bool {
	return containsEnclave(q.AllowedMrEnclaves, m)
}

type Verifier struct {
	Key           Address
	Queue         Address
	Authority     Address
	EnclaveSigner Address
	Permissions   uint32
	LastHeartbeat int64
	MrEnclave     MrEnclave
}

func (v *Verifier) AccountKey() Address { return v.Key }
func (v *Verifier) AccountKind() Kind   { return KindVerifier }

// Function is a user-registered workload.
type Function struct {
	Key                    Address
	Queue                  Address
	Authority              Address
	ContainerRegistry      string
	Container              string
	Version                string
	Schedule               string
	AllowedMrEnclaves      []MrEnclave
	QueueIdx               uint32
	Status                 FunctionStatus
	LastExecutionTimestamp int64
	NextAllowedTimestamp   int64
	IsTriggered            bool
	EscrowWallet           Address
	// Raw is the account data as returned by the chain
	Raw []byte
}

func (f *Function) AccountKey() Address { return f.Key }
func (f *Function) AccountKind() Kind   { return KindFunction }

// Image returns the container reference for the function, defaulting the
// tag to latest.
func (f *Function) Image() string {
	version := f.Version
	if version == "" {
		version = "latest"
	}
	name := f.Container
	switch strings.ToLower(f.ContainerRegistry) {
	case "", "dockerhub", "docker.io":
	default:
		name = strings.TrimSuffix(f.ContainerRegistry, "/") + "/" + name
	}
	return name + ":" + version
}

// AllowsEnclave reports whether the measurement may fulfill this function.
func (f *Function) AllowsEnclave(m MrEnclave) bool {
	return containsEnclave(f.AllowedMrEnclaves, m)
}

// Routine is a cron-driven child of a Function.
type Routine struct {
	Key                    Address
	Function               Address
	Queue                  Address
	Authority              Address
	Schedule               string
	QueueIdx               uint32
	ContainerParams        []byte
	ContainerParamsHash    [32]byte
	Bounty                 uint64
	IsDisabled             bool
	Status                 FunctionStatus
	LastExecutionTimestamp int64
	NextAllowedTimestamp   int64
	EscrowWallet           Address
	Raw                    []byte
}

func (r *Routine) AccountKey() Address { return r.Key }
func (r *Routine) AccountKind() Kind   { return KindRoutine }

// ParamsValid reports whether the stored hash matches the stored params.
func (r *Routine) ParamsValid() bool {
	return ParamsHash(r.ContainerParams) == r.ContainerParamsHash
}

// Request is a one-shot child of a Function.
type Request struct {
	Key                 Address
	Function            Address
	Queue               Address
	Authority           Address
	QueueIdx            uint32
	ValidAfterSlot      uint64
	RequestSlot         uint64
	ContainerParams     []byte
	ContainerParamsHash [32]byte
	Status              RequestStatus
	IsTriggered         bool
	EscrowWallet        Address
	// Placeholder is set on requests synthesized from a trigger event
	// before the account itself has been fetched
	Placeholder bool
	Raw         []byte
}

func (r *Request) AccountKey() Address { return r.Key }
func (r *Request) AccountKind() Kind   { return KindRequest }

func (r *Request) ParamsValid() bool {
	return ParamsHash(r.ContainerParams) == r.ContainerParamsHash
}

// ParamsHash is the digest stored on-chain alongside container params.
func ParamsHash(params []byte) [32]byte {
	return sha256.Sum256(params)
}

func containsEnclave(list []MrEnclave, m MrEnclave) bool {
	for _, tmp := range list {
		if bytes.Equal(tmp[:], m[:]) {
			return true
		}
	}
	return false
}
