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

// Package sgx parses and verifies Intel SGX DCAP (ECDSA) quotes and
// produces quotes for the running enclave.
package sgx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/switchboard-xyz/function-manager/workload"
)

const (
	QuoteVersion3       = 3
	AttestationKeyP256  = 2
	HeaderSize          = 48
	ReportBodySize      = 384
	ReportDataSize      = 64
	signedRegionSize    = HeaderSize + ReportBodySize
	ecdsaSignatureSize  = 64
	ecdsaPublicKeySize  = 64
	qeReportOffset      = ecdsaSignatureSize + ecdsaPublicKeySize
	qeReportSigOffset   = qeReportOffset + ReportBodySize
	qeAuthDataOffset    = qeReportSigOffset + ecdsaSignatureSize
	CertTypePCKChainPEM = 5

	// attribute flags live in the first byte of the attributes field
	attributeDebug = 0x02
)

var (
	ErrQuoteTooShort      = errors.New("quote too short")
	ErrUnsupportedVersion = errors.New("unsupported quote version")
	ErrUnsupportedKeyType = errors.New("unsupported attestation key type")
)

// ReportBody is the enclave report embedded in a quote.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Attributes [16]byte
	MrEnclave  workload.MrEnclave
	MrSigner   [32]byte
	IsvProdID  uint16
	IsvSvn     uint16
	ReportData [ReportDataSize]byte
}

// Debug reports whether the enclave was launched in debug mode.
func (r *ReportBody) Debug() bool {
	return r.Attributes[0]&attributeDebug != 0
}

// Quote is a parsed DCAP v3 quote.
type Quote struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
	QeSvn              uint16
	PceSvn             uint16
	QeVendorID         [16]byte
	UserData           [20]byte
	Report             ReportBody

	Signature         [ecdsaSignatureSize]byte
	AttestationKey    [ecdsaPublicKeySize]byte
	QeReportRaw       []byte
	QeReport          ReportBody
	QeReportSignature [ecdsaSignatureSize]byte
	QeAuthData        []byte
	CertType          uint16
	CertData          []byte

	// Raw is the full quote; Raw[:432] is the region signed by the
	// attestation key
	Raw []byte
}

// MrEnclave is a shortcut for the enclave measurement.
func (q *Quote) MrEnclave() workload.MrEnclave {
	return q.Report.MrEnclave
}

// ReportData is a shortcut for the user supplied report data.
func (q *Quote) ReportData() [ReportDataSize]byte {
	return q.Report.ReportData
}

// Provider produces a quote binding the given report data to the running
// enclave.
type Provider interface {
	GenerateQuote(reportData [ReportDataSize]byte) ([]byte, error)
}

// Verifier checks quote evidence at a point in time.
type Verifier interface {
	Verify(quote []byte, now time.Time) (*Quote, error)
}

// ParseQuote decodes a DCAP v3 ECDSA-P256 quote.
func ParseQuote(data []byte) (*Quote, error) {
	if len(data) < signedRegionSize+4 {
		return nil, fmt.Errorf("%w: %d bytes", ErrQuoteTooShort, len(data))
	}
	q := &Quote{
		Version:            binary.LittleEndian.Uint16(data[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(data[2:4]),
		TeeType:            binary.LittleEndian.Uint32(data[4:8]),
		QeSvn:              binary.LittleEndian.Uint16(data[8:10]),
		PceSvn:             binary.LittleEndian.Uint16(data[10:12]),
		Raw:                data,
	}
	if q.Version != QuoteVersion3 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, q.Version)
	}
	if q.AttestationKeyType != AttestationKeyP256 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedKeyType, q.AttestationKeyType)
	}
	copy(q.QeVendorID[:], data[12:28])
	copy(q.UserData[:], data[28:48])
	q.Report = parseReportBody(data[HeaderSize:signedRegionSize])

	sigLen := int(binary.LittleEndian.Uint32(data[signedRegionSize : signedRegionSize+4]))
	sig := data[signedRegionSize+4:]
	if len(sig) < sigLen {
		return nil, fmt.Errorf(
			"%w: signature data truncated (%d < %d)",
			ErrQuoteTooShort,
			len(sig),
			sigLen,
		)
	}
	sig = sig[:sigLen]
	if len(sig) < qeAuthDataOffset+2 {
		return nil, fmt.Errorf("%w: signature data %d bytes", ErrQuoteTooShort, len(sig))
	}
	copy(q.Signature[:], sig[0:ecdsaSignatureSize])
	copy(q.AttestationKey[:], sig[ecdsaSignatureSize:qeReportOffset])
	q.QeReportRaw = sig[qeReportOffset:qeReportSigOffset]
	q.QeReport = parseReportBody(q.QeReportRaw)
	copy(q.QeReportSignature[:], sig[qeReportSigOffset:qeAuthDataOffset])

	off := qeAuthDataOffset
	authLen := int(binary.LittleEndian.Uint16(sig[off : off+2]))
	off += 2
	if len(sig) < off+authLen+6 {
		return nil, fmt.Errorf("%w: qe auth data truncated", ErrQuoteTooShort)
	}
	q.QeAuthData = sig[off : off+authLen]
	off += authLen
	q.CertType = binary.LittleEndian.Uint16(sig[off : off+2])
	certLen := int(binary.LittleEndian.Uint32(sig[off+2 : off+6]))
	off += 6
	if len(sig) < off+certLen {
		return nil, fmt.Errorf("%w: certification data truncated", ErrQuoteTooShort)
	}
	q.CertData = sig[off : off+certLen]
	return q, nil
}

func parseReportBody(data []byte) ReportBody {
	var r ReportBody
	copy(r.CPUSVN[:], data[0:16])
	r.MiscSelect = binary.LittleEndian.Uint32(data[16:20])
	copy(r.Attributes[:], data[48:64])
	copy(r.MrEnclave[:], data[64:96])
	copy(r.MrSigner[:], data[128:160])
	r.IsvProdID = binary.LittleEndian.Uint16(data[256:258])
	r.IsvSvn = binary.LittleEndian.Uint16(data[258:260])
	copy(r.ReportData[:], data[320:384])
	return r
}

// marshalReportBody is the inverse of parseReportBody.
func marshalReportBody(r *ReportBody) []byte {
	buf := make([]byte, ReportBodySize)
	copy(buf[0:16], r.CPUSVN[:])
	binary.LittleEndian.PutUint32(buf[16:20], r.MiscSelect)
	copy(buf[48:64], r.Attributes[:])
	copy(buf[64:96], r.MrEnclave[:])
	copy(buf[128:160], r.MrSigner[:])
	binary.LittleEndian.PutUint16(buf[256:258], r.IsvProdID)
	binary.LittleEndian.PutUint16(buf[258:260], r.IsvSvn)
	copy(buf[320:384], r.ReportData[:])
	return buf
}
