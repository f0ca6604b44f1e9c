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

package sgx

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"time"
)

var (
	ErrQuoteSignature    = errors.New("quote signature invalid")
	ErrQeReportBinding   = errors.New("attestation key not bound to QE report")
	ErrQeReportSignature = errors.New("QE report signature invalid")
	ErrCertChain         = errors.New("PCK certificate chain invalid")
	ErrDebugEnclave      = errors.New("debug enclave not permitted")
)

// StructuralVerifier verifies the ECDSA evidence carried by a quote: the
// attestation key signature over header and report, the QE report binding
// of that key, the PCK certificate chain at the given time, and the QE
// report signature by the PCK leaf.
type StructuralVerifier struct {
	// Roots holds the trusted root certificates. When nil the last
	// certificate of the embedded chain must be self-signed and is used as
	// the root.
	Roots      *x509.CertPool
	AllowDebug bool
}

// LoadRoots reads PEM encoded root certificates from a file.
func LoadRoots(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read root certificates: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %q", path)
	}
	return pool, nil
}

func (v *StructuralVerifier) Verify(raw []byte, now time.Time) (*Quote, error) {
	q, err := ParseQuote(raw)
	if err != nil {
		return nil, err
	}
	if !v.AllowDebug && q.Report.Debug() {
		return nil, ErrDebugEnclave
	}
	attKey := rawP256PublicKey(q.AttestationKey[:])
	if !verifyRawSignature(attKey, raw[:signedRegionSize], q.Signature[:]) {
		return nil, ErrQuoteSignature
	}
	binding := sha256.Sum256(append(q.AttestationKey[:], q.QeAuthData...))
	if !bytes.Equal(binding[:], q.QeReport.ReportData[:32]) {
		return nil, ErrQeReportBinding
	}
	leaf, err := v.verifyChain(q, now)
	if err != nil {
		return nil, err
	}
	pckKey, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: PCK key is not ECDSA", ErrCertChain)
	}
	if !verifyRawSignature(pckKey, q.QeReportRaw, q.QeReportSignature[:]) {
		return nil, ErrQeReportSignature
	}
	return q, nil
}

func (v *StructuralVerifier) verifyChain(q *Quote, now time.Time) (*x509.Certificate, error) {
	if q.CertType != CertTypePCKChainPEM {
		return nil, fmt.Errorf("%w: unsupported certification data type %d", ErrCertChain, q.CertType)
	}
	var certs []*x509.Certificate
	rest := q.CertData
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCertChain, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("%w: no certificates", ErrCertChain)
	}
	roots := v.Roots
	intermediates := x509.NewCertPool()
	chainCerts := certs[1:]
	if roots == nil {
		last := certs[len(certs)-1]
		if len(certs) < 2 || last.CheckSignatureFrom(last) != nil {
			return nil, fmt.Errorf("%w: chain does not end in a self-signed root", ErrCertChain)
		}
		roots = x509.NewCertPool()
		roots.AddCert(last)
		chainCerts = certs[1 : len(certs)-1]
	}
	for _, cert := range chainCerts {
		intermediates.AddCert(cert)
	}
	_, err := certs[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCertChain, err)
	}
	return certs[0], nil
}

func rawP256PublicKey(raw []byte) *ecdsa.PublicKey {
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(raw[:32]),
		Y:     new(big.Int).SetBytes(raw[32:64]),
	}
}

func verifyRawSignature(pub *ecdsa.PublicKey, msg []byte, sig []byte) bool {
	digest := sha256.Sum256(msg)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	return ecdsa.Verify(pub, digest[:], r, s)
}
