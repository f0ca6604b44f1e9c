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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/switchboard-xyz/function-manager/workload"
)

const DefaultAttestationDir = "/dev/attestation"

// GramineProvider obtains quotes through the Gramine attestation pseudo
// filesystem.
type GramineProvider struct {
	// Dir defaults to /dev/attestation
	Dir string
	mu  sync.Mutex
}

// Available reports whether the attestation filesystem is present.
func (g *GramineProvider) Available() bool {
	_, err := os.Stat(filepath.Join(g.dir(), "quote"))
	return err == nil
}

func (g *GramineProvider) dir() string {
	if g.Dir == "" {
		return DefaultAttestationDir
	}
	return g.Dir
}

func (g *GramineProvider) GenerateQuote(reportData [ReportDataSize]byte) ([]byte, error) {
	// The report data write and quote read must not interleave
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := os.WriteFile(filepath.Join(g.dir(), "user_report_data"), reportData[:], 0o600); err != nil {
		return nil, fmt.Errorf("write user report data: %w", err)
	}
	quote, err := os.ReadFile(filepath.Join(g.dir(), "quote"))
	if err != nil {
		return nil, fmt.Errorf("read quote: %w", err)
	}
	return quote, nil
}

// SimulatedProvider produces structurally valid quotes signed by a locally
// generated PCK chain. It is used off-enclave in development and tests;
// verifiers must trust Roots() to accept its quotes.
type SimulatedProvider struct {
	MrEnclave workload.MrEnclave
	Debug     bool

	once    sync.Once
	initErr error
	attKey  *ecdsa.PrivateKey
	pckKey  *ecdsa.PrivateKey
	root    *x509.Certificate
	pckPEM  []byte
	rootPEM []byte
}

func (s *SimulatedProvider) init() error {
	s.once.Do(func() {
		s.initErr = s.generateChain()
	})
	return s.initErr
}

func (s *SimulatedProvider) generateChain() error {
	var err error
	if s.attKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return err
	}
	if s.pckKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader); err != nil {
		return err
	}
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	notBefore := time.Now().Add(-time.Hour)
	notAfter := notBefore.Add(10 * 365 * 24 * time.Hour)
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Simulated SGX Root CA"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}
	if s.root, err = x509.ParseCertificate(rootDER); err != nil {
		return err
	}
	pckTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "Simulated SGX PCK Certificate"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	pckDER, err := x509.CreateCertificate(rand.Reader, pckTmpl, s.root, &s.pckKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("create PCK certificate: %w", err)
	}
	s.pckPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: pckDER})
	s.rootPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: rootDER})
	return nil
}

// Roots returns a pool containing the simulated root certificate.
func (s *SimulatedProvider) Roots() (*x509.CertPool, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(s.root)
	return pool, nil
}

func (s *SimulatedProvider) GenerateQuote(reportData [ReportDataSize]byte) ([]byte, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	header := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint16(header[0:2], QuoteVersion3)
	binary.LittleEndian.PutUint16(header[2:4], AttestationKeyP256)
	report := ReportBody{
		MrEnclave:  s.MrEnclave,
		ReportData: reportData,
	}
	if s.Debug {
		report.Attributes[0] |= attributeDebug
	}
	signed := append(header, marshalReportBody(&report)...)

	isvSig, err := signRaw(s.attKey, signed)
	if err != nil {
		return nil, err
	}
	attPub := make([]byte, ecdsaPublicKeySize)
	s.attKey.PublicKey.X.FillBytes(attPub[:32])
	s.attKey.PublicKey.Y.FillBytes(attPub[32:])

	authData := []byte("simulated")
	binding := sha256.Sum256(append(append([]byte{}, attPub...), authData...))
	var qeReport ReportBody
	copy(qeReport.ReportData[:32], binding[:])
	qeReportRaw := marshalReportBody(&qeReport)
	qeSig, err := signRaw(s.pckKey, qeReportRaw)
	if err != nil {
		return nil, err
	}
	certData := append(append([]byte{}, s.pckPEM...), s.rootPEM...)

	sig := make([]byte, 0, qeAuthDataOffset+2+len(authData)+6+len(certData))
	sig = append(sig, isvSig...)
	sig = append(sig, attPub...)
	sig = append(sig, qeReportRaw...)
	sig = append(sig, qeSig...)
	sig = binary.LittleEndian.AppendUint16(sig, uint16(len(authData))) // #nosec G115
	sig = append(sig, authData...)
	sig = binary.LittleEndian.AppendUint16(sig, CertTypePCKChainPEM)
	sig = binary.LittleEndian.AppendUint32(sig, uint32(len(certData))) // #nosec G115
	sig = append(sig, certData...)

	quote := binary.LittleEndian.AppendUint32(signed, uint32(len(sig))) // #nosec G115
	return append(quote, sig...), nil
}

func signRaw(key *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	digest := sha256.Sum256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest[:])
	if err != nil {
		return nil, err
	}
	ret := make([]byte, ecdsaSignatureSize)
	r.FillBytes(ret[:32])
	s.FillBytes(ret[32:])
	return ret, nil
}
