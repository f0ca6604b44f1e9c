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

package result

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ed25519Signer struct {
	key ed25519.PrivateKey
}

func (s ed25519Signer) PublicKey() []byte {
	return s.key.Public().(ed25519.PublicKey)
}

func (s ed25519Signer) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.key, data), nil
}

type secpSigner struct {
	key *ecdsa.PrivateKey
}

func (s secpSigner) PublicKey() []byte {
	return crypto.CompressPubkey(&s.key.PublicKey)
}

func (s secpSigner) Sign(data []byte) ([]byte, error) {
	return crypto.Sign(data, s.key)
}

func testResult() *FunctionResult {
	return &FunctionResult{
		Version:      CurrentVersion,
		Quote:        HexBytes{0x03, 0x00, 0x02},
		FnKey:        "Fn1111111111111111111111111111111111111111",
		FnRequestKey: "Req111111111111111111111111111111111111111",
		RequestSlot:  1234,
		ParamsHash:   HexBytes{0xaa, 0xbb},
		ChainResult: ChainResult{
			Chain: "solana",
			Txs: []Tx{
				{
					To:   "Prog11111111111111111111111111111111111111",
					Data: HexBytes{1, 2, 3},
					Accounts: []AccountMeta{
						{Pubkey: "Acct1111111111111111111111111111111111111", IsWritable: true},
					},
				},
			},
		},
	}
}

func TestRoundTripAllErrorCodes(t *testing.T) {
	for code := range 256 {
		r := testResult()
		r.ErrorCode = ErrorCode(code)
		data, err := r.Marshal()
		require.NoError(t, err)
		decoded, err := Unmarshal(data)
		require.NoError(t, err)
		require.Equal(t, r, decoded, "error code %d", code)
	}
}

func TestParseOutput(t *testing.T) {
	r := testResult()
	encoded, err := r.Encode()
	require.NoError(t, err)
	parsed, err := ParseOutput("FN_OUT: " + encoded + "\n")
	require.NoError(t, err)
	assert.Equal(t, r, parsed)

	_, err = ParseOutput("   ")
	require.ErrorIs(t, err, ErrEmptyOutput)

	_, err = ParseOutput("done zz")
	require.Error(t, err)
}

func TestSignVerifyEd25519(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	r := testResult()
	require.NoError(t, r.Sign(ed25519Signer{key: priv}))
	require.NoError(t, r.VerifySignature())

	r.ErrorCode = 1
	require.ErrorIs(t, r.VerifySignature(), ErrSignatureMismatch)
}

func TestSignVerifySecp256k1(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	r := testResult()
	require.NoError(t, r.Sign(secpSigner{key: key}))
	require.NoError(t, r.VerifySignature())

	r.ChainResult.Txs[0].Data = HexBytes{9}
	require.ErrorIs(t, r.VerifySignature(), ErrSignatureMismatch)
}

func TestVerifySignatureErrors(t *testing.T) {
	r := testResult()
	require.ErrorIs(t, r.VerifySignature(), ErrMissingSignature)
	r.Signature = HexBytes{1}
	r.Signer = HexBytes{1, 2, 3}
	require.ErrorIs(t, r.VerifySignature(), ErrUnsupportedSigner)
}

func TestErrorCodeClasses(t *testing.T) {
	assert.False(t, ErrorCodeSuccess.IsUser())
	assert.False(t, ErrorCodeSuccess.IsInfra())
	assert.True(t, ErrorCode(42).IsUser())
	assert.True(t, ErrorCodeParamsHashInvalid.IsInfra())
	assert.Equal(t, "ParamsHashInvalid", ErrorCodeParamsHashInvalid.String())
	assert.Equal(t, "UserError(7)", ErrorCode(7).String())
}
