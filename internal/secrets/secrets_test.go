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

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveLiteral(t *testing.T) {
	got, err := Resolve("  abc123\n")
	require.NoError(t, err)
	assert.Equal(t, "abc123", got)

	_, err = Resolve("   ")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

func TestResolveFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payer.key")
	require.NoError(t, os.WriteFile(path, []byte("deadbeef\n"), 0o600))
	got, err := Resolve("file:" + path)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", got)

	_, err = Resolve("file:" + filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestResolveSopsRejectsPlaintext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "payer.enc")
	require.NoError(t, os.WriteFile(path, []byte("not encrypted"), 0o600))
	_, err := Resolve("sops:" + path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decrypt secret")
}

func TestEncryptRequiresMasterKey(t *testing.T) {
	t.Setenv(EnvGCPKMSResourceID, "")
	t.Setenv(EnvAWSKMSKeyARNs, "")
	_, err := Encrypt([]byte("secret"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvGCPKMSResourceID)
}
