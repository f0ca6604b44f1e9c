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

// Package secrets resolves key material from literal settings or
// SOPS-encrypted files.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"

	sopsapi "github.com/getsops/sops/v3"
	"github.com/getsops/sops/v3/aes"
	scommon "github.com/getsops/sops/v3/cmd/sops/common"
	"github.com/getsops/sops/v3/config"
	"github.com/getsops/sops/v3/decrypt"
	"github.com/getsops/sops/v3/gcpkms"
	skeys "github.com/getsops/sops/v3/keys"
	awskms "github.com/getsops/sops/v3/kms"
	jsonstore "github.com/getsops/sops/v3/stores/json"
	"github.com/getsops/sops/v3/version"
)

const (
	sopsPrefix = "sops:"
	filePrefix = "file:"

	EnvGCPKMSResourceID = "FNMANAGER_GCP_KMS_RESOURCE_ID"
	EnvAWSKMSKeyARNs    = "FNMANAGER_AWS_KMS_KEY_ARNS"
	EnvAWSKMSProfile    = "FNMANAGER_AWS_KMS_PROFILE"
)

var ErrEmptySecret = errors.New("secret is empty")

// Resolve returns the secret named by value. A "sops:<path>" value is read
// and decrypted, a "file:<path>" value is read as-is, and anything else is
// the secret itself. Surrounding whitespace is trimmed.
func Resolve(value string) (string, error) {
	value = strings.TrimSpace(value)
	var ret []byte
	switch {
	case strings.HasPrefix(value, sopsPrefix):
		data, err := os.ReadFile(strings.TrimPrefix(value, sopsPrefix))
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		ret, err = Decrypt(data)
		if err != nil {
			return "", fmt.Errorf("decrypt secret: %w", err)
		}
	case strings.HasPrefix(value, filePrefix):
		data, err := os.ReadFile(strings.TrimPrefix(value, filePrefix))
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		ret = data
	default:
		ret = []byte(value)
	}
	out := strings.TrimSpace(string(ret))
	if out == "" {
		return "", ErrEmptySecret
	}
	return out, nil
}

func Decrypt(data []byte) ([]byte, error) {
	ret, err := decrypt.Data(data, "binary")
	if err != nil {
		return nil, err
	}
	return ret, nil
}

// Encrypt seals data with the KMS master keys configured in the
// environment.
func Encrypt(data []byte) ([]byte, error) {
	keyGroups, err := masterKeyGroupsFromEnv()
	if err != nil {
		return nil, err
	}
	storeConfig := &config.JSONBinaryStoreConfig{}
	input := jsonstore.NewBinaryStore(storeConfig)
	output := jsonstore.NewBinaryStore(storeConfig)

	if _, err := input.LoadEncryptedFile(data); err == nil {
		return nil, errors.New("already encrypted")
	}
	branches, err := input.LoadPlainFile(data)
	if err != nil {
		return nil, fmt.Errorf("error loading data: %w", err)
	}

	tree := sopsapi.Tree{
		Branches: branches,
		Metadata: sopsapi.Metadata{
			KeyGroups: keyGroups,
			Version:   version.Version,
		},
	}
	dataKey, errs := tree.GenerateDataKey()
	if len(errs) > 0 {
		return nil, fmt.Errorf("failed generating data key: %v", errs)
	}
	if err := scommon.EncryptTree(scommon.EncryptTreeOpts{
		DataKey: dataKey,
		Tree:    &tree,
		Cipher:  aes.NewCipher(),
	}); err != nil {
		return nil, fmt.Errorf("failed encrypt: %w", err)
	}
	encrypted, err := output.EmitEncryptedFile(tree)
	if err != nil {
		return nil, fmt.Errorf("failed output: %w", err)
	}
	return encrypted, nil
}

func masterKeyGroupsFromEnv() ([]sopsapi.KeyGroup, error) {
	keyGroups := []sopsapi.KeyGroup{}
	if rid := os.Getenv(EnvGCPKMSResourceID); rid != "" {
		keys := []skeys.MasterKey{}
		for _, k := range gcpkms.MasterKeysFromResourceIDString(rid) {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}
	if arns := os.Getenv(EnvAWSKMSKeyARNs); arns != "" {
		keys := []skeys.MasterKey{}
		profile := os.Getenv(EnvAWSKMSProfile)
		for _, k := range awskms.MasterKeysFromArnString(arns, nil, profile) {
			keys = append(keys, k)
		}
		if len(keys) > 0 {
			keyGroups = append(keyGroups, keys)
		}
	}
	if len(keyGroups) == 0 {
		return nil, fmt.Errorf(
			"SOPS requires at least one master key to encrypt: set %s and/or %s",
			EnvGCPKMSResourceID,
			EnvAWSKMSKeyARNs,
		)
	}
	return keyGroups, nil
}
