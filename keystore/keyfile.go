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
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// SealedKeySize is the exact size of the sealed key file: a 32-byte seed
// followed by the 32-byte ed25519 public key derived from it.
const SealedKeySize = 64

// readSealedFile reads the sealed key file. The file is opened first and
// permissions are checked on the open handle to avoid a race between the
// check and the read.
func readSealedFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := checkOpenFilePermissions(f); err != nil {
		return nil, err
	}

	// Read one byte past the expected size so oversized files are detected
	data, err := io.ReadAll(io.LimitReader(f, SealedKeySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read key file %q: %w", path, err)
	}
	if len(data) != SealedKeySize {
		return nil, fmt.Errorf(
			"%w: %q is %d bytes, expected %d",
			ErrMalformedKeyFile,
			path,
			len(data),
			SealedKeySize,
		)
	}
	return data, nil
}

// writeSealedFile atomically replaces the sealed key file.
func writeSealedFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create key directory %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".keypair-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary key file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// checkOpenFilePermissions verifies permissions on an already-opened file.
func checkOpenFilePermissions(f *os.File) error {
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat key file %q: %w", f.Name(), err)
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf(
			"key file %q has mode %04o, group/other access not permitted: %w",
			f.Name(),
			fi.Mode().Perm(),
			ErrInsecureFileMode,
		)
	}
	return nil
}
