// Copyright 2025 Tom Barlow
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

package sshtunnel

import (
	"errors"
	"log/slog"
	"os"

	"golang.org/x/crypto/ssh"

	pberrors "github.com/tombee/polybugger/pkg/errors"
)

// checkIdentity verifies an identity file exists and is readable. Keys that
// cannot be used non-interactively are logged, not rejected: an agent may
// still hold the decrypted key.
func checkIdentity(path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pberrors.E(pberrors.CodeSSHError, "SSH key file not found: %s", path).
				WithDetail("key_path", path)
		}
		return pberrors.E(pberrors.CodeSSHError, "SSH key file not readable: %s", path).
			WithDetail("key_path", path).WithCause(err)
	}

	_, err = ssh.ParseRawPrivateKey(data)
	var missing *ssh.PassphraseMissingError
	switch {
	case err == nil:
	case errors.As(err, &missing):
		logger.Warn("SSH key is passphrase protected; BatchMode requires it to be loaded in an agent",
			slog.String("key_path", path))
	default:
		logger.Warn("SSH key format not recognized, passing to ssh unchanged",
			slog.String("key_path", path), slog.String("reason", err.Error()))
	}
	return nil
}
