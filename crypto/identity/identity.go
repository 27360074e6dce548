// Copyright (C) 2025 zajel-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package identity

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"
)

// Manager owns the client's long-lived X25519 identity key pair. The public
// key is the client's identifier; the private key never leaves the key store
// directory.
type Manager struct {
	privateKey *ecdh.PrivateKey
	publicKey  *ecdh.PublicKey
	store      *FileKeyStore
}

// NewManager creates an uninitialized identity manager backed by the given
// key store directory.
func NewManager(storeDir string) *Manager {
	return &Manager{store: NewFileKeyStore(storeDir)}
}

// Initialize loads the identity from the key store, generating and persisting
// a fresh key pair on first run. It fails if stored material is corrupt.
func (m *Manager) Initialize() error {
	raw, err := m.store.Load(identityKeyName)
	if err == nil {
		priv, kerr := ecdh.X25519().NewPrivateKey(raw)
		if kerr != nil {
			return fmt.Errorf("stored identity key is corrupt: %w", kerr)
		}
		m.privateKey = priv
		m.publicKey = priv.PublicKey()
		return nil
	}
	if err != ErrKeyNotFound {
		return fmt.Errorf("failed to load identity key: %w", err)
	}

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate identity key: %w", err)
	}
	if err := m.store.Store(identityKeyName, priv.Bytes()); err != nil {
		return fmt.Errorf("failed to persist identity key: %w", err)
	}
	m.privateKey = priv
	m.publicKey = priv.PublicKey()
	return nil
}

// PrivateKey returns the identity private key. Nil before Initialize.
func (m *Manager) PrivateKey() *ecdh.PrivateKey {
	return m.privateKey
}

// PublicKey returns the identity public key. Nil before Initialize.
func (m *Manager) PublicKey() *ecdh.PublicKey {
	return m.publicKey
}

// PublicKeyBase64 returns the standard-base64 encoding of the 32-byte public key.
func (m *Manager) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(m.publicKey.Bytes())
}

// Fingerprint returns the display fingerprint of this identity.
func (m *Manager) Fingerprint() string {
	return FingerprintBytes(m.publicKey.Bytes())
}

// DecodeKey decodes a base64 public key, validating its length.
func DecodeKey(pkBase64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(pkBase64)
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("invalid public key length: %d", len(raw))
	}
	return raw, nil
}

// FingerprintOf computes the display fingerprint of a base64-encoded public key.
func FingerprintOf(pkBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(pkBase64)
	if err != nil {
		return "", fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(raw) != 32 {
		return "", fmt.Errorf("invalid public key length: %d", len(raw))
	}
	return FingerprintBytes(raw), nil
}

// FingerprintBytes renders the full SHA-256 of a public key grouped in
// 4-hex-character blocks for out-of-band comparison.
func FingerprintBytes(pk []byte) string {
	sum := sha256.Sum256(pk)
	hexStr := fmt.Sprintf("%x", sum[:])
	var sb strings.Builder
	for i := 0; i < len(hexStr); i += 4 {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(strings.ToUpper(hexStr[i : i+4]))
	}
	return sb.String()
}
