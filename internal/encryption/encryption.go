// Copyright 2025 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

// Package encryption wraps repository contents and session keys under a key
// encryption key. Data encryption keys never touch the disk unwrapped; the
// wrapped form records which KEK version produced it so old keys stay
// readable after a rotation.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	dogma "go.linecorp.com/centraldogma-server"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// KeyWrapper wraps and unwraps data encryption keys under a KEK managed
// outside the process.
type KeyWrapper interface {
	CurrentKekID() string
	Wrap(kekID string, plaintext []byte) ([]byte, error)
	Unwrap(kekID string, ciphertext []byte) ([]byte, error)
}

// StaticKeyWrapper is a KeyWrapper over a fixed set of in-memory KEKs,
// typically loaded from key files at startup.
type StaticKeyWrapper struct {
	current string
	keys    map[string][]byte
}

// NewStaticKeyWrapper returns a wrapper using the given 256-bit keys. current
// must name one of them.
func NewStaticKeyWrapper(current string, keys map[string][]byte) (*StaticKeyWrapper, error) {
	if _, ok := keys[current]; !ok {
		return nil, &dogma.EncryptionStorageError{
			Op:    "init",
			Cause: fmt.Errorf("current KEK %q is not among the provided keys", current),
		}
	}
	for id, key := range keys {
		if len(key) != 32 {
			return nil, &dogma.EncryptionStorageError{
				Op:    "init",
				Cause: fmt.Errorf("KEK %q is not a 256-bit key", id),
			}
		}
	}
	return &StaticKeyWrapper{current: current, keys: keys}, nil
}

func (w *StaticKeyWrapper) CurrentKekID() string { return w.current }

func (w *StaticKeyWrapper) Wrap(kekID string, plaintext []byte) ([]byte, error) {
	key, ok := w.keys[kekID]
	if !ok {
		return nil, &dogma.EncryptionStorageError{Op: "wrap", Cause: fmt.Errorf("unknown KEK %q", kekID)}
	}
	return seal(key, plaintext)
}

func (w *StaticKeyWrapper) Unwrap(kekID string, ciphertext []byte) ([]byte, error) {
	key, ok := w.keys[kekID]
	if !ok {
		return nil, &dogma.EncryptionStorageError{Op: "unwrap", Cause: fmt.Errorf("unknown KEK %q", kekID)}
	}
	return open(key, ciphertext)
}

// AESCipher encrypts stored bytes with AES-256-GCM under a DEK. It satisfies
// the storage Cipher trait.
type AESCipher struct {
	aead cipher.AEAD
}

// NewAESCipher returns a cipher over the given 256-bit key.
func NewAESCipher(key []byte) (*AESCipher, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return &AESCipher{aead: aead}, nil
}

func (c *AESCipher) Encrypt(plaintext []byte) ([]byte, error) {
	return sealWith(c.aead, plaintext)
}

func (c *AESCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	return openWith(c.aead, ciphertext)
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "cipher", Cause: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "cipher", Cause: err}
	}
	return aead, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return sealWith(aead, plaintext)
}

func open(key, ciphertext []byte) ([]byte, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	return openWith(aead, ciphertext)
}

func sealWith(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "encrypt", Cause: err}
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func openWith(aead cipher.AEAD, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < aead.NonceSize() {
		return nil, &dogma.EncryptionStorageError{Op: "decrypt", Cause: fmt.Errorf("ciphertext too short")}
	}
	nonce, rest := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, rest, nil)
	if err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "decrypt", Cause: err}
	}
	return plaintext, nil
}

func randomKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "keygen", Cause: err}
	}
	return key, nil
}
