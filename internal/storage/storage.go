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

// Package storage implements the revision-controlled repository store: an
// append-only commit log per repository, a content-addressed blob store and a
// materialized head tree, together with entry lookup, history, diff and
// preview operations.
package storage

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// SetLogger replaces the package logger.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		log = l
	}
}

// Cipher encrypts and decrypts stored bytes. A nil Cipher means plaintext.
// Implementations live in internal/encryption.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// fileStore is the byte-level storage trait under the commit log and the blob
// store. The encrypted decorator wraps it.
type fileStore interface {
	write(name string, data []byte) error
	read(name string) ([]byte, error)
	exists(name string) bool
	names(dir string) ([]string, error)
}

// plainFileStore stores bytes as files under a root directory. Writes go
// through a temp file and a rename so a record is never observed half
// written.
type plainFileStore struct {
	root string
}

func newPlainFileStore(root string) *plainFileStore {
	return &plainFileStore{root: root}
}

func (s *plainFileStore) write(name string, data []byte) error {
	path := filepath.Join(s.root, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *plainFileStore) read(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, name))
}

func (s *plainFileStore) exists(name string) bool {
	_, err := os.Stat(filepath.Join(s.root, name))
	return err == nil
}

func (s *plainFileStore) names(dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// encryptedFileStore decorates a fileStore with a repository cipher. File
// names stay in the clear; contents are ciphertext under the repository DEK.
type encryptedFileStore struct {
	inner  fileStore
	cipher Cipher
}

func newEncryptedFileStore(inner fileStore, cipher Cipher) *encryptedFileStore {
	return &encryptedFileStore{inner: inner, cipher: cipher}
}

func (s *encryptedFileStore) write(name string, data []byte) error {
	ct, err := s.cipher.Encrypt(data)
	if err != nil {
		return err
	}
	return s.inner.write(name, ct)
}

func (s *encryptedFileStore) read(name string) ([]byte, error) {
	ct, err := s.inner.read(name)
	if err != nil {
		return nil, err
	}
	return s.cipher.Decrypt(ct)
}

func (s *encryptedFileStore) exists(name string) bool {
	return s.inner.exists(name)
}

func (s *encryptedFileStore) names(dir string) ([]string, error) {
	return s.inner.names(dir)
}
