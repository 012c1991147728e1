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

package encryption

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	dogma "go.linecorp.com/centraldogma-server"
)

// SessionKey is one version of the session master key. The master signs
// session cookies; the salt derives per-cookie material. Old versions remain
// readable so cookies issued before a rotation stay verifiable.
type SessionKey struct {
	Version int
	Master  []byte
	Salt    []byte
}

type sessionKeyRecord struct {
	Version int    `json:"version"`
	KekID   string `json:"kekId"`
	Wrapped []byte `json:"wrapped"`
	Salt    []byte `json:"salt"`
}

const currentPointer = "current"

// SessionKeyStore persists versioned session master keys under a directory,
// each wrapped by the KEK. The current version is designated by a pointer
// file updated atomically on rotation.
type SessionKeyStore struct {
	dir     string
	wrapper KeyWrapper

	mu sync.Mutex
}

// NewSessionKeyStore opens the store, creating the first key version when the
// directory is empty.
func NewSessionKeyStore(dir string, wrapper KeyWrapper) (*SessionKeyStore, error) {
	s := &SessionKeyStore{dir: dir, wrapper: wrapper}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "session store", Cause: err}
	}
	if _, err := s.currentVersion(); err != nil {
		if _, err := s.Rotate(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Current returns the session key new cookies are signed with.
func (s *SessionKeyStore) Current() (*SessionKey, error) {
	version, err := s.currentVersion()
	if err != nil {
		return nil, err
	}
	return s.Get(version)
}

// Get returns a specific key version; old versions verify still-live cookies.
func (s *SessionKeyStore) Get(version int) (*SessionKey, error) {
	var record sessionKeyRecord
	if err := readRecord(s.keyPath(version), &record); err != nil {
		return nil, &dogma.EncryptionStorageError{
			Op:    "session key",
			Cause: fmt.Errorf("version %d: %w", version, err),
		}
	}
	master, err := s.wrapper.Unwrap(record.KekID, record.Wrapped)
	if err != nil {
		return nil, err
	}
	return &SessionKey{Version: record.Version, Master: master, Salt: record.Salt}, nil
}

// Rotate writes the strict successor of the current version and atomically
// repoints the current pointer at it.
func (s *SessionKeyStore) Rotate() (*SessionKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := 1
	if current, err := s.currentVersion(); err == nil {
		version = current + 1
	}

	master, err := randomKey()
	if err != nil {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "rotate", Cause: err}
	}
	kekID := s.wrapper.CurrentKekID()
	wrapped, err := s.wrapper.Wrap(kekID, master)
	if err != nil {
		return nil, err
	}

	record := sessionKeyRecord{Version: version, KekID: kekID, Wrapped: wrapped, Salt: salt}
	data, err := json.Marshal(&record)
	if err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "rotate", Cause: err}
	}
	if err := os.WriteFile(s.keyPath(version), data, 0o600); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "rotate", Cause: err}
	}

	// the pointer flip is the commit point of the rotation
	tmp := filepath.Join(s.dir, currentPointer+".tmp")
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(version)), 0o600); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "rotate", Cause: err}
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, currentPointer)); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "rotate", Cause: err}
	}

	return &SessionKey{Version: version, Master: master, Salt: salt}, nil
}

// KeyRefs exposes every stored key version for KEK rotation.
func (s *SessionKeyStore) KeyRefs() ([]WrappedKeyRef, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "session refs", Cause: err}
	}
	var refs []WrappedKeyRef
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &dogma.EncryptionStorageError{Op: "session refs", Cause: err}
		}
		refs = append(refs, WrappedKeyRef{
			Name:   "session/" + name,
			Record: data,
			Update: func(record []byte) error {
				return os.WriteFile(path, record, 0o600)
			},
		})
	}
	return refs, nil
}

func (s *SessionKeyStore) keyPath(version int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%06d.json", version))
}

func (s *SessionKeyStore) currentVersion() (int, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, currentPointer))
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func readRecord(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
