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

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	dogma "go.linecorp.com/centraldogma-server"
)

// BlobStore stores immutable entry contents keyed by the hash of the
// plaintext.
type BlobStore interface {
	Put(data []byte) (hash string, err error)
	Get(hash string) ([]byte, error)
}

const blobDir = "blobs"

type fileBlobStore struct {
	files fileStore
}

func newFileBlobStore(files fileStore) *fileBlobStore {
	return &fileBlobStore{files: files}
}

func blobHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func blobName(hash string) string {
	return fmt.Sprintf("%s/%s/%s", blobDir, hash[:2], hash)
}

func (s *fileBlobStore) Put(data []byte) (string, error) {
	hash := blobHash(data)
	name := blobName(hash)
	if s.files.exists(name) {
		return hash, nil
	}
	if err := s.files.write(name, data); err != nil {
		return "", &dogma.StorageError{Op: "blob put", Cause: err}
	}
	return hash, nil
}

func (s *fileBlobStore) Get(hash string) ([]byte, error) {
	data, err := s.files.read(blobName(hash))
	if err != nil {
		return nil, &dogma.StorageError{Op: "blob get", Cause: err}
	}
	return data, nil
}
