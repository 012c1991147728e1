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
	"encoding/json"

	multierror "github.com/hashicorp/go-multierror"

	dogma "go.linecorp.com/centraldogma-server"
	"go.linecorp.com/centraldogma-server/internal/storage"
)

// WrappedKey is the persisted form of a wrapped DEK: the version of the key
// material, the KEK that wrapped it and the wrapped bytes.
type WrappedKey struct {
	Version int    `json:"version"`
	KekID   string `json:"kekId"`
	Wrapped []byte `json:"wrapped"`
}

// Provider creates and opens repository DEKs. It satisfies the storage
// CipherProvider trait.
type Provider struct {
	wrapper KeyWrapper
}

// NewProvider returns a Provider over the given key wrapper.
func NewProvider(wrapper KeyWrapper) *Provider {
	return &Provider{wrapper: wrapper}
}

// NewRepositoryKey generates a fresh DEK, wraps it under the current KEK and
// returns the serialized record together with the repository cipher.
func (p *Provider) NewRepositoryKey(project, repo string) ([]byte, storage.Cipher, error) {
	dek, err := randomKey()
	if err != nil {
		return nil, nil, err
	}
	kekID := p.wrapper.CurrentKekID()
	wrapped, err := p.wrapper.Wrap(kekID, dek)
	if err != nil {
		return nil, nil, err
	}
	record, err := json.Marshal(&WrappedKey{Version: 1, KekID: kekID, Wrapped: wrapped})
	if err != nil {
		return nil, nil, &dogma.EncryptionStorageError{Op: "wdek", Cause: err}
	}
	cipher, err := NewAESCipher(dek)
	if err != nil {
		return nil, nil, err
	}
	return record, cipher, nil
}

// OpenRepositoryKey unwraps a persisted WDEK record under its recorded KEK.
func (p *Provider) OpenRepositoryKey(project, repo string, wdek []byte) (storage.Cipher, error) {
	var record WrappedKey
	if err := json.Unmarshal(wdek, &record); err != nil {
		return nil, &dogma.EncryptionStorageError{Op: "wdek", Cause: err}
	}
	dek, err := p.wrapper.Unwrap(record.KekID, record.Wrapped)
	if err != nil {
		return nil, err
	}
	return NewAESCipher(dek)
}

// WrappedKeyRef points at one wrapped key record somewhere in the system so
// a KEK rotation can rewrap it in place.
type WrappedKeyRef struct {
	Name   string
	Record []byte
	Update func(record []byte) error
}

// RotateKEK rewraps every referenced key under the new KEK. Per-key failures
// are logged and collected; they do not abort the batch.
func (p *Provider) RotateKEK(newKekID string, refs []WrappedKeyRef) error {
	var result *multierror.Error
	for _, ref := range refs {
		if err := p.rewrap(newKekID, ref); err != nil {
			log.WithField("key", ref.Name).Errorf("failed to rewrap: %v", err)
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (p *Provider) rewrap(newKekID string, ref WrappedKeyRef) error {
	var record WrappedKey
	if err := json.Unmarshal(ref.Record, &record); err != nil {
		return &dogma.EncryptionStorageError{Op: "rotate " + ref.Name, Cause: err}
	}
	if record.KekID == newKekID {
		return nil
	}
	plaintext, err := p.wrapper.Unwrap(record.KekID, record.Wrapped)
	if err != nil {
		return err
	}
	record.KekID = newKekID
	record.Wrapped, err = p.wrapper.Wrap(newKekID, plaintext)
	if err != nil {
		return err
	}
	// keep the fields a record carries beyond the wrapped key, such as a
	// session key's salt
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(ref.Record, &fields); err != nil {
		return &dogma.EncryptionStorageError{Op: "rotate " + ref.Name, Cause: err}
	}
	kekID, _ := json.Marshal(record.KekID)
	wrapped, _ := json.Marshal(record.Wrapped)
	fields["kekId"], fields["wrapped"] = kekID, wrapped
	updated, err := json.Marshal(fields)
	if err != nil {
		return &dogma.EncryptionStorageError{Op: "rotate " + ref.Name, Cause: err}
	}
	return ref.Update(updated)
}
