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

package centraldogma

import (
	"encoding/json"
)

// ChangeType is the type of a Change.
type ChangeType int

const (
	UpsertJSON ChangeType = iota + 1
	UpsertText
	UpsertYAML
	Remove
	ApplyJSONPatch
	ApplyTextPatch
)

var changeTypeMap = map[string]ChangeType{
	"UPSERT_JSON":      UpsertJSON,
	"UPSERT_TEXT":      UpsertText,
	"UPSERT_YAML":      UpsertYAML,
	"REMOVE":           Remove,
	"APPLY_JSON_PATCH": ApplyJSONPatch,
	"APPLY_TEXT_PATCH": ApplyTextPatch,
}

func (t ChangeType) String() string {
	switch t {
	case UpsertJSON:
		return "UPSERT_JSON"
	case UpsertText:
		return "UPSERT_TEXT"
	case UpsertYAML:
		return "UPSERT_YAML"
	case Remove:
		return "REMOVE"
	case ApplyJSONPatch:
		return "APPLY_JSON_PATCH"
	case ApplyTextPatch:
		return "APPLY_TEXT_PATCH"
	}
	return "UNKNOWN"
}

// EntryType returns the entry type the change produces, or Directory for
// removals which produce none.
func (t ChangeType) EntryType() EntryType {
	switch t {
	case UpsertJSON, ApplyJSONPatch:
		return JSON
	case UpsertYAML:
		return YAML
	case UpsertText, ApplyTextPatch:
		return Text
	}
	return Directory
}

// Change represents a single mutation proposed against a base revision.
type Change struct {
	Path    string       `json:"path"`
	Type    ChangeType   `json:"-"`
	Content EntryContent `json:"content,omitempty"`
}

func (c *Change) MarshalJSON() ([]byte, error) {
	type Alias Change
	aux := &struct {
		Type    string      `json:"type"`
		Content interface{} `json:"content,omitempty"`
		*Alias
	}{
		Type:  c.Type.String(),
		Alias: (*Alias)(c),
	}
	// the outer Content field shadows the alias's during encoding
	switch c.Type {
	case UpsertJSON, ApplyJSONPatch:
		if len(c.Content) != 0 {
			aux.Content = json.RawMessage(c.Content)
		}
	case Remove:
		// no content
	default:
		if len(c.Content) != 0 {
			aux.Content = string(c.Content)
		}
	}
	return json.Marshal(aux)
}

func (c *Change) UnmarshalJSON(b []byte) error {
	type Alias Change
	aux := &struct {
		Type string `json:"type"`
		*Alias
	}{
		Alias: (*Alias)(c),
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	c.Type = changeTypeMap[aux.Type]
	return nil
}

// NewUpsert returns an upsert change whose type is derived from the extension
// of the path.
func NewUpsert(path string, content []byte) *Change {
	var typ ChangeType
	switch EntryTypeForPath(path) {
	case JSON:
		typ = UpsertJSON
	case YAML:
		typ = UpsertYAML
	default:
		typ = UpsertText
	}
	return &Change{Path: path, Type: typ, Content: content}
}

// NewRemove returns a removal change.
func NewRemove(path string) *Change {
	return &Change{Path: path, Type: Remove}
}
