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
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// EntryType is the type of an Entry.
type EntryType int

const (
	JSON EntryType = iota + 1
	Text
	YAML
	Directory
)

var entryTypeMap = map[string]EntryType{
	"JSON":      JSON,
	"TEXT":      Text,
	"YAML":      YAML,
	"DIRECTORY": Directory,
}

func (t EntryType) String() string {
	switch t {
	case JSON:
		return "JSON"
	case Text:
		return "TEXT"
	case YAML:
		return "YAML"
	case Directory:
		return "DIRECTORY"
	}
	return "UNKNOWN"
}

// EntryTypeForPath guesses the entry type from the extension of the path.
func EntryTypeForPath(path string) EntryType {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".json"):
		return JSON
	case strings.HasSuffix(lower, ".yaml"), strings.HasSuffix(lower, ".yml"):
		return YAML
	default:
		return Text
	}
}

// EntryContent represents the content of an entry. For JSON entries it holds
// the serialized JSON tree; for text and YAML entries the raw UTF-8 bytes.
type EntryContent []byte

func (e *EntryContent) UnmarshalJSON(b []byte) error {
	if n := len(b); n >= 2 && b[0] == '"' && b[n-1] == '"' { // string
		var dst string
		if err := json.Unmarshal(b, &dst); err != nil {
			return err
		}
		*e = []byte(dst)
	} else {
		*e = append([]byte(nil), b...)
	}
	return nil
}

// Entry represents an entry in the repository.
type Entry struct {
	Path     string       `json:"path"`
	Type     EntryType    `json:"-"`
	Content  EntryContent `json:"content,omitempty"`
	Revision Revision     `json:"revision,omitempty"`
}

func (e *Entry) MarshalJSON() ([]byte, error) {
	type Alias Entry
	aux := &struct {
		Type    string      `json:"type"`
		Content interface{} `json:"content,omitempty"`
		*Alias
	}{
		Type:  e.Type.String(),
		Alias: (*Alias)(e),
	}
	// the outer Content field shadows the alias's during encoding
	switch e.Type {
	case JSON:
		if len(e.Content) != 0 {
			aux.Content = json.RawMessage(e.Content)
		}
	case Directory:
		// no content
	default:
		if len(e.Content) != 0 {
			aux.Content = string(e.Content)
		}
	}
	return json.Marshal(aux)
}

func (e *Entry) UnmarshalJSON(b []byte) error {
	type Alias Entry
	aux := &struct {
		Type string `json:"type"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	e.Type = entryTypeMap[aux.Type]
	return nil
}

// ValidateContent checks that the content is well formed for the entry type.
func ValidateContent(typ EntryType, content []byte) error {
	switch typ {
	case JSON:
		if !json.Valid(content) {
			return fmt.Errorf("not a valid JSON document")
		}
	case YAML:
		var v interface{}
		if err := yaml.Unmarshal(content, &v); err != nil {
			return fmt.Errorf("not a valid YAML document: %v", err)
		}
	case Directory:
		if len(content) != 0 {
			return fmt.Errorf("a directory cannot have content")
		}
	}
	return nil
}
