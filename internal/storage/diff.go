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
	"fmt"

	"github.com/sergi/go-diff/diffmatchpatch"

	dogma "go.linecorp.com/centraldogma-server"
)

// diffTrees computes the changes that transform the tree at from into the
// tree at to, restricted to paths matching the pattern. JSON entries produce
// an RFC 6902 patch; text and YAML entries a unified diff; additions an
// upsert and disappearances a removal.
func diffTrees(from, to Tree, blobs BlobStore, pattern *dogma.PathPattern) ([]*dogma.Change, error) {
	var changes []*dogma.Change

	for _, path := range to.Paths() {
		if !pattern.Matches(path) {
			continue
		}
		toEntry := to[path]
		fromEntry, existed := from[path]

		if !existed {
			content, err := blobs.Get(toEntry.Hash)
			if err != nil {
				return nil, err
			}
			changes = append(changes, upsertChange(path, toEntry.Type, content))
			continue
		}
		if fromEntry == toEntry {
			continue
		}
		if fromEntry.Type != toEntry.Type {
			return nil, &dogma.QueryExecutionError{
				Path:  path,
				Cause: fmt.Errorf("entry type changed from %v to %v", fromEntry.Type, toEntry.Type),
			}
		}
		change, err := contentDiff(path, entryTypeOf(toEntry.Type), fromEntry.Hash, toEntry.Hash, blobs)
		if err != nil {
			return nil, err
		}
		if change != nil {
			changes = append(changes, change)
		}
	}

	for _, path := range from.Paths() {
		if !pattern.Matches(path) {
			continue
		}
		if _, ok := to[path]; !ok {
			changes = append(changes, dogma.NewRemove(path))
		}
	}
	return changes, nil
}

func upsertChange(path string, typ EntryTypeName, content []byte) *dogma.Change {
	var ct dogma.ChangeType
	switch entryTypeOf(typ) {
	case dogma.JSON:
		ct = dogma.UpsertJSON
	case dogma.YAML:
		ct = dogma.UpsertYAML
	default:
		ct = dogma.UpsertText
	}
	return &dogma.Change{Path: path, Type: ct, Content: content}
}

func contentDiff(path string, typ dogma.EntryType, fromHash, toHash string, blobs BlobStore) (*dogma.Change, error) {
	fromContent, err := blobs.Get(fromHash)
	if err != nil {
		return nil, err
	}
	toContent, err := blobs.Get(toHash)
	if err != nil {
		return nil, err
	}
	return entryDiff(path, typ, fromContent, toContent)
}

// entryDiff produces the patch change between two versions of the same entry,
// or nil when the contents are equivalent.
func entryDiff(path string, typ dogma.EntryType, from, to []byte) (*dogma.Change, error) {
	if contentEqual(typ, from, to) {
		return nil, nil
	}
	if typ == dogma.JSON {
		patch, err := makeJSONPatch(from, to)
		if err != nil {
			return nil, &dogma.QueryExecutionError{Path: path, Cause: err}
		}
		return &dogma.Change{Path: path, Type: dogma.ApplyJSONPatch, Content: patch}, nil
	}

	dmp := diffmatchpatch.New()
	patches := dmp.PatchMake(string(from), string(to))
	return &dogma.Change{
		Path:    path,
		Type:    dogma.ApplyTextPatch,
		Content: []byte(dmp.PatchToText(patches)),
	}, nil
}
