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
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// makeJSONPatch produces an RFC 6902 patch that transforms from into to.
// Numbers compare by value, so 1 and 1.0 are the same document. Objects are
// diffed member-wise; arrays are replaced element-wise when the lengths match
// and wholesale otherwise.
func makeJSONPatch(from, to []byte) ([]byte, error) {
	var fromValue, toValue interface{}
	if err := json.Unmarshal(from, &fromValue); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(to, &toValue); err != nil {
		return nil, err
	}
	ops := diffValue("", fromValue, toValue, nil)
	if ops == nil {
		ops = []patchOp{}
	}
	return json.Marshal(ops)
}

type patchOp struct {
	Op    string      `json:"op"`
	Path  string      `json:"path"`
	Value interface{} `json:"value,omitempty"`
}

func diffValue(pointer string, from, to interface{}, ops []patchOp) []patchOp {
	if reflect.DeepEqual(from, to) {
		return ops
	}

	fromMap, fromIsMap := from.(map[string]interface{})
	toMap, toIsMap := to.(map[string]interface{})
	if fromIsMap && toIsMap {
		return diffObject(pointer, fromMap, toMap, ops)
	}

	fromArr, fromIsArr := from.([]interface{})
	toArr, toIsArr := to.([]interface{})
	if fromIsArr && toIsArr && len(fromArr) == len(toArr) {
		for i := range fromArr {
			ops = diffValue(pointer+"/"+strconv.Itoa(i), fromArr[i], toArr[i], ops)
		}
		return ops
	}

	return append(ops, patchOp{Op: "replace", Path: pointer, Value: to})
}

func diffObject(pointer string, from, to map[string]interface{}, ops []patchOp) []patchOp {
	keys := make([]string, 0, len(from)+len(to))
	for k := range from {
		keys = append(keys, k)
	}
	for k := range to {
		if _, ok := from[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := pointer + "/" + escapePointer(k)
		fromChild, inFrom := from[k]
		toChild, inTo := to[k]
		switch {
		case inFrom && !inTo:
			ops = append(ops, patchOp{Op: "remove", Path: child})
		case !inFrom && inTo:
			ops = append(ops, patchOp{Op: "add", Path: child, Value: toChild})
		default:
			ops = diffValue(child, fromChild, toChild, ops)
		}
	}
	return ops
}

func escapePointer(token string) string {
	token = strings.ReplaceAll(token, "~", "~0")
	return strings.ReplaceAll(token, "/", "~1")
}

