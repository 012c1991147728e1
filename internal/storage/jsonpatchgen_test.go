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
	"testing"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func applyPatch(t *testing.T, from, patch []byte) []byte {
	t.Helper()
	decoded, err := jsonpatch.DecodePatch(patch)
	require.NoError(t, err)
	result, err := decoded.Apply(from)
	require.NoError(t, err)
	return result
}

func TestMakeJSONPatchRoundTrip(t *testing.T) {
	tests := []struct{ from, to string }{
		{`{"a":1}`, `{"a":2}`},
		{`{"a":1}`, `{"a":1,"b":2}`},
		{`{"a":1,"b":2}`, `{"b":2}`},
		{`{"a":{"b":{"c":1}}}`, `{"a":{"b":{"c":2,"d":3}}}`},
		{`{"a":[1,2,3]}`, `{"a":[1,5,3]}`},
		{`{"a":[1,2]}`, `{"a":[1,2,3]}`},
		{`{"a":"x"}`, `{"a":{"nested":true}}`},
		{`[1,2]`, `{"now":"object"}`},
		{`{"a~b/c":1}`, `{"a~b/c":2}`},
	}
	for _, test := range tests {
		patch, err := makeJSONPatch([]byte(test.from), []byte(test.to))
		require.NoError(t, err, "diff %s -> %s", test.from, test.to)
		got := applyPatch(t, []byte(test.from), patch)
		assert.JSONEq(t, test.to, string(got), "patch %s applied to %s", patch, test.from)
	}
}

func TestMakeJSONPatchNumericEquivalence(t *testing.T) {
	patch, err := makeJSONPatch([]byte(`{"a":1}`), []byte(`{"a":1.0}`))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(patch), "1 and 1.0 are the same value")
}
