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
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// QueryType can be "identity" or "json_path". "identity" retrieves the
// content as it is. "json_path" applies a series of JSON paths to the content.
type QueryType int

const (
	Identity QueryType = iota + 1
	JSONPath
)

// Query specifies a query on a file.
type Query struct {
	Path        string
	Type        QueryType
	Expressions []string
}

// Validate checks the query invariants. JSON path queries are only valid on
// JSON files.
func (q *Query) Validate() error {
	if err := ValidatePath(q.Path); err != nil {
		return err
	}
	if q.Type == JSONPath && !strings.HasSuffix(strings.ToLower(q.Path), "json") {
		return &InvalidPathError{Path: q.Path, Reason: "JSON path query on a non-JSON file"}
	}
	return nil
}

// Apply evaluates the query against the given entry content and returns the
// transformed content.
func (q *Query) Apply(content []byte) ([]byte, error) {
	if q.Type != JSONPath {
		return content, nil
	}
	current := content
	for _, expr := range q.Expressions {
		path := strings.TrimPrefix(expr, "$.")
		path = strings.TrimPrefix(path, "$")
		if !gjson.ValidBytes(current) {
			return nil, &QueryExecutionError{Path: q.Path, Cause: fmt.Errorf("content is not JSON")}
		}
		result := gjson.GetBytes(current, path)
		if !result.Exists() {
			return nil, &QueryExecutionError{Path: q.Path, Cause: fmt.Errorf("JSON path %q matched nothing", expr)}
		}
		current = []byte(result.Raw)
	}
	return current, nil
}
