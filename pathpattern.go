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
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ValidatePath checks that a path is absolute, slash-delimited, with no empty
// segments and no "..".
func ValidatePath(path string) error {
	if len(path) == 0 || path[0] != '/' {
		return &InvalidPathError{Path: path, Reason: "must be absolute"}
	}
	if len(path) == 1 {
		return &InvalidPathError{Path: path, Reason: "must not be the root"}
	}
	for _, seg := range strings.Split(path[1:], "/") {
		switch seg {
		case "":
			return &InvalidPathError{Path: path, Reason: "empty path segment"}
		case "..", ".":
			return &InvalidPathError{Path: path, Reason: "relative path segment"}
		}
	}
	return nil
}

// PathPattern matches absolute paths against a variant of glob:
//
//   - "/**": all files recursively
//   - "*.json": all JSON files recursively
//   - "/foo/*.json": all JSON files under the directory /foo
//   - "*.json,/bar/*.txt": use comma to match any patterns
type PathPattern struct {
	raw      string
	patterns []string
}

// CompilePathPattern normalizes and compiles a path pattern. Patterns that do
// not start with "/" match at any depth, as in the client.
func CompilePathPattern(pattern string) (*PathPattern, error) {
	if len(pattern) == 0 {
		pattern = "/**"
	}
	var patterns []string
	for _, p := range strings.Split(pattern, ",") {
		p = strings.TrimSpace(p)
		if len(p) == 0 {
			continue
		}
		if p == "/" {
			p = "/**"
		} else if strings.HasPrefix(p, "**") {
			p = "/" + p
		} else if !strings.HasPrefix(p, "/") {
			p = "/**/" + p
		}
		if !doublestar.ValidatePattern(p) {
			return nil, &InvalidPathError{Path: p, Reason: "malformed path pattern"}
		}
		patterns = append(patterns, p)
	}
	if len(patterns) == 0 {
		return nil, &InvalidPathError{Path: pattern, Reason: "empty path pattern"}
	}
	return &PathPattern{raw: pattern, patterns: patterns}, nil
}

func (p *PathPattern) String() string { return p.raw }

// Matches reports whether the absolute path matches any of the alternatives.
func (p *PathPattern) Matches(path string) bool {
	for _, pattern := range p.patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

// MatchesAny reports whether any of the given paths matches the pattern.
func (p *PathPattern) MatchesAny(paths []string) bool {
	for _, path := range paths {
		if p.Matches(path) {
			return true
		}
	}
	return false
}
