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
	"strconv"
	"strings"
)

// Revision is a point in the history of a repository. Positive values are
// absolute; negative values are relative to the head, so that -1 always means
// the latest revision. Zero is not a valid revision.
type Revision int32

const (
	// Init is the revision of the genesis commit of every repository.
	Init Revision = 1

	// Head is the relative revision pointing at the latest commit.
	Head Revision = -1
)

// IsRelative reports whether the revision is relative to the head.
func (r Revision) IsRelative() bool {
	return r < 0
}

func (r Revision) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// ParseRevision parses the string representation of a revision. "head" and
// "-1" both mean the latest revision, "init" means revision 1.
func ParseRevision(s string) (Revision, error) {
	switch strings.ToLower(s) {
	case "head", "":
		return Head, nil
	case "init":
		return Init, nil
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("invalid revision: %q", s)
	}
	return Revision(v), nil
}
