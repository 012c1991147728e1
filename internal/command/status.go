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

package command

import (
	"errors"

	dogma "go.linecorp.com/centraldogma-server"
)

// Status is the server availability: whether this node accepts mutations and
// whether it consumes the replication log.
type Status struct {
	Writable    bool `json:"writable"`
	Replicating bool `json:"replicating"`
}

// Validate rejects the illegal combination of a writable node that does not
// replicate.
func (s Status) Validate() error {
	if s.Writable && !s.Replicating {
		return &dogma.ValidationError{Reason: "cannot be writable without replicating"}
	}
	return nil
}

// Scope selects which nodes a status update applies to.
type Scope string

const (
	// ScopeLocal updates this node only.
	ScopeLocal Scope = "LOCAL"
	// ScopeAll issues a replicated command.
	ScopeAll Scope = "ALL"
)

// ErrNotModified indicates a status update that would not change anything.
var ErrNotModified = errors.New("status not modified")
