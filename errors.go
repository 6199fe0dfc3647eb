// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package fs2kafka

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrNotSubscribed is returned when a consuming, committing or
	// seeking operation is attempted before Subscribe or Assign.
	ErrNotSubscribed = errors.New("fs2kafka: consumer is not subscribed")

	// ErrInvalidSeek is returned when seeking to a negative offset, or
	// when the seek target partition is not currently assigned.
	ErrInvalidSeek = errors.New("fs2kafka: invalid seek")

	// ErrConsumerClosed is returned by operations issued after the
	// consumer has been closed or its governing context cancelled.
	ErrConsumerClosed = errors.New("fs2kafka: consumer closed")

	// ErrCommitFailed is returned when the broker rejects part or all
	// of an offset commit. Use errors.As to obtain the CommitError
	// with the per-partition detail.
	ErrCommitFailed = errors.New("fs2kafka: commit failed")
)

// CommitError reports the partitions for which an offset commit was
// rejected. It wraps ErrCommitFailed.
type CommitError struct {
	// Partitions maps each rejected partition to the broker error.
	Partitions map[TopicPartition]error
}

// Error implements the error interface.
func (e *CommitError) Error() string {
	parts := make([]string, 0, len(e.Partitions))
	for tp, err := range e.Partitions {
		parts = append(parts, fmt.Sprintf("%s: %v", tp, err))
	}
	sort.Strings(parts)
	return fmt.Sprintf("%v: %s", ErrCommitFailed, strings.Join(parts, "; "))
}

// Unwrap makes errors.Is(err, ErrCommitFailed) hold.
func (e *CommitError) Unwrap() error { return ErrCommitFailed }
