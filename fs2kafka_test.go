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

package fs2kafka_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

func TestTopicPartitionString(t *testing.T) {
	tp := fs2kafka.TopicPartition{Topic: "events", Partition: 3}
	assert.Equal(t, "events-3", tp.String())
}

func TestRecordTopicPartition(t *testing.T) {
	r := fs2kafka.Record{Topic: "events", Partition: 1, Offset: 42}
	assert.Equal(t, fs2kafka.TopicPartition{Topic: "events", Partition: 1}, r.TopicPartition())
}

func TestCommitError(t *testing.T) {
	err := &fs2kafka.CommitError{
		Partitions: map[fs2kafka.TopicPartition]error{
			{Topic: "events", Partition: 0}: errors.New("illegal generation"),
			{Topic: "events", Partition: 1}: errors.New("unknown member id"),
		},
	}
	assert.ErrorIs(t, err, fs2kafka.ErrCommitFailed)
	assert.Equal(t, "fs2kafka: commit failed: events-0: illegal generation; events-1: unknown member id", err.Error())
}
