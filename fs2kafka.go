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

// Package fs2kafka provides the shared value types for the streaming
// Kafka consumer engine implemented in the kafka subpackage.
package fs2kafka

import (
	"fmt"
	"time"
)

// Topic is the name of a Kafka topic.
type Topic string

// TopicPartition identifies a single partition of a topic. It is
// comparable and used as a map key throughout the module.
type TopicPartition struct {
	Topic     Topic
	Partition int32
}

// String returns "topic-partition", the conventional textual form.
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// OffsetAndMetadata is a position within a partition, optionally paired
// with metadata stored alongside the committed offset.
type OffsetAndMetadata struct {
	// Offset is the position to commit, i.e. the offset of the next
	// record to consume. Always >= 0.
	Offset int64
	// Metadata is stored with the offset on commit. May be empty.
	Metadata string
}

// RecordHeader is a single record header.
type RecordHeader struct {
	Key   string
	Value []byte
}

// Record is a single record consumed from a partition.
type Record struct {
	Topic     Topic
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   []RecordHeader
	Timestamp time.Time
}

// TopicPartition returns the partition the record was consumed from.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}
