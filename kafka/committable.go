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

package kafka

import (
	"context"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

// CommittableMessage is a consumed record paired with the capability to
// commit the position just past it.
type CommittableMessage struct {
	Record fs2kafka.Record
	Offset CommittableOffset
}

// CommittableOffset represents the position just past a consumed
// record, bound to the engine that consumed it. Only the engine
// constructs CommittableOffset values; they are attached to every
// emitted message.
type CommittableOffset struct {
	topicPartition fs2kafka.TopicPartition
	offset         fs2kafka.OffsetAndMetadata
	engine         *engine
}

// TopicPartition returns the partition this offset belongs to.
func (o CommittableOffset) TopicPartition() fs2kafka.TopicPartition {
	return o.topicPartition
}

// Offset returns the offset and metadata that committing would record.
func (o CommittableOffset) Offset() fs2kafka.OffsetAndMetadata {
	return o.offset
}

// Commit commits this single offset. Prefer folding offsets into a
// CommittableOffsetBatch and committing batches: a per-partition commit
// of the latest offset implicitly covers all earlier ones.
func (o CommittableOffset) Commit(ctx context.Context) error {
	if o.engine == nil {
		return fs2kafka.ErrNotSubscribed
	}
	return o.engine.commit(ctx, map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata{
		o.topicPartition: o.offset,
	})
}

// Batch lifts this offset into a single-entry batch.
func (o CommittableOffset) Batch() CommittableOffsetBatch {
	return EmptyOffsetBatch().Updated(o)
}

// CommittableOffsetBatch aggregates the latest offset per partition.
// Merging is commutative and idempotent: combining keeps, per
// partition, whichever offset is higher, ties going to the side merged
// in later. The zero value is the empty batch.
type CommittableOffsetBatch struct {
	offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata
	engine  *engine
}

// EmptyOffsetBatch returns the identity batch.
func EmptyOffsetBatch() CommittableOffsetBatch {
	return CommittableOffsetBatch{}
}

// Updated returns a new batch with o's partition mapped to o's offset,
// unless the batch already holds a higher offset for that partition.
// The receiver is not modified.
func (b CommittableOffsetBatch) Updated(o CommittableOffset) CommittableOffsetBatch {
	next := CommittableOffsetBatch{
		offsets: make(map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata, len(b.offsets)+1),
		engine:  b.engine,
	}
	for tp, offset := range b.offsets {
		next.offsets[tp] = offset
	}
	if existing, ok := next.offsets[o.topicPartition]; !ok || o.offset.Offset >= existing.Offset {
		next.offsets[o.topicPartition] = o.offset
	}
	if next.engine == nil {
		next.engine = o.engine
	}
	return next
}

// Merged combines two batches, keeping the higher offset per partition.
func (b CommittableOffsetBatch) Merged(other CommittableOffsetBatch) CommittableOffsetBatch {
	next := b
	for tp, offset := range other.offsets {
		next = next.Updated(CommittableOffset{
			topicPartition: tp,
			offset:         offset,
			engine:         other.engine,
		})
	}
	return next
}

// Offsets returns a copy of the batch contents.
func (b CommittableOffsetBatch) Offsets() map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata {
	offsets := make(map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata, len(b.offsets))
	for tp, o := range b.offsets {
		offsets[tp] = o
	}
	return offsets
}

// Len returns the number of partitions in the batch.
func (b CommittableOffsetBatch) Len() int { return len(b.offsets) }

// Commit commits every offset in the batch, succeeding once the broker
// has acknowledged all of them. Committing the empty batch is a no-op.
func (b CommittableOffsetBatch) Commit(ctx context.Context) error {
	if len(b.offsets) == 0 {
		return nil
	}
	// Offsets not produced by an engine carry no commit capability.
	if b.engine == nil {
		return fs2kafka.ErrNotSubscribed
	}
	return b.engine.commit(ctx, b.Offsets())
}
