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
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

// Client is the blocking broker client the engine drives. It is NOT
// safe for concurrent use: after construction, the engine's polling
// loop is its only caller. Assignment changes are reported through the
// rebalanceListener registered at construction.
type Client interface {
	// Poll fetches records, waiting up to timeout. Records are returned
	// in fetch order. A poll that times out returns no records and no
	// error. Errors are broker or configuration failures and are fatal
	// to the polling loop.
	Poll(ctx context.Context, timeout time.Duration) ([]fs2kafka.Record, error)

	// Seek repositions consumption of tp to offset.
	Seek(tp fs2kafka.TopicPartition, offset int64) error

	// CommitAsync commits the given offsets and invokes done exactly
	// once with the outcome. The polling loop is free to keep running
	// while the commit is in flight.
	CommitAsync(ctx context.Context, offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata, done func(error))

	// ListOffsets returns, for each requested partition, its first
	// (end=false) or next-to-be-produced (end=true) offset.
	ListOffsets(ctx context.Context, tps []fs2kafka.TopicPartition, end bool) (map[fs2kafka.TopicPartition]int64, error)

	// Pause stops fetching the given partitions until Resume.
	Pause(tps ...fs2kafka.TopicPartition)

	// Resume reverses Pause. Resuming a partition that is not paused is
	// a no-op.
	Resume(tps ...fs2kafka.TopicPartition)

	// Ping checks connectivity to a discovered broker.
	Ping(ctx context.Context) error

	// Close tears down the connection. No methods may be called after.
	Close()
}

// rebalanceListener receives assignment changes. Calls happen on the
// client's own goroutines (kgo runs them on the group-session
// goroutine, while the poller is parked in Poll), so implementations
// must be safe to invoke from outside the polling goroutine.
type rebalanceListener interface {
	assigned(tps []fs2kafka.TopicPartition)
	revoked(tps []fs2kafka.TopicPartition)
}

// subscription captures the single Subscribe/SubscribePattern/Assign
// choice made for a consumer. Exactly one field is set.
type subscription struct {
	topics     []fs2kafka.Topic
	pattern    *regexp.Regexp
	partitions []fs2kafka.TopicPartition
}

func (s subscription) direct() bool { return len(s.partitions) > 0 }

// clientFactory builds a Client for a subscription. Swapped out in
// tests that exercise the engine without a broker.
type clientFactory func(sub subscription, lis rebalanceListener) (Client, error)

// kgoClient implements Client on top of a franz-go client, with offset
// queries going through a kadm client on the same connection.
type kgoClient struct {
	client         *kgo.Client
	adm            *kadm.Client
	group          string
	direct         bool
	maxPollRecords int
}

func (cfg *ConsumerConfig) newKgoClient(sub subscription, lis rebalanceListener) (Client, error) {
	toPartitions := func(m map[string][]int32) []fs2kafka.TopicPartition {
		var tps []fs2kafka.TopicPartition
		for topic, partitions := range m {
			for _, partition := range partitions {
				tps = append(tps, fs2kafka.TopicPartition{
					Topic:     fs2kafka.Topic(topic),
					Partition: partition,
				})
			}
		}
		return tps
	}

	resetOffset := kgo.NewOffset().AtStart()
	if cfg.StartFrom == StartFromLatest {
		resetOffset = kgo.NewOffset().AtEnd()
	}
	opts := []kgo.Opt{
		kgo.ConsumeResetOffset(resetOffset),
	}
	switch {
	case sub.direct():
		assignment := make(map[string]map[int32]kgo.Offset)
		for _, tp := range sub.partitions {
			if assignment[string(tp.Topic)] == nil {
				assignment[string(tp.Topic)] = make(map[int32]kgo.Offset)
			}
			assignment[string(tp.Topic)][tp.Partition] = resetOffset
		}
		opts = append(opts, kgo.ConsumePartitions(assignment))
	default:
		// If a rebalance happens while the client is polling, the
		// consumed records may belong to a partition which has been
		// reassigned to a different consumer in the group. Polls block
		// rebalances of partitions which would be lost; the gate is
		// reopened only for the duration of each poll, so rebalance
		// callbacks never fire while polled records are being handed
		// downstream.
		opts = append(opts,
			kgo.ConsumerGroup(cfg.GroupID),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
			kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
				lis.assigned(toPartitions(m))
			}),
			kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
				lis.revoked(toPartitions(m))
			}),
			kgo.OnPartitionsLost(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
				lis.revoked(toPartitions(m))
			}),
		)
		if sub.pattern != nil {
			opts = append(opts, kgo.ConsumeTopics(sub.pattern.String()), kgo.ConsumeRegex())
		} else {
			topics := make([]string, len(sub.topics))
			for i, topic := range sub.topics {
				topics[i] = string(topic)
			}
			opts = append(opts, kgo.ConsumeTopics(topics...))
		}
	}
	client, err := cfg.newClient(opts...)
	if err != nil {
		return nil, err
	}
	return &kgoClient{
		client:         client,
		adm:            kadm.NewClient(client),
		group:          cfg.GroupID,
		direct:         sub.direct(),
		maxPollRecords: cfg.MaxPollRecords,
	}, nil
}

func (c *kgoClient) Poll(ctx context.Context, timeout time.Duration) ([]fs2kafka.Record, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Unblock group progress only while parked in the poll: the gate
	// stays closed from the moment records are returned until the next
	// Poll, covering the whole time they are being handed downstream.
	c.client.AllowRebalance()
	fetches := c.client.PollRecords(pollCtx, c.maxPollRecords)

	if fetches.IsClientClosed() {
		return nil, fmt.Errorf("client is closed: %w", context.Canceled)
	}
	var pollErr error
	fetches.EachError(func(t string, p int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		pollErr = errors.Join(pollErr, fmt.Errorf("topic %q partition %d: %w", t, p, err))
	})
	if pollErr != nil {
		return nil, fmt.Errorf("kafka: poll: %w", pollErr)
	}

	krecords := fetches.Records()
	records := make([]fs2kafka.Record, len(krecords))
	for i, r := range krecords {
		headers := make([]fs2kafka.RecordHeader, len(r.Headers))
		for j, h := range r.Headers {
			headers[j] = fs2kafka.RecordHeader{Key: h.Key, Value: h.Value}
		}
		records[i] = fs2kafka.Record{
			Topic:     fs2kafka.Topic(r.Topic),
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Headers:   headers,
			Timestamp: r.Timestamp,
		}
	}
	return records, nil
}

func (c *kgoClient) Seek(tp fs2kafka.TopicPartition, offset int64) error {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		string(tp.Topic): {tp.Partition: {Offset: offset, Epoch: -1}},
	})
	return nil
}

func (c *kgoClient) CommitAsync(ctx context.Context, offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata, done func(error)) {
	if c.direct {
		// Directly assigned consumers have no group session; commits go
		// through the admin API on the same connection, synchronously.
		done(c.commitDirect(ctx, offsets))
		return
	}
	toCommit := make(map[string]map[int32]kgo.EpochOffset, len(offsets))
	for tp, o := range offsets {
		if toCommit[string(tp.Topic)] == nil {
			toCommit[string(tp.Topic)] = make(map[int32]kgo.EpochOffset)
		}
		toCommit[string(tp.Topic)][tp.Partition] = kgo.EpochOffset{Offset: o.Offset, Epoch: -1}
	}
	c.client.CommitOffsets(ctx, toCommit,
		func(_ *kgo.Client, _ *kmsg.OffsetCommitRequest, resp *kmsg.OffsetCommitResponse, err error) {
			if err != nil {
				done(errors.Join(fs2kafka.ErrCommitFailed, err))
				return
			}
			rejected := make(map[fs2kafka.TopicPartition]error)
			for _, topic := range resp.Topics {
				for _, partition := range topic.Partitions {
					if err := kerr.ErrorForCode(partition.ErrorCode); err != nil {
						rejected[fs2kafka.TopicPartition{
							Topic:     fs2kafka.Topic(topic.Topic),
							Partition: partition.Partition,
						}] = err
					}
				}
			}
			if len(rejected) > 0 {
				done(&fs2kafka.CommitError{Partitions: rejected})
				return
			}
			done(nil)
		},
	)
}

func (c *kgoClient) commitDirect(ctx context.Context, offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata) error {
	toCommit := make(kadm.Offsets)
	for tp, o := range offsets {
		toCommit.Add(kadm.Offset{
			Topic:       string(tp.Topic),
			Partition:   tp.Partition,
			At:          o.Offset,
			LeaderEpoch: -1,
			Metadata:    o.Metadata,
		})
	}
	responses, err := c.adm.CommitOffsets(ctx, c.group, toCommit)
	if err != nil {
		return errors.Join(fs2kafka.ErrCommitFailed, err)
	}
	rejected := make(map[fs2kafka.TopicPartition]error)
	responses.Each(func(r kadm.OffsetResponse) {
		if r.Err != nil {
			rejected[fs2kafka.TopicPartition{
				Topic:     fs2kafka.Topic(r.Topic),
				Partition: r.Partition,
			}] = r.Err
		}
	})
	if len(rejected) > 0 {
		return &fs2kafka.CommitError{Partitions: rejected}
	}
	return nil
}

func (c *kgoClient) ListOffsets(ctx context.Context, tps []fs2kafka.TopicPartition, end bool) (map[fs2kafka.TopicPartition]int64, error) {
	topicSet := make(map[string]struct{})
	for _, tp := range tps {
		topicSet[string(tp.Topic)] = struct{}{}
	}
	topics := make([]string, 0, len(topicSet))
	for topic := range topicSet {
		topics = append(topics, topic)
	}

	var listed kadm.ListedOffsets
	var err error
	if end {
		listed, err = c.adm.ListEndOffsets(ctx, topics...)
	} else {
		listed, err = c.adm.ListStartOffsets(ctx, topics...)
	}
	if err != nil {
		return nil, fmt.Errorf("kafka: failed listing offsets: %w", err)
	}
	offsets := make(map[fs2kafka.TopicPartition]int64, len(tps))
	for _, tp := range tps {
		lo, ok := listed.Lookup(string(tp.Topic), tp.Partition)
		if !ok {
			return nil, fmt.Errorf("kafka: no offset returned for %s", tp)
		}
		if lo.Err != nil {
			return nil, fmt.Errorf("kafka: failed listing offset for %s: %w", tp, lo.Err)
		}
		offsets[tp] = lo.Offset
	}
	return offsets, nil
}

func (c *kgoClient) Pause(tps ...fs2kafka.TopicPartition) {
	c.client.PauseFetchPartitions(groupByTopic(tps))
}

func (c *kgoClient) Resume(tps ...fs2kafka.TopicPartition) {
	c.client.ResumeFetchPartitions(groupByTopic(tps))
}

func (c *kgoClient) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

func (c *kgoClient) Close() {
	// The rebalance gate may still be closed from the last poll.
	c.client.CloseAllowingRebalance()
}

func groupByTopic(tps []fs2kafka.TopicPartition) map[string][]int32 {
	m := make(map[string][]int32, len(tps))
	for _, tp := range tps {
		m[string(tp.Topic)] = append(m[string(tp.Topic)], tp.Partition)
	}
	return m
}
