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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
	"github.com/janstenpickle/fs2-kafka/internal/worker"
)

// StartOffset determines where consumption begins for partitions
// without a committed offset.
type StartOffset uint8

const (
	// StartFromEarliest begins at the first available offset.
	StartFromEarliest StartOffset = iota
	// StartFromLatest begins at the next offset to be produced.
	StartFromLatest
)

// ConsumerConfig defines the configuration for the streaming consumer.
type ConsumerConfig struct {
	CommonConfig
	// GroupID to join as part of the consumer group. Also used to
	// record offsets for directly assigned consumers.
	GroupID string
	// StartFrom sets where consumption begins for partitions without a
	// committed offset. Defaults to StartFromEarliest.
	StartFrom StartOffset
	// PollTimeout bounds every blocking fetch issued by the polling
	// loop. Cancellation latency is bounded by this value. If
	// PollTimeout <= 0, defaults to 250ms.
	PollTimeout time.Duration
	// RequestTimeout bounds offset commits and offset queries without
	// an explicit timeout. If RequestTimeout <= 0, defaults to 10s.
	RequestTimeout time.Duration
	// MaxPollRecords defines an upper bound to the number of records
	// that can be returned on a single fetch. If MaxPollRecords <= 0,
	// defaults to 100.
	MaxPollRecords int
	// PartitionBufferSize is the per-stream record buffer. When a
	// partition stream's buffer fills up, the partition is paused until
	// the subscriber drains it. If PartitionBufferSize <= 0, defaults
	// to 256.
	PartitionBufferSize int
}

// finalize ensures the configuration is valid, setting defaults,
// returning an error if any configuration is invalid.
func (cfg *ConsumerConfig) finalize() error {
	var errs []error
	if cfg.GroupID == "" {
		errs = append(errs, errors.New("kafka: consumer GroupID must be set"))
	}
	if err := cfg.CommonConfig.finalize(); err != nil {
		errs = append(errs, err)
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 250 * time.Millisecond
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 100
	}
	if cfg.PartitionBufferSize <= 0 {
		cfg.PartitionBufferSize = 256
	}
	return errors.Join(errs...)
}

// Consumer is the public surface of the streaming engine. It is safe
// for concurrent use: every operation is translated into a request
// applied serially by the engine's polling loop, which is the only
// goroutine that ever touches the underlying client.
type Consumer struct {
	cfg    ConsumerConfig
	engine *engine
	worker *worker.Handle
	cancel context.CancelFunc

	closeOnce sync.Once
}

// NewConsumer creates a new Consumer and starts its polling loop on a
// dedicated worker goroutine. The consumer does nothing until
// Subscribe, SubscribePattern or Assign is called.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.finalize(); err != nil {
		return nil, fmt.Errorf("kafka: invalid consumer config: %w", err)
	}
	metrics, err := newConsumerMetrics(cfg.meterProvider())
	if err != nil {
		return nil, fmt.Errorf("kafka: failed creating consumer metrics: %w", err)
	}
	engine := newEngine(&cfg, cfg.newKgoClient, metrics)

	name := "kafka-consumer"
	if cfg.ClientID != "" {
		name = fmt.Sprintf("%s-%s", name, cfg.ClientID)
	}
	handle := worker.Acquire(name)
	ctx, cancel := context.WithCancel(context.Background())
	if err := handle.Do(func() { engine.run(ctx) }); err != nil {
		cancel()
		handle.Release()
		return nil, fmt.Errorf("kafka: failed starting polling loop: %w", err)
	}
	return &Consumer{
		cfg:    cfg,
		engine: engine,
		worker: handle,
		cancel: cancel,
	}, nil
}

// Subscribe subscribes the consumer to a fixed set of topics. A
// consumer is subscribed at most once; Subscribe, SubscribePattern and
// Assign are mutually exclusive.
func (c *Consumer) Subscribe(ctx context.Context, topics ...fs2kafka.Topic) error {
	if len(topics) == 0 {
		return errors.New("kafka: at least one topic must be set")
	}
	return c.subscribe(ctx, subscription{topics: topics})
}

// SubscribePattern subscribes the consumer to all topics matching the
// given pattern.
func (c *Consumer) SubscribePattern(ctx context.Context, pattern *regexp.Regexp) error {
	if pattern == nil {
		return errors.New("kafka: pattern must be set")
	}
	return c.subscribe(ctx, subscription{pattern: pattern})
}

// Assign assigns the given partitions directly, bypassing group
// management. Offsets are still recorded under GroupID on commit.
func (c *Consumer) Assign(ctx context.Context, tps ...fs2kafka.TopicPartition) error {
	if len(tps) == 0 {
		return errors.New("kafka: at least one partition must be set")
	}
	return c.subscribe(ctx, subscription{partitions: tps})
}

func (c *Consumer) subscribe(ctx context.Context, sub subscription) error {
	req := &subscribeRequest{sub: sub, done: make(chan error, 1)}
	return c.engine.roundTrip(ctx, req, req.done)
}

// Stream returns the global stream: every consumed record in fetch
// order, each paired with its committable offset. A consumer supports
// a single active stream; Stream and PartitionedStream are mutually
// exclusive. Fails with fs2kafka.ErrNotSubscribed before subscription.
func (c *Consumer) Stream(ctx context.Context) (*Stream, error) {
	res, err := c.stream(ctx, false)
	if err != nil {
		return nil, err
	}
	return res.global, nil
}

// PartitionedStream returns the stream of per-partition streams: one
// PartitionStream per (re-)assigned partition, each terminating cleanly
// on revocation. Merge them with MergePartitions or consume them
// independently.
func (c *Consumer) PartitionedStream(ctx context.Context) (*PartitionedStream, error) {
	res, err := c.stream(ctx, true)
	if err != nil {
		return nil, err
	}
	return res.partitioned, nil
}

func (c *Consumer) stream(ctx context.Context, partitioned bool) (streamResult, error) {
	req := &streamRequest{partitioned: partitioned, done: make(chan streamResult, 1)}
	if err := c.engine.send(ctx, req); err != nil {
		return streamResult{}, err
	}
	select {
	case res := <-req.done:
		return res, res.err
	case <-c.engine.done:
		return streamResult{}, c.engine.terminalErr()
	case <-ctx.Done():
		return streamResult{}, ctx.Err()
	}
}

// Seek repositions consumption of an assigned partition. Fails with
// fs2kafka.ErrInvalidSeek if offset is negative or the partition is not
// currently assigned.
func (c *Consumer) Seek(ctx context.Context, tp fs2kafka.TopicPartition, offset int64) error {
	req := &seekRequest{tp: tp, offset: offset, done: make(chan error, 1)}
	return c.engine.roundTrip(ctx, req, req.done)
}

// Assignment returns the partitions currently assigned to this
// consumer, sorted by topic then partition.
func (c *Consumer) Assignment(ctx context.Context) ([]fs2kafka.TopicPartition, error) {
	req := &assignmentRequest{done: make(chan []fs2kafka.TopicPartition, 1)}
	if err := c.engine.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case tps := <-req.done:
		return tps, nil
	case <-c.engine.done:
		return nil, c.engine.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// BeginningOffsets returns the first available offset of each given
// partition. Without WithTimeout the engine's RequestTimeout applies.
func (c *Consumer) BeginningOffsets(ctx context.Context, tps []fs2kafka.TopicPartition, opts ...OffsetsOption) (map[fs2kafka.TopicPartition]int64, error) {
	return c.listOffsets(ctx, tps, false, opts)
}

// EndOffsets returns the next offset to be produced to each given
// partition. Without WithTimeout the engine's RequestTimeout applies.
func (c *Consumer) EndOffsets(ctx context.Context, tps []fs2kafka.TopicPartition, opts ...OffsetsOption) (map[fs2kafka.TopicPartition]int64, error) {
	return c.listOffsets(ctx, tps, true, opts)
}

// OffsetsOption adjusts a single offsets query.
type OffsetsOption func(*listOffsetsRequest)

// WithTimeout overrides the engine's default request timeout for one
// offsets query.
func WithTimeout(timeout time.Duration) OffsetsOption {
	return func(r *listOffsetsRequest) { r.timeout = timeout }
}

func (c *Consumer) listOffsets(ctx context.Context, tps []fs2kafka.TopicPartition, end bool, opts []OffsetsOption) (map[fs2kafka.TopicPartition]int64, error) {
	req := &listOffsetsRequest{tps: tps, end: end, done: make(chan listOffsetsResult, 1)}
	for _, opt := range opts {
		opt(req)
	}
	if err := c.engine.send(ctx, req); err != nil {
		return nil, err
	}
	select {
	case res := <-req.done:
		return res.offsets, res.err
	case <-c.engine.done:
		return nil, c.engine.terminalErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Healthy returns an error if the client fails to reach a discovered
// broker.
func (c *Consumer) Healthy(ctx context.Context) error {
	req := &pingRequest{done: make(chan error, 1)}
	if err := c.engine.roundTrip(ctx, req, req.done); err != nil {
		return fmt.Errorf("health probe: %w", err)
	}
	return nil
}

// Close stops the polling loop at its next turn boundary, terminates
// every derived stream, and releases the dedicated worker. Commits in
// flight complete or fail; they are not dropped. Close is idempotent.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.engine.done
		c.worker.Release()
	})
	return nil
}

// MergePartitions flattens a PartitionedStream into a single stream,
// fanning in each partition stream on its own goroutine, bounded by the
// number of assigned partitions. The merged channel closes when the
// partitioned stream and every open partition stream have terminated;
// Err reports the first failure.
func MergePartitions(ctx context.Context, ps *PartitionedStream) *Stream {
	merged := &Stream{c: make(chan CommittableMessage)}
	go func() {
		g, ctx := errgroup.WithContext(ctx)
		for stream := range ps.C() {
			stream := stream
			g.Go(func() error {
				for msg := range stream.C() {
					select {
					case merged.c <- msg:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
				return stream.Err()
			})
		}
		err := g.Wait()
		if err == nil {
			err = ps.Err()
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		merged.mu.Lock()
		merged.err = err
		merged.mu.Unlock()
		close(merged.c)
	}()
	return merged
}
