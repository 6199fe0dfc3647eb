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
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

// requestQueueSize bounds the request channel. Requests are lightweight
// commands, so the queue is large enough that enqueueing callers never
// block in practice.
const requestQueueSize = 256

// request is a single operation to apply against the broker client.
// apply runs on the polling goroutine, the only goroutine that ever
// touches the client; each request resolves its completion channel
// exactly once. fail resolves it without applying, used when the
// engine terminates with requests still queued.
type request interface {
	apply(ctx context.Context, e *engine)
	fail(err error)
}

type subscribeRequest struct {
	sub  subscription
	done chan error
}

func (r *subscribeRequest) fail(err error) { r.done <- err }

func (r *subscribeRequest) apply(_ context.Context, e *engine) {
	if e.client != nil {
		r.done <- errors.New("kafka: consumer is already subscribed")
		return
	}
	client, err := e.factory(r.sub, e)
	if err != nil {
		r.done <- err
		return
	}
	e.client = client
	if r.sub.direct() {
		// Direct assignment has no group session, so no rebalance
		// callbacks will ever fire. Apply the assignment up front;
		// this already runs on the polling goroutine.
		e.applyAssigned(r.sub.partitions)
	}
	r.done <- nil
}

type streamResult struct {
	global      *Stream
	partitioned *PartitionedStream
	err         error
}

type streamRequest struct {
	partitioned bool
	done        chan streamResult
}

func (r *streamRequest) fail(err error) { r.done <- streamResult{err: err} }

func (r *streamRequest) apply(_ context.Context, e *engine) {
	if e.client == nil {
		r.done <- streamResult{err: fs2kafka.ErrNotSubscribed}
		return
	}
	if e.mux.active() {
		r.done <- streamResult{err: errors.New("kafka: consumer already has an active stream")}
		return
	}
	if r.partitioned {
		r.done <- streamResult{partitioned: e.mux.startPartitioned(e.client, e.currentAssignment())}
		return
	}
	r.done <- streamResult{global: e.mux.startGlobal()}
}

type seekRequest struct {
	tp     fs2kafka.TopicPartition
	offset int64
	done   chan error
}

func (r *seekRequest) fail(err error) { r.done <- err }

func (r *seekRequest) apply(_ context.Context, e *engine) {
	if e.client == nil {
		r.done <- fs2kafka.ErrNotSubscribed
		return
	}
	if r.offset < 0 {
		r.done <- fmt.Errorf("%w: offset %d is negative", fs2kafka.ErrInvalidSeek, r.offset)
		return
	}
	if _, ok := e.assignment[r.tp]; !ok {
		r.done <- fmt.Errorf("%w: partition %s is not assigned", fs2kafka.ErrInvalidSeek, r.tp)
		return
	}
	r.done <- e.client.Seek(r.tp, r.offset)
}

type commitRequest struct {
	offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata
	done    chan error
}

func (r *commitRequest) fail(err error) { r.done <- err }

func (r *commitRequest) apply(_ context.Context, e *engine) {
	if e.client == nil {
		r.done <- fs2kafka.ErrNotSubscribed
		return
	}
	offsets := e.reserveCommit(r.offsets)
	if len(offsets) == 0 {
		r.done <- nil
		return
	}
	// The commit is detached from the engine context so that commits in
	// flight at cancellation still complete or fail explicitly.
	commitCtx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	e.client.CommitAsync(commitCtx, offsets, func(err error) {
		defer cancel()
		e.finishCommit(offsets, err)
		if err == nil {
			e.metrics.recordCommitted(offsets)
		}
		r.done <- err
	})
}

type listOffsetsResult struct {
	offsets map[fs2kafka.TopicPartition]int64
	err     error
}

type listOffsetsRequest struct {
	tps     []fs2kafka.TopicPartition
	end     bool
	timeout time.Duration
	done    chan listOffsetsResult
}

func (r *listOffsetsRequest) fail(err error) { r.done <- listOffsetsResult{err: err} }

func (r *listOffsetsRequest) apply(ctx context.Context, e *engine) {
	if e.client == nil {
		r.done <- listOffsetsResult{err: fs2kafka.ErrNotSubscribed}
		return
	}
	timeout := r.timeout
	if timeout <= 0 {
		timeout = e.cfg.RequestTimeout
	}
	listCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	offsets, err := e.client.ListOffsets(listCtx, r.tps, r.end)
	r.done <- listOffsetsResult{offsets: offsets, err: err}
}

type assignmentRequest struct {
	done chan []fs2kafka.TopicPartition
}

func (r *assignmentRequest) fail(error) { r.done <- nil }

func (r *assignmentRequest) apply(_ context.Context, e *engine) {
	r.done <- e.currentAssignment()
}

// rebalanceRequest carries an assignment change from the client's
// group-session goroutine onto the polling goroutine, where it is
// applied. It has no completion channel; the rebalance has already
// happened.
type rebalanceRequest struct {
	assigned []fs2kafka.TopicPartition
	revoked  []fs2kafka.TopicPartition
}

func (r *rebalanceRequest) fail(error) {}

func (r *rebalanceRequest) apply(_ context.Context, e *engine) {
	if len(r.assigned) > 0 {
		e.applyAssigned(r.assigned)
	}
	if len(r.revoked) > 0 {
		e.applyRevoked(r.revoked)
	}
}

type pingRequest struct {
	done chan error
}

func (r *pingRequest) fail(err error) { r.done <- err }

func (r *pingRequest) apply(ctx context.Context, e *engine) {
	if e.client == nil {
		r.done <- fs2kafka.ErrNotSubscribed
		return
	}
	pingCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	r.done <- e.client.Ping(pingCtx)
}

// engine owns the broker client. Exactly one polling loop runs per
// engine for its whole lifetime, on a dedicated worker goroutine; every
// other goroutine communicates with it through the request channel.
type engine struct {
	cfg     *ConsumerConfig
	logger  *zap.Logger
	factory clientFactory
	metrics *consumerMetrics

	requests chan request
	done     chan struct{}

	// Owned by the polling goroutine.
	client     Client
	mux        *mux
	assignment map[fs2kafka.TopicPartition]struct{}

	// committed tracks the highest committed offset per partition and
	// inflight the highest offset handed to a commit that has not yet
	// completed, so a commit never regresses below either. Written from
	// commit completion callbacks, hence the lock.
	committedMu sync.Mutex
	committed   map[fs2kafka.TopicPartition]int64
	inflight    map[fs2kafka.TopicPartition]int64

	// terminal is set once, before done is closed.
	terminal error
}

func newEngine(cfg *ConsumerConfig, factory clientFactory, metrics *consumerMetrics) *engine {
	return &engine{
		cfg:        cfg,
		logger:     cfg.Logger.Named("engine"),
		factory:    factory,
		metrics:    metrics,
		requests:   make(chan request, requestQueueSize),
		done:       make(chan struct{}),
		mux:        newMux(cfg.Logger, cfg.PartitionBufferSize),
		assignment: make(map[fs2kafka.TopicPartition]struct{}),
	}
}

// run is the polling loop. Each turn drains every queued request,
// applying them serially, and only then, when a subscription and an
// active stream exist, issues one bounded-timeout poll.
func (e *engine) run(ctx context.Context) {
	defer e.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-e.requests:
			req.apply(ctx, e)
			continue
		default:
		}
		if e.client == nil || !e.mux.active() {
			// Nothing to poll for; park until work arrives.
			select {
			case <-ctx.Done():
				return
			case req := <-e.requests:
				req.apply(ctx, e)
			}
			continue
		}
		if err := e.pollOnce(ctx); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			// Poll failures are configuration or broker problems, not
			// transient faults: fail the engine rather than retry.
			e.logger.Error("polling failed, terminating consumer", zap.Error(err))
			e.terminal = err
			return
		}
	}
}

func (e *engine) pollOnce(ctx context.Context) error {
	e.mux.flushPending(e.client)
	records, err := e.client.Poll(ctx, e.cfg.PollTimeout)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	e.metrics.recordFetched(ctx, records)
	msgs := make([]CommittableMessage, len(records))
	for i, record := range records {
		msgs[i] = CommittableMessage{
			Record: record,
			Offset: CommittableOffset{
				topicPartition: record.TopicPartition(),
				// Commit the position just past this record.
				offset: fs2kafka.OffsetAndMetadata{Offset: record.Offset + 1},
				engine: e,
			},
		}
	}
	return e.mux.deliver(ctx, e, msgs)
}

// shutdown tears the engine down: streams are closed (with the terminal
// error, if any), the client is released, and queued requests are
// resolved with the terminal condition rather than dropped.
func (e *engine) shutdown() {
	e.mux.closeAll(e.terminal)
	// done closes before the client: closing a kgo client waits for its
	// lost-partition callbacks, which give up on done.
	close(e.done)
	if e.client != nil {
		e.client.Close()
		e.client = nil
	}
	for {
		select {
		case req := <-e.requests:
			req.fail(e.terminalErr())
		default:
			return
		}
	}
}

func (e *engine) terminalErr() error {
	if e.terminal != nil {
		return e.terminal
	}
	return fs2kafka.ErrConsumerClosed
}

// assigned and revoked implement rebalanceListener. The client invokes
// them on its group-session goroutine, so they only enqueue; the
// polling goroutine applies the change on its next turn, and the mux
// and assignment map are never touched from two goroutines.
func (e *engine) assigned(tps []fs2kafka.TopicPartition) {
	e.enqueueRebalance(&rebalanceRequest{assigned: tps})
}

func (e *engine) revoked(tps []fs2kafka.TopicPartition) {
	e.enqueueRebalance(&rebalanceRequest{revoked: tps})
}

func (e *engine) enqueueRebalance(req *rebalanceRequest) {
	select {
	case e.requests <- req:
	case <-e.done:
	}
}

func (e *engine) applyAssigned(tps []fs2kafka.TopicPartition) {
	e.logger.Info("partitions assigned", zap.Stringers("partitions", tps))
	for _, tp := range tps {
		e.assignment[tp] = struct{}{}
	}
	e.mux.assigned(e.client, tps)
}

func (e *engine) applyRevoked(tps []fs2kafka.TopicPartition) {
	e.logger.Info("partitions revoked", zap.Stringers("partitions", tps))
	for _, tp := range tps {
		delete(e.assignment, tp)
	}
	e.mux.revoked(tps)
}

func (e *engine) currentAssignment() []fs2kafka.TopicPartition {
	tps := make([]fs2kafka.TopicPartition, 0, len(e.assignment))
	for tp := range e.assignment {
		tps = append(tps, tp)
	}
	sort.Slice(tps, func(i, j int) bool {
		if tps[i].Topic != tps[j].Topic {
			return tps[i].Topic < tps[j].Topic
		}
		return tps[i].Partition < tps[j].Partition
	})
	return tps
}

// reserveCommit filters out offsets at or below the highest committed
// or in-flight offset for their partition, and reserves what remains so
// a commit issued behind an in-flight higher one can never reach the
// broker after it.
func (e *engine) reserveCommit(offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata) map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata {
	e.committedMu.Lock()
	defer e.committedMu.Unlock()
	filtered := make(map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata, len(offsets))
	for tp, o := range offsets {
		if committed, ok := e.committed[tp]; ok && o.Offset <= committed {
			continue
		}
		if inflight, ok := e.inflight[tp]; ok && o.Offset <= inflight {
			continue
		}
		if e.inflight == nil {
			e.inflight = make(map[fs2kafka.TopicPartition]int64)
		}
		e.inflight[tp] = o.Offset
		filtered[tp] = o
	}
	return filtered
}

// finishCommit releases a reservation made by reserveCommit, recording
// the offsets as committed on success so a failed commit can be
// retried.
func (e *engine) finishCommit(offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata, err error) {
	e.committedMu.Lock()
	defer e.committedMu.Unlock()
	for tp, o := range offsets {
		// A higher commit may have reserved the partition since.
		if e.inflight[tp] == o.Offset {
			delete(e.inflight, tp)
		}
		if err != nil {
			continue
		}
		if e.committed == nil {
			e.committed = make(map[fs2kafka.TopicPartition]int64)
		}
		if o.Offset > e.committed[tp] {
			e.committed[tp] = o.Offset
		}
	}
}

// send enqueues a request, failing fast if the engine has terminated.
func (e *engine) send(ctx context.Context, req request) error {
	select {
	case e.requests <- req:
		return nil
	case <-e.done:
		return e.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// roundTrip enqueues a request whose completion channel carries an
// error, and waits for it to resolve.
func (e *engine) roundTrip(ctx context.Context, req request, done <-chan error) error {
	if err := e.send(ctx, req); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-e.done:
		return e.terminalErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *engine) commit(ctx context.Context, offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata) error {
	req := &commitRequest{offsets: offsets, done: make(chan error, 1)}
	return e.roundTrip(ctx, req, req.done)
}
