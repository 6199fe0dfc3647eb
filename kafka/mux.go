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
	"sync"

	"go.uber.org/zap"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

// Stream is an ordered sequence of committable messages. The channel
// returned by C is closed when the stream terminates; Err reports why.
type Stream struct {
	c chan CommittableMessage

	mu  sync.Mutex
	err error
}

// C returns the message channel. It is closed on engine failure,
// consumer close, or cancellation.
func (s *Stream) C() <-chan CommittableMessage { return s.c }

// Err returns the terminal error, if any, once C is closed.
// Cancellation and clean shutdown are not errors.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Stream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.c)
}

// PartitionStream carries the records of a single assigned partition,
// in fetch order. It opens when the partition is assigned and its
// channel closes cleanly when the partition is revoked.
type PartitionStream struct {
	tp fs2kafka.TopicPartition
	c  chan CommittableMessage

	mu  sync.Mutex
	err error
}

// TopicPartition returns the partition this stream carries.
func (s *PartitionStream) TopicPartition() fs2kafka.TopicPartition { return s.tp }

// C returns the message channel. It is closed when the partition is
// revoked (no error) or the engine terminates.
func (s *PartitionStream) C() <-chan CommittableMessage { return s.c }

// Err returns the terminal error, if any, once C is closed. Revocation
// is not an error.
func (s *PartitionStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *PartitionStream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.c)
}

// PartitionedStream is a stream of per-partition streams: one
// PartitionStream is emitted for every (re-)assignment. Callers merge
// the emitted streams with a concurrency bound derived from the number
// of assigned partitions, e.g. via MergePartitions.
type PartitionedStream struct {
	c chan *PartitionStream

	mu  sync.Mutex
	err error
}

// C returns the channel of newly assigned partition streams.
func (s *PartitionedStream) C() <-chan *PartitionStream { return s.c }

// Err returns the terminal error, if any, once C is closed.
func (s *PartitionedStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *PartitionedStream) close(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.c)
}

type muxMode int

const (
	muxNone muxMode = iota
	muxGlobal
	muxPartitioned
)

// mux fans polled records out to the active stream shape. Every method
// runs on the polling goroutine; the only concurrency it faces is
// readers draining stream channels.
type mux struct {
	logger  *zap.Logger
	bufSize int

	mode        muxMode
	global      *Stream
	partitioned *PartitionedStream
	streams     map[fs2kafka.TopicPartition]*PartitionStream

	// pending holds records that couldn't be buffered because a
	// partition stream was full. Its partition is paused on the client
	// until the backlog drains, propagating demand upstream.
	pending map[fs2kafka.TopicPartition][]CommittableMessage
	paused  map[fs2kafka.TopicPartition]struct{}

	// dropped holds partitions whose stream could not be handed to a
	// lagging subscriber. They stay paused on the client until a later
	// assignment opens a stream for them.
	dropped map[fs2kafka.TopicPartition]struct{}

	closed bool
}

func newMux(logger *zap.Logger, bufSize int) *mux {
	return &mux{
		logger:  logger.Named("mux"),
		bufSize: bufSize,
		streams: make(map[fs2kafka.TopicPartition]*PartitionStream),
		pending: make(map[fs2kafka.TopicPartition][]CommittableMessage),
		paused:  make(map[fs2kafka.TopicPartition]struct{}),
		dropped: make(map[fs2kafka.TopicPartition]struct{}),
	}
}

func (m *mux) active() bool { return m.mode != muxNone }

// startGlobal switches the mux into global mode and returns the single
// ordered stream.
func (m *mux) startGlobal() *Stream {
	m.mode = muxGlobal
	m.global = &Stream{c: make(chan CommittableMessage, m.bufSize)}
	return m.global
}

// startPartitioned switches the mux into partitioned mode, opening a
// stream for every currently assigned partition.
func (m *mux) startPartitioned(client Client, assigned []fs2kafka.TopicPartition) *PartitionedStream {
	m.mode = muxPartitioned
	m.partitioned = &PartitionedStream{c: make(chan *PartitionStream, 128)}
	m.assigned(client, assigned)
	return m.partitioned
}

// assigned opens a stream per newly assigned partition. Runs on the
// polling goroutine, at stream start and when a rebalance is applied.
func (m *mux) assigned(client Client, tps []fs2kafka.TopicPartition) {
	if m.mode != muxPartitioned || m.closed {
		return
	}
	for _, tp := range tps {
		if _, ok := m.streams[tp]; ok {
			m.logger.Warn("stream already exists for assigned partition",
				zap.String("partition", tp.String()))
			continue
		}
		stream := &PartitionStream{tp: tp, c: make(chan CommittableMessage, m.bufSize)}
		select {
		case m.partitioned.c <- stream:
			m.streams[tp] = stream
			if _, wasDropped := m.dropped[tp]; wasDropped {
				delete(m.dropped, tp)
				client.Resume(tp)
			}
		default:
			// The subscriber is not keeping up with assignments. Drop
			// the stream and pause the partition; nothing would consume
			// its records until a later assignment is handed over.
			m.logger.Warn("partitioned stream subscriber lagging, dropping assignment",
				zap.String("partition", tp.String()))
			m.dropped[tp] = struct{}{}
			client.Pause(tp)
		}
	}
}

// revoked terminates the streams of revoked partitions cleanly and
// drops any backlog they had.
func (m *mux) revoked(tps []fs2kafka.TopicPartition) {
	if m.mode != muxPartitioned || m.closed {
		return
	}
	for _, tp := range tps {
		delete(m.pending, tp)
		delete(m.paused, tp)
		if stream, ok := m.streams[tp]; ok {
			delete(m.streams, tp)
			stream.close(nil)
		}
	}
}

// deliver forwards polled messages downstream. In global mode the send
// blocks, pacing the polling loop to downstream demand, while queued
// requests keep being served: the subscriber the loop is waiting on
// must still be able to commit. In partitioned mode a full stream
// buffer pauses that partition instead, so one slow partition never
// stalls the others.
func (m *mux) deliver(ctx context.Context, e *engine, msgs []CommittableMessage) error {
	switch m.mode {
	case muxGlobal:
		for _, msg := range msgs {
			for sent := false; !sent; {
				select {
				case m.global.c <- msg:
					sent = true
				case req := <-e.requests:
					req.apply(ctx, e)
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	case muxPartitioned:
		for _, msg := range msgs {
			tp := msg.Record.TopicPartition()
			stream, ok := m.streams[tp]
			if !ok {
				// Assigned after records were in flight, or revoked
				// mid-poll. Re-delivery happens after the next
				// rebalance; dropping here keeps at-least-once intact.
				continue
			}
			if _, isPaused := m.paused[tp]; isPaused {
				m.pending[tp] = append(m.pending[tp], msg)
				continue
			}
			select {
			case stream.c <- msg:
			default:
				m.pending[tp] = append(m.pending[tp], msg)
				m.paused[tp] = struct{}{}
				e.client.Pause(tp)
				m.logger.Debug("paused partition due to backpressure",
					zap.String("partition", tp.String()))
			}
		}
	}
	return nil
}

// flushPending drains backlogs of paused partitions before the next
// poll, resuming the partitions that empty out.
func (m *mux) flushPending(client Client) {
	if len(m.pending) == 0 {
		return
	}
	var toResume []fs2kafka.TopicPartition
	for tp, msgs := range m.pending {
		stream, ok := m.streams[tp]
		if !ok {
			delete(m.pending, tp)
			delete(m.paused, tp)
			continue
		}
		dispatched := 0
	drain:
		for _, msg := range msgs {
			select {
			case stream.c <- msg:
				dispatched++
			default:
				break drain
			}
		}
		if dispatched == len(msgs) {
			delete(m.pending, tp)
			delete(m.paused, tp)
			toResume = append(toResume, tp)
		} else {
			m.pending[tp] = msgs[dispatched:]
		}
	}
	if len(toResume) > 0 {
		client.Resume(toResume...)
		for _, tp := range toResume {
			m.logger.Debug("resumed partition after backpressure drain",
				zap.String("partition", tp.String()))
		}
	}
}

// closeAll terminates every stream. A nil err means cancellation or
// clean shutdown; a non-nil err is propagated to all subscribers.
func (m *mux) closeAll(err error) {
	if m.closed {
		return
	}
	m.closed = true
	if m.global != nil {
		m.global.close(err)
	}
	for tp, stream := range m.streams {
		delete(m.streams, tp)
		stream.close(err)
	}
	if m.partitioned != nil {
		m.partitioned.close(err)
	}
}
