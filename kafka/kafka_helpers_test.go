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
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kfake"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

func zapTest(t testing.TB, opts ...zaptest.LoggerOption) *zap.Logger {
	t.Helper()
	if len(opts) == 0 {
		opts = append(opts, zaptest.Level(zap.InfoLevel))
	}
	return zaptest.NewLogger(t, opts...)
}

func newConsumer(t testing.TB, cfg ConsumerConfig) *Consumer {
	t.Helper()
	if cfg.PollTimeout <= 0 {
		// Lower PollTimeout to speed up execution.
		cfg.PollTimeout = 50 * time.Millisecond
	}
	consumer, err := NewConsumer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, consumer.Close())
	})
	return consumer
}

func newFakeCluster(t testing.TB) (*kfake.Cluster, CommonConfig) {
	t.Helper()
	cluster, err := kfake.NewCluster(
		// Just one broker to simplify dealing with sharded requests.
		kfake.NumBrokers(1),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster, CommonConfig{
		Brokers: cluster.ListenAddrs(),
		Logger:  zap.NewNop(),
	}
}

func newCluster(t testing.TB, partitions int32, topics ...string) *kfake.Cluster {
	t.Helper()
	cluster, err := kfake.NewCluster(
		kfake.NumBrokers(1),
		kfake.SeedTopics(partitions, topics...),
	)
	require.NoError(t, err)
	t.Cleanup(cluster.Close)
	return cluster
}

func newClusterAddrWithTopics(t testing.TB, partitions int32, topics ...string) []string {
	t.Helper()
	return newCluster(t, partitions, topics...).ListenAddrs()
}

func newProducer(t testing.TB, addrs []string) *kgo.Client {
	t.Helper()
	client, err := kgo.NewClient(
		kgo.SeedBrokers(addrs...),
		// Reduce the max wait time to speed up tests.
		kgo.FetchMaxWait(100*time.Millisecond),
		// Honor the partition set explicitly on produced records.
		kgo.RecordPartitioner(kgo.ManualPartitioner()),
	)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func newClusterWithTopics(t testing.TB, partitions int32, topics ...string) (*kgo.Client, []string) {
	t.Helper()
	addrs := newClusterAddrWithTopics(t, partitions, topics...)
	return newProducer(t, addrs), addrs
}

func produceRecord(ctx context.Context, t testing.TB, c *kgo.Client, r *kgo.Record) {
	t.Helper()
	results := c.ProduceSync(ctx, r)
	assert.NoError(t, results.FirstErr())
	r, err := results.First()
	assert.NoError(t, err)
	assert.NotNil(t, r)
}

// produceN produces n records to the given topic, round robin over the
// partitions, values "0".."n-1".
func produceN(ctx context.Context, t testing.TB, c *kgo.Client, topic string, partitions int32, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		produceRecord(ctx, t, c, &kgo.Record{
			Topic:     topic,
			Partition: int32(i) % partitions,
			Value:     []byte(strconv.Itoa(i)),
		})
	}
}

// drain receives messages from the stream until n have been received or
// the timeout elapses.
func drain(t testing.TB, s *Stream, n int, timeout time.Duration) []CommittableMessage {
	t.Helper()
	msgs := make([]CommittableMessage, 0, n)
	deadline := time.After(timeout)
	for len(msgs) < n {
		select {
		case msg, ok := <-s.C():
			if !ok {
				t.Fatalf("stream closed after %d of %d messages: %v", len(msgs), n, s.Err())
			}
			msgs = append(msgs, msg)
		case <-deadline:
			t.Fatalf("timed out waiting for messages, got %d of %d", len(msgs), n)
		}
	}
	return msgs
}

// fetchCommitted returns the committed offset per partition for the
// given group, using a separate admin connection.
func fetchCommitted(ctx context.Context, t testing.TB, brokers []string, group string) map[fs2kafka.TopicPartition]int64 {
	t.Helper()
	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	require.NoError(t, err)
	defer client.Close()

	res, err := kadm.NewClient(client).FetchOffsets(ctx, group)
	require.NoError(t, err)

	offsets := make(map[fs2kafka.TopicPartition]int64)
	res.Offsets().Each(func(o kadm.Offset) {
		offsets[fs2kafka.TopicPartition{
			Topic:     fs2kafka.Topic(o.Topic),
			Partition: o.Partition,
		}] = o.At
	})
	return offsets
}

// waitForAssignment blocks until the consumer has joined the group and
// holds at least n partitions.
func waitForAssignment(ctx context.Context, t testing.TB, consumer *Consumer, n int) []fs2kafka.TopicPartition {
	t.Helper()
	var tps []fs2kafka.TopicPartition
	require.Eventually(t, func() bool {
		var err error
		tps, err = consumer.Assignment(ctx)
		return err == nil && len(tps) >= n
	}, 10*time.Second, 10*time.Millisecond)
	return tps
}
