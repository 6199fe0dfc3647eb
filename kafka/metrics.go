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
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

const (
	instrumentName = "github.com/janstenpickle/fs2-kafka/kafka"

	unitCount = "1"

	messagesFetchedCounterKey  = "consumer.messages.fetched"
	offsetsCommittedCounterKey = "consumer.offsets.committed"
)

type consumerMetrics struct {
	messagesFetched  metric.Int64Counter
	offsetsCommitted metric.Int64Counter
}

func newConsumerMetrics(mp metric.MeterProvider) (*consumerMetrics, error) {
	m := mp.Meter(instrumentName)

	messagesFetched, err := m.Int64Counter(
		messagesFetchedCounterKey,
		metric.WithDescription("The number of messages fetched from the broker"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s metric: %w", messagesFetchedCounterKey, err)
	}

	offsetsCommitted, err := m.Int64Counter(
		offsetsCommittedCounterKey,
		metric.WithDescription("The number of partition offsets committed"),
		metric.WithUnit(unitCount),
	)
	if err != nil {
		return nil, fmt.Errorf("cannot create %s metric: %w", offsetsCommittedCounterKey, err)
	}

	return &consumerMetrics{
		messagesFetched:  messagesFetched,
		offsetsCommitted: offsetsCommitted,
	}, nil
}

func (m *consumerMetrics) recordFetched(ctx context.Context, records []fs2kafka.Record) {
	counts := make(map[fs2kafka.TopicPartition]int64)
	for _, r := range records {
		counts[r.TopicPartition()]++
	}
	for tp, n := range counts {
		m.messagesFetched.Add(ctx, n, metric.WithAttributes(
			attribute.String("topic", string(tp.Topic)),
			attribute.Int("partition", int(tp.Partition)),
		))
	}
}

func (m *consumerMetrics) recordCommitted(offsets map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata) {
	for tp := range offsets {
		m.offsetsCommitted.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", string(tp.Topic)),
			attribute.Int("partition", int(tp.Partition)),
		))
	}
}
