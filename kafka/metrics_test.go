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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	fs2kafka "github.com/janstenpickle/fs2-kafka"
)

func TestConsumerMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := newConsumerMetrics(mp)
	require.NoError(t, err)

	metrics.recordFetched(context.Background(), []fs2kafka.Record{
		{Topic: "topic", Partition: 0, Offset: 0},
		{Topic: "topic", Partition: 0, Offset: 1},
		{Topic: "topic", Partition: 1, Offset: 0},
	})
	metrics.recordCommitted(map[fs2kafka.TopicPartition]fs2kafka.OffsetAndMetadata{
		{Topic: "topic", Partition: 0}: {Offset: 2},
		{Topic: "topic", Partition: 1}: {Offset: 1},
	})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	fetched := counterValues(t, rm, messagesFetchedCounterKey)
	assert.Equal(t, map[string]int64{
		"topic/0": 2,
		"topic/1": 1,
	}, fetched)

	committed := counterValues(t, rm, offsetsCommittedCounterKey)
	assert.Equal(t, map[string]int64{
		"topic/0": 1,
		"topic/1": 1,
	}, committed)
}

// counterValues collects the data points of a counter, keyed by
// "topic/partition" attributes.
func counterValues(t testing.TB, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()
	values := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		if sm.Scope.Name != instrumentName {
			continue
		}
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				topic, _ := dp.Attributes.Value(attribute.Key("topic"))
				partition, _ := dp.Attributes.Value(attribute.Key("partition"))
				values[topic.AsString()+"/"+partition.Emit()] = dp.Value
			}
		}
	}
	return values
}
