// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package broker

import "github.com/prometheus/client_golang/prometheus"

const statsNamespace = "ropscale"

// Stats mirrors the legacy broker's per-topic and per-group counters as
// prometheus collectors.
type Stats struct {
	topicPutNums    *prometheus.CounterVec
	topicPutSize    *prometheus.CounterVec
	brokerPutNums   prometheus.Counter
	brokerGetNums   prometheus.Counter
	groupGetNums    *prometheus.CounterVec
	groupGetSize    *prometheus.CounterVec
	groupGetLatency *prometheus.HistogramVec
	sendBackNums    *prometheus.CounterVec
	commercialRcv   *prometheus.CounterVec
}

// NewStats builds and registers the collectors.
func NewStats(reg prometheus.Registerer) *Stats {
	s := &Stats{
		topicPutNums: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "topic_put_nums_total",
				Help:      "Messages accepted per topic.",
			},
			[]string{"topic"},
		),
		topicPutSize: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "topic_put_size_bytes_total",
				Help:      "Bytes accepted per topic.",
			},
			[]string{"topic"},
		),
		brokerPutNums: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "broker_put_nums_total",
				Help:      "Messages accepted broker-wide.",
			},
		),
		brokerGetNums: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "broker_get_nums_total",
				Help:      "Messages delivered broker-wide.",
			},
		),
		groupGetNums: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "group_get_nums_total",
				Help:      "Messages delivered per group and topic.",
			},
			[]string{"group", "topic"},
		),
		groupGetSize: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "group_get_size_bytes_total",
				Help:      "Bytes delivered per group and topic.",
			},
			[]string{"group", "topic"},
		),
		groupGetLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: statsNamespace,
				Name:      "group_get_latency_ms",
				Help:      "Store-to-delivery latency in milliseconds.",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"group", "topic"},
		),
		sendBackNums: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "send_back_nums_total",
				Help:      "Consumer send-back requests per group and topic.",
			},
			[]string{"group", "topic"},
		),
		commercialRcv: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: statsNamespace,
				Name:      "commercial_rcv_total",
				Help:      "Billable receive units per group, topic, and result.",
			},
			[]string{"group", "topic", "result"},
		),
	}
	if reg != nil {
		reg.MustRegister(
			s.topicPutNums, s.topicPutSize, s.brokerPutNums, s.brokerGetNums,
			s.groupGetNums, s.groupGetSize, s.groupGetLatency, s.sendBackNums,
			s.commercialRcv,
		)
	}
	return s
}

func (s *Stats) incTopicPut(topicName string, msgNum, wroteBytes int) {
	if s == nil {
		return
	}
	s.topicPutNums.WithLabelValues(topicName).Add(float64(msgNum))
	s.topicPutSize.WithLabelValues(topicName).Add(float64(wroteBytes))
	s.brokerPutNums.Add(float64(msgNum))
}

func (s *Stats) incGroupGet(group, topicName string, msgNum, size int) {
	if s == nil {
		return
	}
	s.groupGetNums.WithLabelValues(group, topicName).Add(float64(msgNum))
	s.groupGetSize.WithLabelValues(group, topicName).Add(float64(size))
	s.brokerGetNums.Add(float64(msgNum))
}

func (s *Stats) observeGetLatency(group, topicName string, millis float64) {
	if s == nil {
		return
	}
	s.groupGetLatency.WithLabelValues(group, topicName).Observe(millis)
}

func (s *Stats) incSendBack(group, topicName string) {
	if s == nil {
		return
	}
	s.sendBackNums.WithLabelValues(group, topicName).Inc()
}

func (s *Stats) incCommercialRcv(group, topicName, result string, units int) {
	if s == nil {
		return
	}
	s.commercialRcv.WithLabelValues(group, topicName, result).Add(float64(units))
}
