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

// Package metadata holds the broker's view of externally persisted state:
// topic configurations, subscription-group configurations, and consumer
// offsets. The broker core only reads and writes through the Store
// interface; durability lives behind it.
package metadata

import (
	"context"
	"errors"
)

// TopicConfig describes one legacy topic.
type TopicConfig struct {
	Name           string `json:"name"`
	ReadQueueNums  int32  `json:"readQueueNums"`
	WriteQueueNums int32  `json:"writeQueueNums"`
	Perm           int32  `json:"perm"`
	TopicSysFlag   int32  `json:"topicSysFlag"`
}

// SubscriptionGroupConfig describes one consumer group's server-side
// settings.
type SubscriptionGroupConfig struct {
	GroupName              string `json:"groupName"`
	ConsumeEnable          bool   `json:"consumeEnable"`
	ConsumeBroadcastEnable bool   `json:"consumeBroadcastEnable"`
	RetryQueueNums         int32  `json:"retryQueueNums"`
	RetryMaxTimes          int32  `json:"retryMaxTimes"`
	BrokerID               int64  `json:"brokerId"`
}

// DefaultSubscriptionGroup fills the settings a group gets on first use.
func DefaultSubscriptionGroup(group string) *SubscriptionGroupConfig {
	return &SubscriptionGroupConfig{
		GroupName:              group,
		ConsumeEnable:          true,
		ConsumeBroadcastEnable: true,
		RetryQueueNums:         1,
		RetryMaxTimes:          16,
	}
}

// ErrNotFound is returned by lookups for unknown keys.
var ErrNotFound = errors.New("metadata: not found")

// Store is the external-manager surface the broker core depends on.
type Store interface {
	// TopicConfig returns a topic's configuration, or ErrNotFound.
	TopicConfig(ctx context.Context, name string) (*TopicConfig, error)
	// PutTopicConfig creates or replaces a topic configuration.
	PutTopicConfig(ctx context.Context, cfg *TopicConfig) error
	// EnsureTopic returns the existing configuration or creates one with
	// the given queue count and permissions, as the send-back path does.
	EnsureTopic(ctx context.Context, name string, queueNums int32, perm int32) (*TopicConfig, error)

	// SubscriptionGroup returns a group's configuration, or ErrNotFound.
	SubscriptionGroup(ctx context.Context, group string) (*SubscriptionGroupConfig, error)
	// PutSubscriptionGroup creates or replaces a group configuration.
	PutSubscriptionGroup(ctx context.Context, cfg *SubscriptionGroupConfig) error

	// CommitOffset persists a consumer's committed queue offset.
	CommitOffset(ctx context.Context, clientAddr, group, topicName string, queueID int32, offset int64) error
	// CommittedOffset reads back the committed offset; -1 when absent.
	CommittedOffset(ctx context.Context, group, topicName string, queueID int32) (int64, error)
}
