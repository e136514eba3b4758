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

import (
	"log/slog"
	"sync"

	"github.com/novatechflow/ropscale/pkg/filter"
	"github.com/novatechflow/ropscale/pkg/protocol"
)

// ConsumerGroupInfo tracks one group's live channels and subscriptions.
// Heartbeats mutate it; the pull pipeline reads it.
type ConsumerGroupInfo struct {
	Group string

	mu            sync.RWMutex
	model         string
	subscriptions map[string]*filter.Subscription
	channels      map[string]*Session
}

// Model returns the group's consume model.
func (g *ConsumerGroupInfo) Model() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.model
}

// Subscription returns the stored subscription for a topic, or nil.
func (g *ConsumerGroupInfo) Subscription(topicName string) *filter.Subscription {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.subscriptions[topicName]
}

// Channel returns the session registered under connID, or nil.
func (g *ConsumerGroupInfo) Channel(connID string) *Session {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.channels[connID]
}

// ChannelCount returns the number of live channels.
func (g *ConsumerGroupInfo) ChannelCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.channels)
}

// ConsumerManager owns the heartbeat-maintained consumer group table.
type ConsumerManager struct {
	log *slog.Logger

	mu     sync.RWMutex
	groups map[string]*ConsumerGroupInfo
}

// NewConsumerManager builds an empty manager.
func NewConsumerManager(log *slog.Logger) *ConsumerManager {
	return &ConsumerManager{
		log:    log,
		groups: make(map[string]*ConsumerGroupInfo),
	}
}

// GroupInfo returns the group's live info, or nil when no channel has
// registered it.
func (m *ConsumerManager) GroupInfo(group string) *ConsumerGroupInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[group]
}

// RegisterConsumer applies one heartbeat's consumer data: the channel joins
// the group and newer subscription versions replace stored ones.
func (m *ConsumerManager) RegisterConsumer(data protocol.ConsumerData, sess *Session) {
	m.mu.Lock()
	info, ok := m.groups[data.GroupName]
	if !ok {
		info = &ConsumerGroupInfo{
			Group:         data.GroupName,
			subscriptions: make(map[string]*filter.Subscription),
			channels:      make(map[string]*Session),
		}
		m.groups[data.GroupName] = info
	}
	m.mu.Unlock()

	info.mu.Lock()
	defer info.mu.Unlock()
	info.model = data.MessageModel
	info.channels[sess.ConnID()] = sess
	for _, subData := range data.SubscriptionDatas {
		stored := info.subscriptions[subData.Topic]
		if stored != nil && stored.Version >= subData.SubVersion {
			continue
		}
		sub, err := filter.Build(subData.Topic, subData.SubString, subData.ExpressionType)
		if err != nil {
			m.log.Warn("drop unparsable subscription",
				"group", data.GroupName, "topic", subData.Topic, "expression", subData.SubString, "err", err)
			continue
		}
		sub.Version = subData.SubVersion
		info.subscriptions[subData.Topic] = sub
	}
}

// UnregisterChannel removes a disconnecting session from every group and
// destroys groups whose last channel left.
func (m *ConsumerManager) UnregisterChannel(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for group, info := range m.groups {
		info.mu.Lock()
		delete(info.channels, sess.ConnID())
		empty := len(info.channels) == 0
		info.mu.Unlock()
		if empty {
			delete(m.groups, group)
			m.log.Info("consumer group destroyed", "group", group)
		}
	}
}

// UnregisterConsumer removes a session from one group explicitly.
func (m *ConsumerManager) UnregisterConsumer(group string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.groups[group]
	if !ok {
		return
	}
	info.mu.Lock()
	delete(info.channels, sess.ConnID())
	empty := len(info.channels) == 0
	info.mu.Unlock()
	if empty {
		delete(m.groups, group)
	}
}
