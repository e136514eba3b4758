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

package metadata

import (
	"context"
	"fmt"
	"sync"
)

// InMemoryStore is a Store backed by in-process maps. Useful for tests and
// standalone runs.
type InMemoryStore struct {
	mu      sync.RWMutex
	topics  map[string]*TopicConfig
	groups  map[string]*SubscriptionGroupConfig
	offsets map[string]int64
}

// NewInMemoryStore builds an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		topics:  make(map[string]*TopicConfig),
		groups:  make(map[string]*SubscriptionGroupConfig),
		offsets: make(map[string]int64),
	}
}

// TopicConfig implements Store.
func (s *InMemoryStore) TopicConfig(ctx context.Context, name string) (*TopicConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.topics[name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

// PutTopicConfig implements Store.
func (s *InMemoryStore) PutTopicConfig(ctx context.Context, cfg *TopicConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cfg
	s.topics[cfg.Name] = &clone
	return nil
}

// EnsureTopic implements Store.
func (s *InMemoryStore) EnsureTopic(ctx context.Context, name string, queueNums int32, perm int32) (*TopicConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.topics[name]; ok {
		clone := *cfg
		return &clone, nil
	}
	cfg := &TopicConfig{
		Name:           name,
		ReadQueueNums:  queueNums,
		WriteQueueNums: queueNums,
		Perm:           perm,
	}
	s.topics[name] = cfg
	clone := *cfg
	return &clone, nil
}

// SubscriptionGroup implements Store.
func (s *InMemoryStore) SubscriptionGroup(ctx context.Context, group string) (*SubscriptionGroupConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.groups[group]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

// PutSubscriptionGroup implements Store.
func (s *InMemoryStore) PutSubscriptionGroup(ctx context.Context, cfg *SubscriptionGroupConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *cfg
	s.groups[cfg.GroupName] = &clone
	return nil
}

func offsetMapKey(group, topicName string, queueID int32) string {
	return fmt.Sprintf("%s/%s/%d", group, topicName, queueID)
}

// CommitOffset implements Store.
func (s *InMemoryStore) CommitOffset(ctx context.Context, clientAddr, group, topicName string, queueID int32, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets[offsetMapKey(group, topicName, queueID)] = offset
	return nil
}

// CommittedOffset implements Store.
func (s *InMemoryStore) CommittedOffset(ctx context.Context, group, topicName string, queueID int32) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	offset, ok := s.offsets[offsetMapKey(group, topicName, queueID)]
	if !ok {
		return -1, nil
	}
	return offset, nil
}
