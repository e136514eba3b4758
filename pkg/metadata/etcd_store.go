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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStoreConfig defines how we connect to etcd.
type EtcdStoreConfig struct {
	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration
}

// EtcdStore persists topic configurations, subscription groups, and
// consumer offsets in etcd. Values are JSON blobs.
type EtcdStore struct {
	client *clientv3.Client
}

type committedOffsetRecord struct {
	Offset      int64  `json:"offset"`
	ClientAddr  string `json:"clientAddr"`
	CommittedAt string `json:"committedAt"`
}

// NewEtcdStore connects to etcd and returns a Store.
func NewEtcdStore(cfg EtcdStoreConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("metadata: etcd endpoints required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("metadata: connect etcd: %w", err)
	}
	return &EtcdStore{client: cli}, nil
}

// Close releases the etcd client.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

func topicConfigKey(name string) string {
	return "/ropscale/topics/" + name + "/config"
}

func subscriptionGroupKey(group string) string {
	return "/ropscale/groups/" + group + "/config"
}

func committedOffsetKey(group, topicName string, queueID int32) string {
	return fmt.Sprintf("/ropscale/consumers/%s/offsets/%s/%d", group, topicName, queueID)
}

func (s *EtcdStore) getJSON(ctx context.Context, key string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := s.client.Get(ctx, key)
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 {
		return ErrNotFound
	}
	return json.Unmarshal(resp.Kvs[0].Value, out)
}

func (s *EtcdStore) putJSON(ctx context.Context, key string, in any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err = s.client.Put(ctx, key, string(payload))
	return err
}

// TopicConfig implements Store.
func (s *EtcdStore) TopicConfig(ctx context.Context, name string) (*TopicConfig, error) {
	var cfg TopicConfig
	if err := s.getJSON(ctx, topicConfigKey(name), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutTopicConfig implements Store.
func (s *EtcdStore) PutTopicConfig(ctx context.Context, cfg *TopicConfig) error {
	if cfg == nil || cfg.Name == "" {
		return errors.New("metadata: topic name required")
	}
	return s.putJSON(ctx, topicConfigKey(cfg.Name), cfg)
}

// EnsureTopic implements Store. Creation races resolve through an etcd
// transaction: the first writer wins, later callers read the winner back.
func (s *EtcdStore) EnsureTopic(ctx context.Context, name string, queueNums int32, perm int32) (*TopicConfig, error) {
	if existing, err := s.TopicConfig(ctx, name); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	cfg := &TopicConfig{
		Name:           name,
		ReadQueueNums:  queueNums,
		WriteQueueNums: queueNums,
		Perm:           perm,
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	key := topicConfigKey(name)
	txnCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := s.client.Txn(txnCtx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(payload))).
		Commit()
	if err != nil {
		return nil, err
	}
	if !resp.Succeeded {
		return s.TopicConfig(ctx, name)
	}
	return cfg, nil
}

// SubscriptionGroup implements Store.
func (s *EtcdStore) SubscriptionGroup(ctx context.Context, group string) (*SubscriptionGroupConfig, error) {
	var cfg SubscriptionGroupConfig
	if err := s.getJSON(ctx, subscriptionGroupKey(group), &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PutSubscriptionGroup implements Store.
func (s *EtcdStore) PutSubscriptionGroup(ctx context.Context, cfg *SubscriptionGroupConfig) error {
	if cfg == nil || cfg.GroupName == "" {
		return errors.New("metadata: group name required")
	}
	return s.putJSON(ctx, subscriptionGroupKey(cfg.GroupName), cfg)
}

// CommitOffset implements Store.
func (s *EtcdStore) CommitOffset(ctx context.Context, clientAddr, group, topicName string, queueID int32, offset int64) error {
	rec := committedOffsetRecord{
		Offset:      offset,
		ClientAddr:  clientAddr,
		CommittedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	return s.putJSON(ctx, committedOffsetKey(group, topicName, queueID), rec)
}

// CommittedOffset implements Store.
func (s *EtcdStore) CommittedOffset(ctx context.Context, group, topicName string, queueID int32) (int64, error) {
	var rec committedOffsetRecord
	err := s.getJSON(ctx, committedOffsetKey(group, topicName, queueID), &rec)
	if errors.Is(err, ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Offset, nil
}

// DeleteTopic removes a topic configuration and its committed offsets.
func (s *EtcdStore) DeleteTopic(ctx context.Context, name string) error {
	delCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.client.Delete(delCtx, "/ropscale/topics/"+name+"/", clientv3.WithPrefix()); err != nil {
		return err
	}
	getCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	resp, err := s.client.Get(getCtx, "/ropscale/consumers/", clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return err
	}
	for _, kv := range resp.Kvs {
		key := string(kv.Key)
		if !matchesOffsetTopic(key, name) {
			continue
		}
		delCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		_, delErr := s.client.Delete(delCtx, key)
		cancel()
		if delErr != nil {
			return delErr
		}
	}
	return nil
}

func matchesOffsetTopic(key, topicName string) bool {
	marker := "/offsets/" + topicName + "/"
	idx := len(key)
	for i := 0; i+len(marker) <= len(key); i++ {
		if key[i:i+len(marker)] == marker {
			idx = i + len(marker)
			break
		}
	}
	if idx >= len(key) {
		return false
	}
	_, err := strconv.Atoi(key[idx:])
	return err == nil
}
