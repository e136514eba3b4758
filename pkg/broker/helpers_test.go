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
	"context"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/novatechflow/ropscale/pkg/backend"
	"github.com/novatechflow/ropscale/pkg/metadata"
	"github.com/novatechflow/ropscale/pkg/protocol"
)

func newTestBroker(t *testing.T) (*Broker, *backend.InMemory, *metadata.InMemoryStore) {
	t.Helper()
	cfg := DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := backend.NewInMemory("127.0.0.1:9876")
	store := metadata.NewInMemoryStore()
	b, err := New(cfg, logger, mem, mem, store, nil)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	mem.OnPublish(b.hold.NotifyPartitionArrival)
	t.Cleanup(b.hold.Stop)
	return b, mem, store
}

func mustPutTopic(t *testing.T, store *metadata.InMemoryStore, name string, queues int32) {
	t.Helper()
	err := store.PutTopicConfig(context.Background(), &metadata.TopicConfig{
		Name:           name,
		ReadQueueNums:  queues,
		WriteQueueNums: queues,
		Perm:           protocol.PermRead | protocol.PermWrite,
	})
	if err != nil {
		t.Fatalf("put topic config: %v", err)
	}
}

func registerConsumer(b *Broker, sess *Session, group, topicName, expr string, version int64) {
	b.consumers.RegisterConsumer(protocol.ConsumerData{
		GroupName:    group,
		MessageModel: protocol.ModelClustering,
		SubscriptionDatas: []protocol.SubscriptionData{
			{Topic: topicName, SubString: expr, SubVersion: version},
		},
	}, sess)
	_ = b.meta.PutSubscriptionGroup(context.Background(), metadata.DefaultSubscriptionGroup(group))
}

func sendCmd(group, topicName string, queueID int32, body []byte, props map[string]string) *protocol.Command {
	cmd := protocol.NewCommand(protocol.SendMessage)
	cmd.SetExt("producerGroup", group)
	cmd.SetExt("topic", topicName)
	cmd.SetExt("queueId", strconv.FormatInt(int64(queueID), 10))
	cmd.SetExt("sysFlag", "0")
	cmd.SetExt("bornTimestamp", "1700000000000")
	cmd.SetExt("flag", "0")
	cmd.SetExt("reconsumeTimes", "0")
	if props != nil {
		cmd.SetExt("properties", protocol.PropertiesToString(props))
	}
	cmd.Body = body
	return cmd
}

func pullCmd(group, topicName string, queueID int32, queueOffset int64, maxNums int32, sysFlag int32) *protocol.Command {
	cmd := protocol.NewCommand(protocol.PullMessage)
	header := &protocol.PullMessageRequestHeader{
		ConsumerGroup: group,
		Topic:         topicName,
		QueueID:       queueID,
		QueueOffset:   queueOffset,
		MaxMsgNums:    maxNums,
		SysFlag:       sysFlag,
		SubVersion:    1,
	}
	header.Encode(cmd)
	return cmd
}

// produce publishes one message through the full send path and returns the
// assigned queue offset.
func produce(t *testing.T, b *Broker, sess *Session, group, topicName string, queueID int32, body []byte, props map[string]string) int64 {
	t.Helper()
	resp := b.handleSend(sess, sendCmd(group, topicName, queueID, body, props))
	if resp.Code != protocol.Success {
		t.Fatalf("send failed: code=%d remark=%q", resp.Code, resp.Remark)
	}
	queueOffset, err := strconv.ParseInt(resp.Ext("queueOffset"), 10, 64)
	if err != nil {
		t.Fatalf("parse queueOffset: %v", err)
	}
	return queueOffset
}
