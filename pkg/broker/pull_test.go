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
	"strconv"
	"testing"

	"github.com/novatechflow/ropscale/pkg/metadata"
	"github.com/novatechflow/ropscale/pkg/offset"
	"github.com/novatechflow/ropscale/pkg/protocol"
	"github.com/novatechflow/ropscale/pkg/topic"
)

func TestPullHappyPath(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)

	offsets := make([]int64, 0, 3)
	for _, body := range []string{"m1", "m2", "m3"} {
		offsets = append(offsets, produce(t, b, sess, "pg", "orders", 0, []byte(body), nil))
	}
	if !(offsets[0] < offsets[1] && offsets[1] < offsets[2]) {
		t.Fatalf("offsets not increasing: %v", offsets)
	}

	resp := b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp == nil || resp.Code != protocol.Success {
		t.Fatalf("pull: %+v", resp)
	}
	next, _ := strconv.ParseInt(resp.Ext("nextBeginOffset"), 10, 64)
	if next != offsets[2] {
		t.Fatalf("nextBeginOffset = %d want %d", next, offsets[2])
	}

	// The body is the three store frames back to back.
	frames := 0
	rest := resp.Body
	for len(rest) >= 4 {
		msg, err := protocol.DecodeMessage(rest[:frameLen(rest)])
		if err != nil {
			t.Fatalf("decode frame %d: %v", frames, err)
		}
		if msg.QueueOffset != offsets[frames] {
			t.Fatalf("frame %d queue offset = %d want %d", frames, msg.QueueOffset, offsets[frames])
		}
		rest = rest[frameLen(rest):]
		frames++
	}
	if frames != 3 {
		t.Fatalf("frames = %d", frames)
	}
}

func frameLen(buf []byte) int {
	return int(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3]))
}

func TestPullPreconditionOrder(t *testing.T) {
	b, _, store := newTestBroker(t)
	sess := newSession(b, nil)

	// Unknown subscription group short-circuits first.
	resp := b.handlePull(sess, pullCmd("nobody", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.SubscriptionGroupNotExist {
		t.Fatalf("code = %d", resp.Code)
	}

	// Consume disabled.
	if err := store.PutSubscriptionGroup(context.Background(), &metadata.SubscriptionGroupConfig{
		GroupName: "g", ConsumeEnable: false, RetryQueueNums: 1, RetryMaxTimes: 16,
	}); err != nil {
		t.Fatalf("put group: %v", err)
	}
	resp = b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.NoPermission {
		t.Fatalf("code = %d", resp.Code)
	}

	// Topic missing.
	if err := store.PutSubscriptionGroup(context.Background(), metadata.DefaultSubscriptionGroup("g")); err != nil {
		t.Fatalf("put group: %v", err)
	}
	resp = b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.TopicNotExist {
		t.Fatalf("code = %d", resp.Code)
	}

	// Queue id out of range.
	mustPutTopic(t, store, "orders", 4)
	resp = b.handlePull(sess, pullCmd("g", "orders", 9, 0, 10, 0), true)
	if resp.Code != protocol.SystemError {
		t.Fatalf("code = %d", resp.Code)
	}

	// No group info registered yet.
	resp = b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.SubscriptionNotExist {
		t.Fatalf("code = %d", resp.Code)
	}
}

func TestPullBrokerNotReadable(t *testing.T) {
	b, _, _ := newTestBroker(t)
	b.cfg.BrokerPermission = protocol.PermWrite
	sess := newSession(b, nil)
	resp := b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.NoPermission {
		t.Fatalf("code = %d", resp.Code)
	}
}

func TestPullSubscriptionNotLatestSkipsBackend(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)

	cmd := pullCmd("g", "orders", 0, 0, 10, 0)
	cmd.SetExt("subVersion", "99")
	resp := b.handlePull(sess, cmd, true)
	if resp.Code != protocol.SubscriptionNotLatest {
		t.Fatalf("code = %d", resp.Code)
	}

	sess.mu.Lock()
	readers := len(sess.readers)
	sess.mu.Unlock()
	if readers != 0 {
		t.Fatalf("stale-version pull touched the backend: %d readers", readers)
	}
}

func TestPullInlineSubscriptionParseFailure(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagSubscription)
	cmd.SetExt("subscription", "region = ")
	cmd.SetExt("expressionType", "SQL92")
	resp := b.handlePull(sess, cmd, true)
	if resp.Code != protocol.SubscriptionParseFailed {
		t.Fatalf("code = %d", resp.Code)
	}
}

func TestPullUnregisteredChannelRetries(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	registered := newSession(b, nil)
	registerConsumer(b, registered, "g", "orders", "*", 1)

	// A different connection that never heartbeated.
	stranger := newSession(b, nil)
	resp := b.handlePull(stranger, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.PullRetryImmediately {
		t.Fatalf("code = %d", resp.Code)
	}
	if resp.Remark != "store getMessage return null" {
		t.Fatalf("remark = %q", resp.Remark)
	}
}

func TestPullNotFoundWithoutSuspend(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)

	resp := b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp == nil || resp.Code != protocol.PullNotFound {
		t.Fatalf("pull: %+v", resp)
	}
}

func TestPullOffsetTooSmall(t *testing.T) {
	b, mem, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)

	// Queue 1, so even the first entry's encoded offset classifies Exact.
	requested := produce(t, b, sess, "pg", "orders", 1, []byte("expired"), nil)
	earliest := produce(t, b, sess, "pg", "orders", 1, []byte("survivor"), nil)
	if offset.Classify(requested) != offset.Exact {
		t.Fatalf("offset %d must classify exact", requested)
	}
	mem.TrimPartition(topic.Parse("orders").PartitionName(1), 1)

	resp := b.handlePull(sess, pullCmd("g", "orders", 1, requested, 10, 0), true)
	if resp.Code != protocol.PullOffsetMoved {
		t.Fatalf("code = %d remark = %q", resp.Code, resp.Remark)
	}
	next, _ := strconv.ParseInt(resp.Ext("nextBeginOffset"), 10, 64)
	if next != earliest {
		t.Fatalf("nextBeginOffset = %d want %d", next, earliest)
	}
}

func TestPullCommitOffsetSideEffect(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)
	produce(t, b, sess, "pg", "orders", 0, []byte("m"), nil)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagCommitOffset)
	cmd.SetExt("commitOffset", "77")
	resp := b.handlePull(sess, cmd, true)
	if resp.Code != protocol.Success {
		t.Fatalf("code = %d", resp.Code)
	}
	committed, err := store.CommittedOffset(context.Background(), "g", "orders", 0)
	if err != nil || committed != 77 {
		t.Fatalf("committed = %d err = %v", committed, err)
	}
}

func TestPullCommitSkippedOnHoldReexecution(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)
	produce(t, b, sess, "pg", "orders", 0, []byte("m"), nil)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagCommitOffset)
	cmd.SetExt("commitOffset", "55")
	if resp := b.handlePull(sess, cmd, false); resp == nil {
		t.Fatalf("re-execution must not suspend")
	}
	committed, _ := store.CommittedOffset(context.Background(), "g", "orders", 0)
	if committed != -1 {
		t.Fatalf("hold re-execution committed an offset: %d", committed)
	}
}

func TestPullFilterByTag(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "red", 1)

	produce(t, b, sess, "pg", "orders", 0, []byte("keep"), map[string]string{protocol.PropertyTags: "red"})
	produce(t, b, sess, "pg", "orders", 0, []byte("drop"), map[string]string{protocol.PropertyTags: "blue"})

	resp := b.handlePull(sess, pullCmd("g", "orders", 0, 0, 10, 0), true)
	if resp.Code != protocol.Success {
		t.Fatalf("code = %d", resp.Code)
	}
	msg, err := protocol.DecodeMessage(resp.Body[:frameLen(resp.Body)])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Body) != "keep" {
		t.Fatalf("body = %q", msg.Body)
	}
	if frameLen(resp.Body) != len(resp.Body) {
		t.Fatalf("filtered message leaked into the body")
	}
}
