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
	"net"
	"testing"
	"time"

	"github.com/novatechflow/ropscale/pkg/protocol"
)

// pipeSession builds a session over one side of an in-memory pipe; the
// returned conn is the client end the test reads responses from.
func pipeSession(b *Broker) (*Session, net.Conn) {
	server, client := net.Pipe()
	return newSession(b, server), client
}

func readResponse(t *testing.T, client net.Conn, timeout time.Duration) *protocol.Command {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(timeout))
	resp, err := protocol.ReadCommand(client)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestLongPollWakeupOnArrival(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess, client := pipeSession(b)
	defer client.Close()
	registerConsumer(b, sess, "g", "orders", "*", 1)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagSuspend)
	cmd.SetExt("suspendTimeoutMillis", "5000")
	if resp := b.handlePull(sess, cmd, true); resp != nil {
		t.Fatalf("expected suspension, got code %d", resp.Code)
	}
	if b.hold.HeldCount("orders", 0) != 1 {
		t.Fatalf("held count = %d", b.hold.HeldCount("orders", 0))
	}

	producer := newSession(b, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		resp := b.handleSend(producer, sendCmd("pg", "orders", 0, []byte("wake"), nil))
		if resp.Code != protocol.Success {
			panic("send failed")
		}
	}()

	resp := readResponse(t, client, 3*time.Second)
	if resp.Code != protocol.Success {
		t.Fatalf("woken pull code = %d remark = %q", resp.Code, resp.Remark)
	}
	msg, err := protocol.DecodeMessage(resp.Body[:frameLen(resp.Body)])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(msg.Body) != "wake" {
		t.Fatalf("body = %q", msg.Body)
	}
}

func TestLongPollTimeoutReturnsNotFound(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess, client := pipeSession(b)
	defer client.Close()
	registerConsumer(b, sess, "g", "orders", "*", 1)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagSuspend)
	cmd.SetExt("suspendTimeoutMillis", "100")
	if resp := b.handlePull(sess, cmd, true); resp != nil {
		t.Fatalf("expected suspension, got code %d", resp.Code)
	}

	// The sweep fires after the hold expires and re-executes the pull
	// with suspension disabled; nothing arrived, so the client finally
	// sees PULL_NOT_FOUND.
	resp := readResponse(t, client, 4*time.Second)
	if resp.Code != protocol.PullNotFound {
		t.Fatalf("code = %d remark = %q", resp.Code, resp.Remark)
	}
	if b.hold.HeldCount("orders", 0) != 0 {
		t.Fatalf("expired hold still parked")
	}
}

func TestHoldReexecutionNeverResuspends(t *testing.T) {
	b, _, store := newTestBroker(t)
	mustPutTopic(t, store, "orders", 4)
	sess := newSession(b, nil)
	registerConsumer(b, sess, "g", "orders", "*", 1)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagSuspend)
	cmd.SetExt("suspendTimeoutMillis", "5000")
	resp := b.handlePull(sess, cmd, false)
	if resp == nil {
		t.Fatalf("re-execution suspended again")
	}
	if resp.Code != protocol.PullNotFound {
		t.Fatalf("code = %d", resp.Code)
	}
	if b.hold.HeldCount("orders", 0) != 0 {
		t.Fatalf("re-execution parked a hold")
	}
}

func TestShortPollingTimeoutWhenLongPollingDisabled(t *testing.T) {
	b, _, store := newTestBroker(t)
	b.cfg.LongPollingEnable = false
	b.cfg.ShortPollingTimeMills = 50
	mustPutTopic(t, store, "orders", 4)
	sess, client := pipeSession(b)
	defer client.Close()
	registerConsumer(b, sess, "g", "orders", "*", 1)

	cmd := pullCmd("g", "orders", 0, 0, 10, protocol.FlagSuspend)
	cmd.SetExt("suspendTimeoutMillis", "60000")
	if resp := b.handlePull(sess, cmd, true); resp != nil {
		t.Fatalf("expected suspension, got code %d", resp.Code)
	}
	resp := readResponse(t, client, 4*time.Second)
	if resp.Code != protocol.PullNotFound {
		t.Fatalf("code = %d", resp.Code)
	}
}
