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
	"strings"
	"sync"
	"time"

	"github.com/novatechflow/ropscale/pkg/protocol"
	"github.com/novatechflow/ropscale/pkg/topic"
)

const holdSweepInterval = time.Second

type holdKey struct {
	topic   string
	queueID int32
}

type heldRequest struct {
	sess      *Session
	cmd       *protocol.Command
	header    *protocol.PullMessageRequestHeader
	arrivalTS time.Time
	timeout   time.Duration
}

type arrivalEvent struct {
	key holdKey
}

// HoldService parks pulls that found nothing and re-runs them when a
// message arrives on their queue, or when their timeout expires. Wakeups
// flow through a channel so the hold worker owns all wakeup state.
type HoldService struct {
	broker *Broker

	mu      sync.Mutex
	buckets map[holdKey]*holdBucket

	arrivals chan arrivalEvent
	work     chan *heldRequest
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type holdBucket struct {
	mu   sync.Mutex
	held []*heldRequest
}

// NewHoldService builds the service; Start launches its workers.
func NewHoldService(b *Broker, workers int) *HoldService {
	if workers <= 0 {
		workers = 4
	}
	h := &HoldService{
		broker:   b,
		buckets:  make(map[holdKey]*holdBucket),
		arrivals: make(chan arrivalEvent, 1024),
		work:     make(chan *heldRequest, 1024),
		stopCh:   make(chan struct{}),
	}
	h.wg.Add(1 + workers)
	go h.run()
	for i := 0; i < workers; i++ {
		go h.worker()
	}
	return h
}

// Stop terminates the wakeup loop and workers.
func (h *HoldService) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func keyFor(wireTopic string, queueID int32) holdKey {
	return holdKey{topic: topic.Parse(wireTopic).NoDomainName(), queueID: queueID}
}

func (h *HoldService) bucket(key holdKey) *holdBucket {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.buckets[key]
	if !ok {
		b = &holdBucket{}
		h.buckets[key] = b
	}
	return b
}

// Suspend parks one pull until arrival or timeout.
func (h *HoldService) Suspend(sess *Session, cmd *protocol.Command, header *protocol.PullMessageRequestHeader, timeout time.Duration) {
	held := &heldRequest{
		sess:      sess,
		cmd:       cmd,
		header:    header,
		arrivalTS: time.Now(),
		timeout:   timeout,
	}
	bucket := h.bucket(keyFor(header.Topic, header.QueueID))
	bucket.mu.Lock()
	bucket.held = append(bucket.held, held)
	bucket.mu.Unlock()
}

// NotifyArrival wakes every pull parked on the topic's queue. Safe to call
// from any goroutine; it never blocks the producer path.
func (h *HoldService) NotifyArrival(wireTopic string, queueID int32) {
	h.notify(keyFor(wireTopic, queueID))
}

// NotifyPartitionArrival wakes holds from a backend partition-topic name,
// as reported by store arrival hooks.
func (h *HoldService) NotifyPartitionArrival(partitionTopic string) {
	base, queueID, ok := topic.SplitPartition(partitionTopic)
	if !ok {
		base = partitionTopic
	}
	key := holdKey{
		topic:   strings.TrimPrefix(base, topic.Domain+"://"),
		queueID: int32(queueID),
	}
	h.notify(key)
}

func (h *HoldService) notify(key holdKey) {
	select {
	case h.arrivals <- arrivalEvent{key: key}:
	default:
		// The arrival bus is full; the periodic sweep will catch up.
	}
}

// HeldCount reports how many pulls are parked on a queue.
func (h *HoldService) HeldCount(wireTopic string, queueID int32) int {
	bucket := h.bucket(keyFor(wireTopic, queueID))
	bucket.mu.Lock()
	defer bucket.mu.Unlock()
	return len(bucket.held)
}

func (h *HoldService) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(holdSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case ev := <-h.arrivals:
			h.wakeBucket(ev.key, false)
		case <-ticker.C:
			h.sweep()
		case <-h.stopCh:
			return
		}
	}
}

// wakeBucket drains a bucket and re-dispatches its holds. When expiredOnly
// is set, unexpired holds stay parked.
func (h *HoldService) wakeBucket(key holdKey, expiredOnly bool) {
	h.mu.Lock()
	bucket, ok := h.buckets[key]
	h.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	bucket.mu.Lock()
	var wake, keep []*heldRequest
	for _, held := range bucket.held {
		if expiredOnly && now.Before(held.arrivalTS.Add(held.timeout)) {
			keep = append(keep, held)
			continue
		}
		wake = append(wake, held)
	}
	bucket.held = keep
	bucket.mu.Unlock()

	for _, held := range wake {
		select {
		case h.work <- held:
		case <-h.stopCh:
			return
		}
	}
}

func (h *HoldService) sweep() {
	h.mu.Lock()
	keys := make([]holdKey, 0, len(h.buckets))
	for key := range h.buckets {
		keys = append(keys, key)
	}
	h.mu.Unlock()
	for _, key := range keys {
		h.wakeBucket(key, true)
	}
}

func (h *HoldService) worker() {
	defer h.wg.Done()
	for {
		select {
		case held := <-h.work:
			h.reExecute(held)
		case <-h.stopCh:
			return
		}
	}
}

// reExecute re-runs the pull with suspension disabled and writes any
// response back to the original channel.
func (h *HoldService) reExecute(held *heldRequest) {
	defer func() {
		if r := recover(); r != nil {
			h.broker.log.Error("hold: re-execution panic", "topic", held.header.Topic, "panic", r)
		}
	}()

	resp := h.broker.handlePull(held.sess, held.cmd, false)
	if resp == nil {
		return
	}
	resp.MarkResponse()
	if err := held.sess.writeCommand(resp); err != nil {
		h.broker.log.Error("hold: write response",
			"remote", held.sess.RemoteAddr(), "topic", held.header.Topic, "err", err)
	}
}
