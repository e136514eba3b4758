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

package backend

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

// entriesPerLedger bounds a ledger before the in-memory store rolls to the
// next one, so ledger ids advance the way a real segmented store's do.
const entriesPerLedger = 1 << 10

// InMemory is a Client and Cluster backed by in-process state. It powers
// tests and single-node standalone runs.
type InMemory struct {
	mu         sync.Mutex
	partitions map[string]*memPartition
	onPublish  func(partitionTopic string)
	localAddr  string
	brokers    map[string]*BrokerData
}

// NewInMemory builds an empty in-memory store. localAddr is the address
// this broker reports as partition owner.
func NewInMemory(localAddr string) *InMemory {
	return &InMemory{
		partitions: make(map[string]*memPartition),
		localAddr:  localAddr,
		brokers:    map[string]*BrokerData{localAddr: {AdvertisedListeners: map[string]string{"internal": localAddr}}},
	}
}

// OnPublish registers a hook invoked after every successful publish. The
// broker uses it to wake suspended pulls.
func (m *InMemory) OnPublish(fn func(partitionTopic string)) {
	m.mu.Lock()
	m.onPublish = fn
	m.mu.Unlock()
}

// RegisterBroker adds a broker to the cluster view.
func (m *InMemory) RegisterBroker(addr string, listeners map[string]string) {
	m.mu.Lock()
	m.brokers[addr] = &BrokerData{AdvertisedListeners: listeners}
	m.mu.Unlock()
}

func (m *InMemory) partition(topic string) *memPartition {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.partitions[topic]
	if !ok {
		p = &memPartition{id: partitionIndex(topic)}
		m.partitions[topic] = p
	}
	return p
}

func partitionIndex(topic string) int64 {
	const sep = "-partition-"
	idx := strings.LastIndex(topic, sep)
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(topic[idx+len(sep):], 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CreateProducer implements Client.
func (m *InMemory) CreateProducer(opts ProducerOptions) (Producer, error) {
	if opts.Topic == "" {
		return nil, errors.New("backend: producer topic required")
	}
	return &memProducer{store: m, topic: opts.Topic}, nil
}

// CreateReader implements Client.
func (m *InMemory) CreateReader(opts ReaderOptions) (Reader, error) {
	if opts.Topic == "" {
		return nil, errors.New("backend: reader topic required")
	}
	p := m.partition(opts.Topic)
	r := &memReader{partition: p, connected: true}
	r.position(opts.StartMessageID, opts.StartInclusive)
	return r, nil
}

// ActiveBrokers implements Cluster.
func (m *InMemory) ActiveBrokers(ctx context.Context, cluster string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	addrs := make([]string, 0, len(m.brokers))
	for addr := range m.brokers {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// BrokerData implements Cluster.
func (m *InMemory) BrokerData(ctx context.Context, addr string) (*BrokerData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.brokers[addr]
	if !ok {
		return nil, errors.New("backend: unknown broker " + addr)
	}
	return data, nil
}

// PartitionOwners implements Cluster. Every partition of a known family is
// owned by the local broker.
func (m *InMemory) PartitionOwners(ctx context.Context, topicFamily string, partitions int) (map[int]string, error) {
	owners := make(map[int]string, partitions)
	for i := 0; i < partitions; i++ {
		owners[i] = m.localAddr
	}
	return owners, nil
}

// OwnsPartition implements Cluster.
func (m *InMemory) OwnsPartition(partitionTopic string) bool {
	return true
}

// TrimPartition expires every entry below firstIndex, mimicking ledger
// deletion at the front of the log.
func (m *InMemory) TrimPartition(partitionTopic string, firstIndex int64) {
	p := m.partition(partitionTopic)
	p.mu.Lock()
	if firstIndex > p.firstIndex {
		p.firstIndex = firstIndex
	}
	p.mu.Unlock()
}

type memPartition struct {
	mu         sync.Mutex
	id         int64
	entries    []Message
	firstIndex int64
	waiters    []chan struct{}
}

func (p *memPartition) append(payload []byte) MessageID {
	p.mu.Lock()
	n := int64(len(p.entries))
	id := MessageID{
		Ledger:    n / entriesPerLedger,
		Entry:     n % entriesPerLedger,
		Partition: p.id,
	}
	p.entries = append(p.entries, Message{
		ID:          id,
		Payload:     append([]byte(nil), payload...),
		PublishTime: time.Now(),
	})
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return id
}

func (p *memPartition) at(index int64) (*Message, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < p.firstIndex || index >= int64(len(p.entries)) {
		return nil, false
	}
	msg := p.entries[index]
	return &msg, true
}

// clamp lifts a position below the retained range up to the first surviving
// entry, the way an expired-ledger read resumes at the next ledger.
func (p *memPartition) clamp(index int64) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if index < p.firstIndex {
		return p.firstIndex
	}
	return index
}

func (p *memPartition) length() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int64(len(p.entries))
}

func (p *memPartition) waitCh() chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan struct{})
	p.waiters = append(p.waiters, ch)
	return ch
}

type memProducer struct {
	store  *InMemory
	topic  string
	closed bool
	mu     sync.Mutex
}

func (p *memProducer) Send(ctx context.Context, payload []byte) (MessageID, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return MessageID{}, errors.New("backend: producer closed")
	}
	if err := ctx.Err(); err != nil {
		return MessageID{}, err
	}
	id := p.store.partition(p.topic).append(payload)

	p.store.mu.Lock()
	hook := p.store.onPublish
	p.store.mu.Unlock()
	if hook != nil {
		hook(p.topic)
	}
	return id, nil
}

func (p *memProducer) SendAsync(ctx context.Context, payload []byte) <-chan SendResult {
	ch := make(chan SendResult, 1)
	id, err := p.Send(ctx, payload)
	ch <- SendResult{ID: id, Err: err}
	return ch
}

func (p *memProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type memReader struct {
	partition *memPartition
	index     int64
	connected bool
	mu        sync.Mutex
}

func (r *memReader) position(start MessageID, inclusive bool) {
	switch {
	case start.Equals(EarliestID):
		r.index = r.partition.clamp(0)
	case start.Equals(LatestID):
		r.index = r.partition.length()
	default:
		idx := start.Ledger*entriesPerLedger + start.Entry
		if !inclusive {
			idx++
		}
		if idx < 0 {
			idx = 0
		}
		r.index = idx
	}
}

func (r *memReader) Next(ctx context.Context) (*Message, error) {
	for {
		r.mu.Lock()
		if !r.connected {
			r.mu.Unlock()
			return nil, errors.New("backend: reader closed")
		}
		index := r.partition.clamp(r.index)
		r.index = index
		r.mu.Unlock()

		// Register the waiter before the lookup so a publish landing in
		// between still wakes us.
		wait := r.partition.waitCh()
		if msg, ok := r.partition.at(index); ok {
			r.mu.Lock()
			r.index = index + 1
			r.mu.Unlock()
			return msg, nil
		}

		select {
		case <-wait:
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (r *memReader) Seek(id MessageID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return errors.New("backend: reader closed")
	}
	switch {
	case id.Equals(EarliestID):
		r.index = r.partition.clamp(0)
	case id.Equals(LatestID):
		r.index = r.partition.length()
	default:
		r.index = id.Ledger*entriesPerLedger + id.Entry
	}
	return nil
}

func (r *memReader) SeekTime(ts time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return errors.New("backend: reader closed")
	}
	length := r.partition.length()
	var idx int64
	for idx = 0; idx < length; idx++ {
		msg, ok := r.partition.at(idx)
		if !ok {
			break
		}
		if !msg.PublishTime.Before(ts) {
			break
		}
	}
	r.index = idx
	return nil
}

func (r *memReader) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

func (r *memReader) Close() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return nil
}
