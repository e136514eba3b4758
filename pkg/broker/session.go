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
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/novatechflow/ropscale/pkg/backend"
	"github.com/novatechflow/ropscale/pkg/cache"
	"github.com/novatechflow/ropscale/pkg/filter"
	"github.com/novatechflow/ropscale/pkg/offset"
	"github.com/novatechflow/ropscale/pkg/protocol"
	"github.com/novatechflow/ropscale/pkg/topic"
)

type sessionState int

const (
	sessionConnected sessionState = iota
	sessionFailed
	sessionClosed
)

// Handle keys are tuples, not hashed ids, so hostile inputs cannot collide
// two handles onto one slot.
type producerKey struct {
	group      string
	topic      string
	remoteAddr string
}

type readerKey struct {
	group  string
	topic  string
	connID string
}

type readerSlot struct {
	reader   backend.Reader
	lastRead backend.MessageID
	hasRead  bool
}

// Session owns one connection's backend handles. Producers are cached per
// (group, partition topic, remote address); iterating readers per (group,
// partition topic, connection); one-shot lookup readers per partition topic.
type Session struct {
	broker     *Broker
	conn       net.Conn
	connID     string
	remoteAddr string
	localIP    net.IP
	localPort  int32

	writeMu sync.Mutex

	mu        sync.Mutex
	state     sessionState
	producers map[producerKey]backend.Producer
	readers   map[readerKey]*readerSlot

	// lookupMu serializes the read+seek+reread dance on lookup readers.
	lookupMu      sync.Mutex
	lookupReaders map[string]backend.Reader

	// topicLocks interns one lock per partition topic so concurrent pulls
	// cannot open duplicate readers.
	topicLockMu sync.Mutex
	topicLocks  map[string]*sync.Mutex
}

func newSession(b *Broker, conn net.Conn) *Session {
	s := &Session{
		broker:        b,
		conn:          conn,
		connID:        uuid.NewString(),
		localIP:       net.IPv4(127, 0, 0, 1).To4(),
		localPort:     b.cfg.ServicePort(),
		producers:     make(map[producerKey]backend.Producer),
		readers:       make(map[readerKey]*readerSlot),
		lookupReaders: make(map[string]backend.Reader),
		topicLocks:    make(map[string]*sync.Mutex),
	}
	if conn != nil {
		s.remoteAddr = conn.RemoteAddr().String()
		if local, ok := conn.LocalAddr().(*net.TCPAddr); ok {
			if v4 := local.IP.To4(); v4 != nil {
				s.localIP = v4
			} else {
				s.localIP = local.IP
			}
		}
	}
	return s
}

// ConnID identifies this connection; reader keys embed it.
func (s *Session) ConnID() string { return s.connID }

// RemoteAddr reports the peer address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

func (s *Session) topicLock(partitionTopic string) *sync.Mutex {
	s.topicLockMu.Lock()
	defer s.topicLockMu.Unlock()
	l, ok := s.topicLocks[partitionTopic]
	if !ok {
		l = &sync.Mutex{}
		s.topicLocks[partitionTopic] = l
	}
	return l
}

func (s *Session) sendTimeout() time.Duration {
	return time.Duration(s.broker.cfg.SendTimeoutMillis) * time.Millisecond
}

func (s *Session) fetchTimeout() time.Duration {
	return time.Duration(s.broker.cfg.FetchTimeoutMillis) * time.Millisecond
}

func (s *Session) producer(key producerKey, opts backend.ProducerOptions) (backend.Producer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.producers[key]; ok {
		return p, nil
	}
	s.broker.log.Info("creating producer", "group", key.group, "topic", key.topic, "remote", key.remoteAddr)
	p, err := s.broker.client.CreateProducer(opts)
	if err != nil {
		return nil, err
	}
	s.producers[key] = p
	return p, nil
}

func failedPut() *PutResult {
	// The legacy protocol has no "backend publish failed" status; the
	// flush-disk-timeout code is the contract that makes clients retry.
	return &PutResult{Status: PutFlushDiskTimeout, AppendStatus: AppendUnknownError}
}

// PutMessage publishes one message, redirecting delayed deliveries onto the
// schedule pseudo-topic.
func (s *Session) PutMessage(msg *protocol.Message, producerGroup string) *PutResult {
	parsed := topic.Parse(msg.Topic)
	partition := msg.QueueID
	partitionTopic := parsed.PartitionName(int(partition))

	tranType := protocol.TransactionValue(msg.SysFlag)
	if tranType == protocol.TransactionNotType || tranType == protocol.TransactionCommit {
		if msg.DelayLevel() > 0 && parsed.Kind != topic.KindDLQ {
			level := msg.DelayLevel()
			if level > s.broker.cfg.MaxDelayLevelNum {
				level = s.broker.cfg.MaxDelayLevelNum
			}
			partition = msg.QueueID % int32(s.broker.cfg.ScheduleTopicPartitionNum)
			delayTopic := topic.Delay(level)
			partitionTopic = delayTopic.PartitionName(int(partition))

			// The delay scheduler needs the original coordinates to
			// redeliver.
			msg.PutProperty(protocol.PropertyRealTopic, msg.Topic)
			msg.PutProperty(protocol.PropertyRealQueueID, int32String(msg.QueueID))
			msg.SetDelayLevel(level)
			msg.Topic = delayTopic.Local
			msg.QueueID = partition
		}
	}

	producer, err := s.producer(
		producerKey{group: producerGroup, topic: partitionTopic, remoteAddr: s.remoteAddr},
		backend.ProducerOptions{
			Topic:          partitionTopic,
			Name:           producerGroup + "_" + partitionTopic,
			SendTimeout:    s.sendTimeout(),
			MaxPending:     500,
			EnableBatching: false,
		},
	)
	if err != nil {
		s.broker.log.Warn("put message: create producer", "topic", partitionTopic, "err", err)
		return failedPut()
	}

	msg.StoreTimestamp = time.Now().UnixMilli()
	body, err := protocol.EncodeMessage(msg)
	if err != nil {
		s.broker.log.Warn("put message: encode", "topic", msg.Topic, "err", err)
		return failedPut()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout())
	defer cancel()
	id, err := producer.Send(ctx, body)
	if err != nil {
		s.broker.log.Warn("put message: send", "topic", partitionTopic, "err", err)
		return failedPut()
	}

	logicsOffset := offset.Encode(id.Ledger, id.Entry, int64(partition))
	return &PutResult{
		Status:       PutOK,
		AppendStatus: AppendOK,
		MsgID:        protocol.CreateMessageID(s.localIP, s.localPort, logicsOffset),
		WroteBytes:   len(body),
		MsgNum:       1,
		LogicsOffset: logicsOffset,
	}
}

// PutMessages publishes a batch through one batching producer, waiting for
// every confirmation up to the send timeout.
func (s *Session) PutMessages(topicName string, queueID int32, msgs []*protocol.Message, producerGroup string) *PutResult {
	parsed := topic.Parse(topicName)
	partitionTopic := parsed.PartitionName(int(queueID))

	producer, err := s.producer(
		producerKey{group: producerGroup, topic: partitionTopic, remoteAddr: s.remoteAddr},
		backend.ProducerOptions{
			Topic:                   partitionTopic,
			Name:                    producerGroup + "_" + partitionTopic,
			SendTimeout:             s.sendTimeout(),
			EnableBatching:          true,
			BatchingMaxPublishDelay: 100 * time.Millisecond,
			BatchingMaxMessages:     20,
		},
	)
	if err != nil {
		s.broker.log.Warn("put messages: create producer", "topic", partitionTopic, "err", err)
		return failedPut()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout())
	defer cancel()

	now := time.Now().UnixMilli()
	pending := make([]<-chan backend.SendResult, 0, len(msgs))
	wroteBytes := 0
	for _, msg := range msgs {
		msg.StoreTimestamp = now
		body, err := protocol.EncodeMessage(msg)
		if err != nil {
			s.broker.log.Warn("put messages: encode", "topic", topicName, "err", err)
			return failedPut()
		}
		wroteBytes += len(body)
		pending = append(pending, producer.SendAsync(ctx, body))
	}

	msgIDs := ""
	for _, ch := range pending {
		select {
		case res := <-ch:
			if res.Err != nil {
				s.broker.log.Warn("put messages: send", "topic", partitionTopic, "err", res.Err)
				return failedPut()
			}
			logicsOffset := offset.Encode(res.ID.Ledger, res.ID.Entry, int64(queueID))
			msgIDs += protocol.CreateMessageID(s.localIP, s.localPort, logicsOffset) + ","
		case <-ctx.Done():
			s.broker.log.Warn("put messages: confirmation timeout", "topic", partitionTopic)
			return failedPut()
		}
	}

	return &PutResult{
		Status:       PutOK,
		AppendStatus: AppendOK,
		MsgID:        msgIDs,
		WroteBytes:   wroteBytes,
		MsgNum:       len(pending),
	}
}

// decodeEntry turns one store entry back into a message, re-stamping the
// coordinates only the backend knows at publish time.
func (s *Session) decodeEntry(entry *backend.Message, partition int64) (*protocol.Message, error) {
	msg, err := protocol.DecodeMessage(entry.Payload)
	if err != nil {
		return nil, err
	}
	logicsOffset := offset.Encode(entry.ID.Ledger, entry.ID.Entry, partition)
	msg.QueueOffset = logicsOffset
	msg.StoreTimestamp = entry.PublishTime.UnixMilli()
	msg.MsgID = protocol.CreateMessageID(s.localIP, s.localPort, logicsOffset)
	return msg, nil
}

// GetMessage performs one bounded read for the pull pipeline. The header's
// sys flag may gain the suspend bit when the partition is not served here.
func (s *Session) GetMessage(h *protocol.PullMessageRequestHeader, sub *filter.Subscription) *GetMessageResult {
	result := &GetMessageResult{NextBeginOffset: h.QueueOffset}

	parsed := topic.Parse(h.Topic)
	partitionTopic := parsed.PartitionName(int(h.QueueID))

	if !s.broker.cluster.OwnsPartition(partitionTopic) {
		result.Status = GetOffsetFoundNull
		h.SysFlag |= protocol.FlagSuspend
		return result
	}
	negKey := cache.PullKey{Group: h.ConsumerGroup, Topic: h.Topic, QueueID: h.QueueID}
	if s.broker.negCache.Contains(negKey) {
		result.Status = GetOffsetFoundNull
		h.SysFlag |= protocol.FlagSuspend
		return result
	}

	if h.MaxMsgNums < 1 {
		result.Status = GetNoMatchedMessage
		return result
	}

	if _, err := s.broker.meta.TopicConfig(context.Background(), h.Topic); err != nil {
		s.broker.negCache.Put(negKey)
		result.Status = GetNoMatchedLogicQueue
		result.NextBeginOffset = 0
		return result
	}

	var startID backend.MessageID
	exactStart := false
	switch offset.Classify(h.QueueOffset) {
	case offset.Earliest:
		startID = backend.EarliestID
	case offset.Latest:
		startID = backend.LatestID
	default:
		ledger, entry, _ := offset.Decode(h.QueueOffset)
		startID = backend.MessageID{Ledger: ledger, Entry: entry, Partition: int64(h.QueueID)}
		exactStart = true
	}

	lock := s.topicLock(partitionTopic)
	lock.Lock()
	slot, reused, err := s.acquireReader(h.ConsumerGroup, partitionTopic, startID, exactStart, h.MaxMsgNums)
	if err != nil {
		lock.Unlock()
		s.broker.log.Warn("pull: open reader", "group", h.ConsumerGroup, "topic", partitionTopic, "err", err)
		result.Status = GetOffsetFoundNull
		return result
	}

	var raw []*backend.Message
	tooSmall := false
	for i := int32(0); i < h.MaxMsgNums; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout())
		entry, err := slot.reader.Next(ctx)
		cancel()
		if err != nil {
			s.broker.log.Warn("pull: read", "group", h.ConsumerGroup, "topic", partitionTopic, "err", err)
			break
		}
		if entry == nil {
			break
		}
		slot.lastRead = entry.ID
		slot.hasRead = true

		if exactStart && !reused && i == 0 && startID.Before(entry.ID) {
			// The requested position no longer exists; the earliest
			// survivor tells the client where to restart.
			tooSmall = true
			result.NextBeginOffset = offset.Encode(entry.ID.Ledger, entry.ID.Entry, int64(h.QueueID))
			result.MinOffset = result.NextBeginOffset
			break
		}

		result.NextBeginOffset = offset.Encode(entry.ID.Ledger, entry.ID.Entry, int64(h.QueueID))
		if exactStart && !reused && startID.Equals(entry.ID) {
			// Inclusive-start dedup: the client already has this one.
			continue
		}
		raw = append(raw, entry)
	}
	lock.Unlock()

	if tooSmall {
		result.Status = GetOffsetTooSmall
		return result
	}

	for _, entry := range raw {
		msg, err := s.decodeEntry(entry, int64(h.QueueID))
		if err != nil {
			s.broker.log.Warn("pull: decode entry", "topic", partitionTopic, "err", err)
			continue
		}
		if sub != nil && !sub.Match(msg.Tags(), msg.Properties) {
			continue
		}
		frame, err := protocol.EncodeMessage(msg)
		if err != nil {
			s.broker.log.Warn("pull: encode frame", "topic", partitionTopic, "err", err)
			continue
		}
		result.Buffers = append(result.Buffers, frame)
	}

	if len(result.Buffers) > 0 {
		result.Status = GetFound
	} else {
		result.Status = GetOffsetFoundNull
	}
	result.MaxOffset = result.NextBeginOffset
	return result
}

// acquireReader returns the cached iterating reader when its position lines
// up with the requested start, otherwise closes it and opens a fresh one.
// Callers hold the partition topic lock.
func (s *Session) acquireReader(group, partitionTopic string, startID backend.MessageID, exactStart bool, receiverQueue int32) (*readerSlot, bool, error) {
	key := readerKey{group: group, topic: partitionTopic, connID: s.connID}

	s.mu.Lock()
	slot, ok := s.readers[key]
	s.mu.Unlock()

	if ok && slot.reader.Connected() && exactStart && slot.hasRead && withinOneEntry(slot.lastRead, startID) {
		return slot, true, nil
	}
	if ok {
		old := slot.reader
		go old.Close()
	}

	reader, err := s.broker.client.CreateReader(backend.ReaderOptions{
		Topic:             partitionTopic,
		Name:              group + "_" + s.connID,
		StartMessageID:    startID,
		StartInclusive:    true,
		ReceiverQueueSize: int(receiverQueue),
	})
	if err != nil {
		return nil, false, err
	}
	slot = &readerSlot{reader: reader}
	s.mu.Lock()
	s.readers[key] = slot
	s.mu.Unlock()
	return slot, false, nil
}

// withinOneEntry reports whether requested start sits at the reader's last
// delivered entry or immediately after it.
func withinOneEntry(lastRead, start backend.MessageID) bool {
	if start.Equals(lastRead) {
		return true
	}
	if start.Ledger == lastRead.Ledger && start.Entry == lastRead.Entry+1 {
		return true
	}
	if start.Ledger == lastRead.Ledger+1 && start.Entry == 0 {
		return true
	}
	return false
}

// LookupByOffset resolves one message by its encoded queue offset: read,
// verify identity, and when the reader was parked elsewhere, seek once and
// retry once.
func (s *Session) LookupByOffset(topicName string, queueOffset int64) *protocol.Message {
	ledger, entry, partition := offset.Decode(queueOffset)
	target := backend.MessageID{Ledger: ledger, Entry: entry, Partition: partition}
	partitionTopic := topic.Parse(topicName).PartitionName(int(partition))

	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()

	reader, ok := s.lookupReaders[partitionTopic]
	if !ok {
		var err error
		reader, err = s.broker.client.CreateReader(backend.ReaderOptions{
			Topic:          partitionTopic,
			Name:           "lookup_" + s.connID,
			StartMessageID: target,
			StartInclusive: true,
		})
		if err != nil {
			s.broker.log.Warn("lookup: open reader", "topic", partitionTopic, "err", err)
			return nil
		}
		s.lookupReaders[partitionTopic] = reader
	}

	read := func() *backend.Message {
		ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout())
		defer cancel()
		entry, err := reader.Next(ctx)
		if err != nil {
			return nil
		}
		return entry
	}

	got := read()
	if got == nil || !got.ID.Equals(target) {
		if err := reader.Seek(target); err != nil {
			s.broker.log.Warn("lookup: seek", "topic", partitionTopic, "err", err)
			return nil
		}
		got = read()
		if got == nil || !got.ID.Equals(target) {
			return nil
		}
	}
	msg, err := s.decodeEntry(got, partition)
	if err != nil {
		s.broker.log.Warn("lookup: decode", "topic", partitionTopic, "err", err)
		return nil
	}
	return msg
}

// LookupByTimestamp resolves the first message published at or after ts.
func (s *Session) LookupByTimestamp(partitionTopic string, ts time.Time) *protocol.Message {
	s.lookupMu.Lock()
	defer s.lookupMu.Unlock()

	reader, ok := s.lookupReaders[partitionTopic]
	if !ok {
		var err error
		reader, err = s.broker.client.CreateReader(backend.ReaderOptions{
			Topic:          partitionTopic,
			Name:           "lookup_" + s.connID,
			StartMessageID: backend.EarliestID,
			StartInclusive: true,
		})
		if err != nil {
			s.broker.log.Warn("lookup: open reader", "topic", partitionTopic, "err", err)
			return nil
		}
		s.lookupReaders[partitionTopic] = reader
	}
	if err := reader.SeekTime(ts); err != nil {
		s.broker.log.Warn("lookup: seek time", "topic", partitionTopic, "err", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.fetchTimeout())
	defer cancel()
	entry, err := reader.Next(ctx)
	if err != nil || entry == nil {
		return nil
	}
	msg, err := s.decodeEntry(entry, partitionIndexOf(partitionTopic))
	if err != nil {
		return nil
	}
	return msg
}

func partitionIndexOf(partitionTopic string) int64 {
	_, n, ok := topic.SplitPartition(partitionTopic)
	if !ok {
		return 0
	}
	return int64(n)
}

// Close tears the session down on channel-inactive: every handle is closed
// asynchronously and the maps are cleared.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == sessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = sessionClosed
	producers := s.producers
	readers := s.readers
	s.producers = make(map[producerKey]backend.Producer)
	s.readers = make(map[readerKey]*readerSlot)
	s.mu.Unlock()

	s.lookupMu.Lock()
	lookups := s.lookupReaders
	s.lookupReaders = make(map[string]backend.Reader)
	s.lookupMu.Unlock()

	for _, p := range producers {
		go p.Close()
	}
	for _, slot := range readers {
		go slot.reader.Close()
	}
	for _, r := range lookups {
		go r.Close()
	}
	if s.broker != nil && s.broker.consumers != nil {
		s.broker.consumers.UnregisterChannel(s)
	}
}

// Fail records a channel exception: the first moves the session to the
// failed state and closes the socket, later ones only log at debug.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	alreadyFailed := s.state == sessionFailed || s.state == sessionClosed
	if !alreadyFailed {
		s.state = sessionFailed
	}
	s.mu.Unlock()

	if alreadyFailed {
		s.broker.log.Debug("channel exception after failure", "remote", s.remoteAddr, "err", err)
		return
	}
	s.broker.log.Warn("channel exception", "remote", s.remoteAddr, "err", err)
	if s.conn != nil {
		_ = s.conn.Close()
	}
}

// writeCommand frames one response back to the peer; the hold service calls
// it from worker goroutines.
func (s *Session) writeCommand(cmd *protocol.Command) error {
	if s.conn == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return protocol.WriteCommand(s.conn, cmd)
}

func int32String(v int32) string {
	return strconv.FormatInt(int64(v), 10)
}
