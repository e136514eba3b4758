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
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"strings"

	"github.com/novatechflow/ropscale/pkg/metadata"
	"github.com/novatechflow/ropscale/pkg/protocol"
	"github.com/novatechflow/ropscale/pkg/topic"
)

const maxTopicLength = 127

// handleSend serves SEND_MESSAGE, SEND_MESSAGE_V2, and SEND_BATCH_MESSAGE.
func (b *Broker) handleSend(s *Session, cmd *protocol.Command) *protocol.Command {
	header, err := protocol.DecodeSendHeader(cmd)
	if err != nil {
		return protocol.NewResponse(protocol.MessageIllegal, cmd.Opaque, err.Error())
	}

	if resp := b.msgCheck(cmd, header); resp != nil {
		return resp
	}

	topicConfig, err := b.meta.TopicConfig(context.Background(), header.Topic)
	if err != nil {
		return protocol.NewResponse(protocol.TopicNotExist, cmd.Opaque,
			fmt.Sprintf("topic[%s] not exist, apply first please!", header.Topic))
	}

	queueID := header.QueueID
	if queueID < 0 {
		queueID = rand.Int31n(99999999) % topicConfig.WriteQueueNums
	}
	validQueues := topicConfig.WriteQueueNums
	if topicConfig.ReadQueueNums > validQueues {
		validQueues = topicConfig.ReadQueueNums
	}
	if queueID >= validQueues {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque,
			fmt.Sprintf("request queueId[%d] is illegal, topic:[%s] queueNums:[%d]", queueID, header.Topic, validQueues))
	}

	if header.Batch {
		return b.sendBatchMessage(s, cmd, header, queueID)
	}
	return b.sendMessage(s, cmd, header, queueID)
}

// msgCheck validates broker and topic writability before any publish work.
func (b *Broker) msgCheck(cmd *protocol.Command, header *protocol.SendMessageRequestHeader) *protocol.Command {
	if !protocol.Writeable(b.cfg.BrokerPermission) {
		return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
			fmt.Sprintf("the broker[%s] sending message is forbidden", b.cfg.BrokerName))
	}
	if len(header.Topic) > maxTopicLength {
		return protocol.NewResponse(protocol.MessageIllegal, cmd.Opaque,
			fmt.Sprintf("message topic length too long %d", len(header.Topic)))
	}
	if cfg, err := b.meta.TopicConfig(context.Background(), header.Topic); err == nil {
		if !protocol.Writeable(cfg.Perm) {
			return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
				fmt.Sprintf("the topic[%s] sending message is forbidden", header.Topic))
		}
	}
	return nil
}

func (b *Broker) sendMessage(s *Session, cmd *protocol.Command, header *protocol.SendMessageRequestHeader, queueID int32) *protocol.Command {
	msg := &protocol.Message{
		Topic:          header.Topic,
		QueueID:        queueID,
		Flag:           header.Flag,
		SysFlag:        header.SysFlag,
		Body:           cmd.Body,
		BornTimestamp:  header.BornTimestamp,
		ReconsumeTimes: header.ReconsumeTimes,
		Properties:     protocol.StringToProperties(header.Properties),
	}
	fillHosts(s, msg)
	msg.PutProperty(protocol.PropertyCluster, b.cfg.ClusterName)

	if resp := b.handleRetryAndDLQ(cmd, header, msg); resp != nil {
		return resp
	}

	var result *PutResult
	if prepared, _ := strconv.ParseBool(msg.Property(protocol.PropertyTransactionPrepared)); prepared &&
		!(msg.ReconsumeTimes > 0 && msg.DelayLevel() > 0) {
		// No two-phase producer here; reject prepared messages outright.
		result = &PutResult{Status: PutMessageIllegal}
	} else {
		result = s.PutMessage(msg, header.ProducerGroup)
	}

	// msg.Topic reflects any DLQ or delay rewrite by now; stats and
	// arrival wakeups follow the topic the message actually landed on.
	return b.handlePutResult(result, cmd, msg.Topic, msg.QueueID, msg.Topic)
}

func (b *Broker) sendBatchMessage(s *Session, cmd *protocol.Command, header *protocol.SendMessageRequestHeader, queueID int32) *protocol.Command {
	if strings.HasPrefix(header.Topic, topic.RetryPrefix) {
		return protocol.NewResponse(protocol.MessageIllegal, cmd.Opaque,
			"batch request does not support retry group "+header.Topic)
	}
	items, err := protocol.DecodeBatchBody(cmd.Body)
	if err != nil {
		return protocol.NewResponse(protocol.MessageIllegal, cmd.Opaque, err.Error())
	}

	msgs := make([]*protocol.Message, 0, len(items))
	for _, item := range items {
		msg := &protocol.Message{
			Topic:          header.Topic,
			QueueID:        queueID,
			Flag:           item.Flag,
			SysFlag:        header.SysFlag,
			Body:           item.Body,
			BornTimestamp:  header.BornTimestamp,
			ReconsumeTimes: header.ReconsumeTimes,
			Properties:     item.Properties,
		}
		fillHosts(s, msg)
		msg.PutProperty(protocol.PropertyCluster, b.cfg.ClusterName)
		msgs = append(msgs, msg)
	}

	result := s.PutMessages(header.Topic, queueID, msgs, header.ProducerGroup)
	return b.handlePutResult(result, cmd, header.Topic, queueID, header.Topic)
}

// handleRetryAndDLQ escalates a retry-topic send to the group's dead-letter
// topic once the reconsume budget is exhausted. Returns a response only on
// failure.
func (b *Broker) handleRetryAndDLQ(cmd *protocol.Command, header *protocol.SendMessageRequestHeader, msg *protocol.Message) *protocol.Command {
	if !strings.HasPrefix(header.Topic, topic.RetryPrefix) {
		return nil
	}
	group := strings.TrimPrefix(header.Topic, topic.RetryPrefix)
	groupCfg, err := b.meta.SubscriptionGroup(context.Background(), group)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return protocol.NewResponse(protocol.SubscriptionGroupNotExist, cmd.Opaque,
				"subscription group not exist, "+group)
		}
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}

	maxReconsumeTimes := groupCfg.RetryMaxTimes
	if cmd.Version >= protocol.VersionV3_4_9 && header.MaxReconsumeTimes != nil {
		maxReconsumeTimes = *header.MaxReconsumeTimes
	}
	if header.ReconsumeTimes < maxReconsumeTimes {
		return nil
	}

	dlqTopic := topic.DLQTopic(group)
	if _, err := b.meta.EnsureTopic(context.Background(), dlqTopic, b.cfg.DLQNumsPerGroup, protocol.PermWrite); err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque,
			"topic["+dlqTopic+"] not exist")
	}
	msg.Topic = dlqTopic
	msg.QueueID = rand.Int31n(99999999) % b.cfg.DLQNumsPerGroup
	return nil
}

// handlePutResult translates the store status into the wire code, exactly.
func (b *Broker) handlePutResult(result *PutResult, cmd *protocol.Command, topicName string, queueID int32, wireTopic string) *protocol.Command {
	if result == nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "store putMessage return null")
	}

	var code int32
	var remark string
	sendOK := false
	switch result.Status {
	case PutOK:
		sendOK = true
		code = protocol.Success
	case PutFlushDiskTimeout:
		sendOK = true
		code = protocol.FlushDiskTimeout
	case PutFlushSlaveTimeout:
		sendOK = true
		code = protocol.FlushSlaveTimeout
	case PutSlaveNotAvailable:
		sendOK = true
		code = protocol.SlaveNotAvailable
	case PutCreateMappedFileFailed:
		code = protocol.SystemError
		remark = "create mapped file failed, server is busy or broken."
	case PutMessageIllegal, PutPropertiesSizeExceeded:
		code = protocol.MessageIllegal
		remark = "the message is illegal, maybe msg body or properties length not matched."
	case PutServiceNotAvailable:
		code = protocol.ServiceNotAvailable
		remark = "service not available now."
	case PutOSPageCacheBusy:
		code = protocol.SystemError
		remark = "broker busy, start flow control for a while"
	default:
		code = protocol.SystemError
		remark = "UNKNOWN_ERROR"
	}

	resp := protocol.NewResponse(code, cmd.Opaque, remark)
	if sendOK {
		b.stats.incTopicPut(topicName, result.MsgNum, result.WroteBytes)
		(&protocol.SendMessageResponseHeader{
			MsgID:       result.MsgID,
			QueueID:     queueID,
			QueueOffset: result.LogicsOffset,
		}).Apply(resp)
		b.hold.NotifyArrival(wireTopic, queueID)
	}
	return resp
}

// handleSendBack serves CONSUMER_SEND_MSG_BACK: republish a failed message
// onto the group's retry topic, or its DLQ once retries are exhausted.
func (b *Broker) handleSendBack(s *Session, cmd *protocol.Command) *protocol.Command {
	header, err := protocol.DecodeSendBackHeader(cmd)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}

	group := topic.Parse(header.Group).Local
	groupCfg, err := b.meta.SubscriptionGroup(context.Background(), group)
	if err != nil {
		return protocol.NewResponse(protocol.SubscriptionGroupNotExist, cmd.Opaque,
			"subscription group not exist, "+header.Group)
	}
	if !protocol.Writeable(b.cfg.BrokerPermission) {
		return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
			fmt.Sprintf("the broker[%s] sending message is forbidden", b.cfg.BrokerName))
	}
	if groupCfg.RetryQueueNums <= 0 {
		return protocol.NewResponse(protocol.Success, cmd.Opaque, "")
	}

	newTopic := topic.RetryTopic(header.Group)
	queueID := rand.Int31n(99999999) % groupCfg.RetryQueueNums
	retryCfg, err := b.meta.EnsureTopic(context.Background(), newTopic, groupCfg.RetryQueueNums,
		protocol.PermWrite|protocol.PermRead)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "topic["+newTopic+"] not exist")
	}
	if !protocol.Writeable(retryCfg.Perm) {
		return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
			fmt.Sprintf("the topic[%s] sending message is forbidden", newTopic))
	}

	msgExt := s.LookupByOffset(header.OriginTopic, header.Offset)
	if msgExt == nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque,
			fmt.Sprintf("look message by offset failed, %d", header.Offset))
	}

	if msgExt.Property(protocol.PropertyRetryTopic) == "" {
		msgExt.PutProperty(protocol.PropertyRetryTopic, msgExt.Topic)
	}

	delayLevel := header.DelayLevel
	maxReconsumeTimes := groupCfg.RetryMaxTimes
	if cmd.Version >= protocol.VersionV3_4_9 && header.MaxReconsumeTimes != nil {
		maxReconsumeTimes = *header.MaxReconsumeTimes
	}

	if msgExt.ReconsumeTimes >= maxReconsumeTimes || delayLevel < 0 {
		newTopic = topic.DLQTopic(header.Group)
		queueID = rand.Int31n(99999999) % b.cfg.DLQNumsPerGroup
		if _, err := b.meta.EnsureTopic(context.Background(), newTopic, b.cfg.DLQNumsPerGroup, protocol.PermWrite); err != nil {
			return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "topic["+newTopic+"] not exist")
		}
	} else {
		if delayLevel == 0 {
			delayLevel = 3 + msgExt.ReconsumeTimes
		}
		msgExt.SetDelayLevel(int(delayLevel))
	}

	msgInner := &protocol.Message{
		Topic:          newTopic,
		QueueID:        queueID,
		Flag:           msgExt.Flag,
		SysFlag:        msgExt.SysFlag,
		Body:           msgExt.Body,
		BornTimestamp:  msgExt.BornTimestamp,
		BornHost:       msgExt.BornHost,
		BornPort:       msgExt.BornPort,
		ReconsumeTimes: msgExt.ReconsumeTimes + 1,
		Properties:     msgExt.Properties,
	}
	msgInner.StoreHost = s.localIP
	msgInner.StorePort = s.localPort
	if origin := msgExt.Property(protocol.PropertyOriginMessageID); origin != "" {
		msgInner.PutProperty(protocol.PropertyOriginMessageID, origin)
	} else {
		msgInner.PutProperty(protocol.PropertyOriginMessageID, msgExt.MsgID)
	}

	result := s.PutMessage(msgInner, header.Group)
	if result != nil && result.Status == PutOK {
		backTopic := msgExt.Topic
		if correct := msgExt.Property(protocol.PropertyRetryTopic); correct != "" {
			backTopic = correct
		}
		b.stats.incSendBack(header.Group, backTopic)
		b.hold.NotifyArrival(newTopic, queueID)
		return protocol.NewResponse(protocol.Success, cmd.Opaque, "")
	}
	if result != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, result.Status.String())
	}
	return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "putMessageResult is null")
}

func fillHosts(s *Session, msg *protocol.Message) {
	if host, port, ok := splitHostPort(s.remoteAddr); ok {
		msg.BornHost = host
		msg.BornPort = port
		if host.To4() == nil {
			msg.SysFlag |= protocol.BornHostV6Flag
		}
	}
	msg.StoreHost = s.localIP
	msg.StorePort = s.localPort
}

func splitHostPort(addr string) (net.IP, int32, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, 0, false
	}
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	port, err := strconv.ParseInt(portStr, 10, 32)
	if err != nil {
		return nil, 0, false
	}
	return ip, int32(port), true
}
