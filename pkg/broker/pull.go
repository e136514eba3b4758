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
	"time"

	"github.com/novatechflow/ropscale/pkg/filter"
	"github.com/novatechflow/ropscale/pkg/metadata"
	"github.com/novatechflow/ropscale/pkg/protocol"
)

// handlePull serves PULL_MESSAGE. allowSuspend is false when the request is
// re-executed from the hold path, so a held pull can never re-suspend. A
// nil return means the request was suspended and no response goes out now.
func (b *Broker) handlePull(s *Session, cmd *protocol.Command, allowSuspend bool) *protocol.Command {
	header, err := protocol.DecodePullHeader(cmd)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}

	if !protocol.Readable(b.cfg.BrokerPermission) {
		return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
			fmt.Sprintf("the broker[%s] pulling message is forbidden", b.cfg.BrokerName))
	}

	groupCfg, err := b.meta.SubscriptionGroup(context.Background(), header.ConsumerGroup)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return protocol.NewResponse(protocol.SubscriptionGroupNotExist, cmd.Opaque,
				fmt.Sprintf("subscription group [%s] does not exist", header.ConsumerGroup))
		}
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}
	if !groupCfg.ConsumeEnable {
		return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
			"subscription group no permission, "+header.ConsumerGroup)
	}

	hasCommitOffsetFlag := header.SysFlag&protocol.FlagCommitOffset != 0
	hasSubscriptionFlag := header.SysFlag&protocol.FlagSubscription != 0

	topicConfig, err := b.meta.TopicConfig(context.Background(), header.Topic)
	if err != nil {
		b.log.Error("pull: topic not exist", "topic", header.Topic, "consumer", s.RemoteAddr())
		return protocol.NewResponse(protocol.TopicNotExist, cmd.Opaque,
			fmt.Sprintf("topic[%s] not exist, apply first please!", header.Topic))
	}
	if !protocol.Readable(topicConfig.Perm) {
		return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
			"the topic["+header.Topic+"] pulling message is forbidden")
	}
	if header.QueueID < 0 || header.QueueID >= topicConfig.ReadQueueNums {
		remark := fmt.Sprintf("queueId[%d] is illegal, topic:[%s] topicConfig.readQueueNums:[%d] consumer:[%s]",
			header.QueueID, header.Topic, topicConfig.ReadQueueNums, s.RemoteAddr())
		b.log.Warn(remark)
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, remark)
	}

	var sub *filter.Subscription
	if hasSubscriptionFlag {
		sub, err = filter.Build(header.Topic, header.Subscription, header.ExpressionType)
		if err != nil {
			b.log.Warn("pull: parse subscription failed",
				"group", header.ConsumerGroup, "subscription", header.Subscription, "err", err)
			return protocol.NewResponse(protocol.SubscriptionParseFailed, cmd.Opaque,
				"parse the consumer's subscription failed")
		}
	} else {
		groupInfo := b.consumers.GroupInfo(header.ConsumerGroup)
		if groupInfo == nil {
			b.log.Warn("pull: consumer group info not exist", "group", header.ConsumerGroup)
			return protocol.NewResponse(protocol.SubscriptionNotExist, cmd.Opaque,
				"the consumer's group info not exist")
		}
		if !groupCfg.ConsumeBroadcastEnable && groupInfo.Model() == protocol.ModelBroadcasting {
			return protocol.NewResponse(protocol.NoPermission, cmd.Opaque,
				"the consumer group["+header.ConsumerGroup+"] can not consume by broadcast way")
		}
		sub = groupInfo.Subscription(header.Topic)
		if sub == nil {
			b.log.Warn("pull: subscription not exist", "group", header.ConsumerGroup, "topic", header.Topic)
			return protocol.NewResponse(protocol.SubscriptionNotExist, cmd.Opaque,
				"the consumer's subscription not exist")
		}
		if sub.Version < header.SubVersion {
			b.log.Warn("pull: subscription not latest",
				"group", header.ConsumerGroup, "stored", sub.Version, "requested", header.SubVersion)
			return protocol.NewResponse(protocol.SubscriptionNotLatest, cmd.Opaque,
				"the consumer's subscription not latest")
		}
	}

	// The channel must have registered with the group via heartbeat; until
	// then the client is told to retry so its registration can land.
	groupInfo := b.consumers.GroupInfo(header.ConsumerGroup)
	if groupInfo == nil || groupInfo.Channel(s.ConnID()) == nil {
		b.log.Info("pull: channel not registered yet, wait for heartbeat",
			"group", header.ConsumerGroup, "remote", s.RemoteAddr())
		return protocol.NewResponse(protocol.PullRetryImmediately, cmd.Opaque, "store getMessage return null")
	}

	result := s.GetMessage(header, sub)

	resp := protocol.NewResponse(protocol.Success, cmd.Opaque, result.Status.String())
	respHeader := &protocol.PullMessageResponseHeader{
		SuggestWhichBrokerID: protocol.MasterBrokerID,
		NextBeginOffset:      result.NextBeginOffset,
		MinOffset:            result.MinOffset,
		MaxOffset:            result.MaxOffset,
	}

	switch result.Status {
	case GetFound:
		resp.Code = protocol.Success
	case GetMessageWasRemoving, GetNoMatchedMessage:
		resp.Code = protocol.PullRetryImmediately
	case GetNoMatchedLogicQueue, GetNoMessageInQueue:
		if header.QueueOffset != 0 {
			resp.Code = protocol.PullOffsetMoved
			b.log.Info("pull: no queue data, fix request offset",
				"from", header.QueueOffset, "to", result.NextBeginOffset,
				"topic", header.Topic, "queueId", header.QueueID, "group", header.ConsumerGroup)
		} else {
			resp.Code = protocol.PullNotFound
		}
	case GetOffsetFoundNull, GetOffsetOverflowOne:
		resp.Code = protocol.PullNotFound
	case GetOffsetOverflowBadly:
		resp.Code = protocol.PullOffsetMoved
		b.log.Info("pull: request offset overflowed badly",
			"offset", header.QueueOffset, "maxOffset", result.MaxOffset, "consumer", s.RemoteAddr())
	case GetOffsetTooSmall:
		resp.Code = protocol.PullOffsetMoved
		b.log.Info("pull: request offset too small",
			"group", header.ConsumerGroup, "topic", header.Topic,
			"requestOffset", header.QueueOffset, "brokerMinOffset", result.MinOffset, "consumer", s.RemoteAddr())
	}
	if resp.Code == protocol.PullOffsetMoved {
		respHeader.SuggestWhichBrokerID = groupCfg.BrokerID
	}
	respHeader.Apply(resp)

	switch resp.Code {
	case protocol.Success:
		b.stats.incGroupGet(header.ConsumerGroup, header.Topic, result.MessageCount(), result.BufferTotalSize())
		b.stats.incCommercialRcv(header.ConsumerGroup, header.Topic, "rcv_success",
			result.MessageCount()*b.cfg.CommercialBaseCount)

		body := make([]byte, 0, result.BufferTotalSize())
		now := time.Now().UnixMilli()
		for _, frame := range result.Buffers {
			body = append(body, frame...)
			if storeTs, ok := protocol.StoreTimestampOf(frame); ok {
				b.stats.observeGetLatency(header.ConsumerGroup, header.Topic, float64(now-storeTs))
			}
		}
		resp.Body = body
	case protocol.PullNotFound:
		// Re-read the flag: the read step forces it on for partitions
		// this broker does not own.
		if allowSuspend && header.SysFlag&protocol.FlagSuspend != 0 {
			pollingTimeMillis := header.SuspendTimeoutMillis
			if !b.cfg.LongPollingEnable || pollingTimeMillis <= 0 {
				pollingTimeMillis = b.cfg.ShortPollingTimeMills
			}
			b.hold.Suspend(s, cmd, header, time.Duration(pollingTimeMillis)*time.Millisecond)
			b.commitPulledOffset(s, header, allowSuspend, hasCommitOffsetFlag)
			return nil
		}
		if !allowSuspend {
			b.stats.incCommercialRcv(header.ConsumerGroup, header.Topic, "rcv_epolls", 1)
		}
	case protocol.PullRetryImmediately, protocol.PullOffsetMoved:
		b.stats.incCommercialRcv(header.ConsumerGroup, header.Topic, "rcv_epolls", 1)
	}

	b.commitPulledOffset(s, header, allowSuspend, hasCommitOffsetFlag)
	return resp
}

// commitPulledOffset applies the piggybacked offset commit. It fires only
// on the client-facing invocation, never on hold re-execution.
func (b *Broker) commitPulledOffset(s *Session, header *protocol.PullMessageRequestHeader, allowSuspend, hasCommitOffsetFlag bool) {
	if !allowSuspend || !hasCommitOffsetFlag {
		return
	}
	if err := b.meta.CommitOffset(context.Background(), s.RemoteAddr(), header.ConsumerGroup,
		header.Topic, header.QueueID, header.CommitOffset); err != nil {
		b.log.Warn("pull: commit offset",
			"group", header.ConsumerGroup, "topic", header.Topic, "queueId", header.QueueID, "err", err)
	}
}
