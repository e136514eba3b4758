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

package protocol

import (
	"fmt"
	"strconv"
)

// Custom headers ride in a command's extFields string map; every typed
// header decodes from and encodes to that map.

type extReader struct {
	fields map[string]string
	err    error
}

func (r *extReader) str(key string) string {
	return r.fields[key]
}

func (r *extReader) requiredStr(key string) string {
	v, ok := r.fields[key]
	if !ok && r.err == nil {
		r.err = fmt.Errorf("protocol: missing header field %q", key)
	}
	return v
}

func (r *extReader) int32Field(key string, required bool) int32 {
	v, ok := r.fields[key]
	if !ok {
		if required && r.err == nil {
			r.err = fmt.Errorf("protocol: missing header field %q", key)
		}
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 32)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("protocol: header field %q: %w", key, err)
	}
	return int32(n)
}

func (r *extReader) int64Field(key string, required bool) int64 {
	v, ok := r.fields[key]
	if !ok {
		if required && r.err == nil {
			r.err = fmt.Errorf("protocol: missing header field %q", key)
		}
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("protocol: header field %q: %w", key, err)
	}
	return n
}

func (r *extReader) boolField(key string) bool {
	v, ok := r.fields[key]
	if !ok {
		return false
	}
	b, _ := strconv.ParseBool(v)
	return b
}

// SendMessageRequestHeader carries a producer send.
type SendMessageRequestHeader struct {
	ProducerGroup     string
	Topic             string
	QueueID           int32
	SysFlag           int32
	BornTimestamp     int64
	Flag              int32
	Properties        string
	ReconsumeTimes    int32
	UnitMode          bool
	Batch             bool
	MaxReconsumeTimes *int32
}

// DecodeSendHeader decodes a SEND_MESSAGE or SEND_MESSAGE_V2 header. The V2
// form abbreviates field names to single letters.
func DecodeSendHeader(cmd *Command) (*SendMessageRequestHeader, error) {
	r := &extReader{fields: cmd.ExtFields}
	h := &SendMessageRequestHeader{}
	if cmd.Code == SendMessageV2 {
		h.ProducerGroup = r.requiredStr("a")
		h.Topic = r.requiredStr("b")
		h.QueueID = r.int32Field("e", true)
		h.SysFlag = r.int32Field("f", false)
		h.BornTimestamp = r.int64Field("g", false)
		h.Flag = r.int32Field("h", false)
		h.Properties = r.str("i")
		h.ReconsumeTimes = r.int32Field("j", false)
		h.UnitMode = r.boolField("k")
		if _, ok := cmd.ExtFields["l"]; ok {
			v := r.int32Field("l", false)
			h.MaxReconsumeTimes = &v
		}
		h.Batch = r.boolField("m")
	} else {
		h.ProducerGroup = r.requiredStr("producerGroup")
		h.Topic = r.requiredStr("topic")
		h.QueueID = r.int32Field("queueId", true)
		h.SysFlag = r.int32Field("sysFlag", false)
		h.BornTimestamp = r.int64Field("bornTimestamp", false)
		h.Flag = r.int32Field("flag", false)
		h.Properties = r.str("properties")
		h.ReconsumeTimes = r.int32Field("reconsumeTimes", false)
		h.UnitMode = r.boolField("unitMode")
		if _, ok := cmd.ExtFields["maxReconsumeTimes"]; ok {
			v := r.int32Field("maxReconsumeTimes", false)
			h.MaxReconsumeTimes = &v
		}
		h.Batch = r.boolField("batch")
	}
	if cmd.Code == SendBatchMessage {
		h.Batch = true
	}
	return h, r.err
}

// SendMessageResponseHeader answers a successful send.
type SendMessageResponseHeader struct {
	MsgID       string
	QueueID     int32
	QueueOffset int64
}

// Apply writes the header into a response command.
func (h *SendMessageResponseHeader) Apply(cmd *Command) {
	cmd.SetExt("msgId", h.MsgID)
	cmd.SetExt("queueId", strconv.FormatInt(int64(h.QueueID), 10))
	cmd.SetExt("queueOffset", strconv.FormatInt(h.QueueOffset, 10))
}

// PullMessageRequestHeader carries a consumer pull.
type PullMessageRequestHeader struct {
	ConsumerGroup        string
	Topic                string
	QueueID              int32
	QueueOffset          int64
	MaxMsgNums           int32
	SysFlag              int32
	CommitOffset         int64
	SuspendTimeoutMillis int64
	Subscription         string
	SubVersion           int64
	ExpressionType       string
}

// DecodePullHeader decodes a PULL_MESSAGE header.
func DecodePullHeader(cmd *Command) (*PullMessageRequestHeader, error) {
	r := &extReader{fields: cmd.ExtFields}
	h := &PullMessageRequestHeader{
		ConsumerGroup:        r.requiredStr("consumerGroup"),
		Topic:                r.requiredStr("topic"),
		QueueID:              r.int32Field("queueId", true),
		QueueOffset:          r.int64Field("queueOffset", true),
		MaxMsgNums:           r.int32Field("maxMsgNums", false),
		SysFlag:              r.int32Field("sysFlag", false),
		CommitOffset:         r.int64Field("commitOffset", false),
		SuspendTimeoutMillis: r.int64Field("suspendTimeoutMillis", false),
		Subscription:         r.str("subscription"),
		SubVersion:           r.int64Field("subVersion", false),
		ExpressionType:       r.str("expressionType"),
	}
	return h, r.err
}

// Encode writes the header back into a command's extFields, used when a
// held pull is re-dispatched.
func (h *PullMessageRequestHeader) Encode(cmd *Command) {
	cmd.SetExt("consumerGroup", h.ConsumerGroup)
	cmd.SetExt("topic", h.Topic)
	cmd.SetExt("queueId", strconv.FormatInt(int64(h.QueueID), 10))
	cmd.SetExt("queueOffset", strconv.FormatInt(h.QueueOffset, 10))
	cmd.SetExt("maxMsgNums", strconv.FormatInt(int64(h.MaxMsgNums), 10))
	cmd.SetExt("sysFlag", strconv.FormatInt(int64(h.SysFlag), 10))
	cmd.SetExt("commitOffset", strconv.FormatInt(h.CommitOffset, 10))
	cmd.SetExt("suspendTimeoutMillis", strconv.FormatInt(h.SuspendTimeoutMillis, 10))
	if h.Subscription != "" {
		cmd.SetExt("subscription", h.Subscription)
	}
	cmd.SetExt("subVersion", strconv.FormatInt(h.SubVersion, 10))
	if h.ExpressionType != "" {
		cmd.SetExt("expressionType", h.ExpressionType)
	}
}

// PullMessageResponseHeader annotates a pull response.
type PullMessageResponseHeader struct {
	SuggestWhichBrokerID int64
	NextBeginOffset      int64
	MinOffset            int64
	MaxOffset            int64
}

// Apply writes the header into a response command.
func (h *PullMessageResponseHeader) Apply(cmd *Command) {
	cmd.SetExt("suggestWhichBrokerId", strconv.FormatInt(h.SuggestWhichBrokerID, 10))
	cmd.SetExt("nextBeginOffset", strconv.FormatInt(h.NextBeginOffset, 10))
	cmd.SetExt("minOffset", strconv.FormatInt(h.MinOffset, 10))
	cmd.SetExt("maxOffset", strconv.FormatInt(h.MaxOffset, 10))
}

// ConsumerSendMsgBackRequestHeader carries a consumer's retry escalation.
type ConsumerSendMsgBackRequestHeader struct {
	Offset            int64
	Group             string
	DelayLevel        int32
	OriginMsgID       string
	OriginTopic       string
	UnitMode          bool
	MaxReconsumeTimes *int32
}

// DecodeSendBackHeader decodes a CONSUMER_SEND_MSG_BACK header.
func DecodeSendBackHeader(cmd *Command) (*ConsumerSendMsgBackRequestHeader, error) {
	r := &extReader{fields: cmd.ExtFields}
	h := &ConsumerSendMsgBackRequestHeader{
		Offset:      r.int64Field("offset", true),
		Group:       r.requiredStr("group"),
		DelayLevel:  r.int32Field("delayLevel", false),
		OriginMsgID: r.str("originMsgId"),
		OriginTopic: r.requiredStr("originTopic"),
		UnitMode:    r.boolField("unitMode"),
	}
	if _, ok := cmd.ExtFields["maxReconsumeTimes"]; ok {
		v := r.int32Field("maxReconsumeTimes", false)
		h.MaxReconsumeTimes = &v
	}
	return h, r.err
}

// GetRouteInfoRequestHeader carries a route lookup.
type GetRouteInfoRequestHeader struct {
	Topic string
}

// DecodeRouteHeader decodes a GET_ROUTEINFO_BY_TOPIC header.
func DecodeRouteHeader(cmd *Command) (*GetRouteInfoRequestHeader, error) {
	r := &extReader{fields: cmd.ExtFields}
	h := &GetRouteInfoRequestHeader{Topic: r.requiredStr("topic")}
	return h, r.err
}

// UnregisterClientRequestHeader carries a client teardown notice.
type UnregisterClientRequestHeader struct {
	ClientID      string
	ProducerGroup string
	ConsumerGroup string
}

// DecodeUnregisterHeader decodes an UNREGISTER_CLIENT header.
func DecodeUnregisterHeader(cmd *Command) (*UnregisterClientRequestHeader, error) {
	r := &extReader{fields: cmd.ExtFields}
	h := &UnregisterClientRequestHeader{
		ClientID:      r.requiredStr("clientID"),
		ProducerGroup: r.str("producerGroup"),
		ConsumerGroup: r.str("consumerGroup"),
	}
	return h, r.err
}
