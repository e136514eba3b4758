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

// Request codes handled by the broker.
const (
	SendMessage          int32 = 10
	PullMessage          int32 = 11
	QueryMessage         int32 = 12
	HeartBeat            int32 = 34
	UnregisterClient     int32 = 35
	ConsumerSendMsgBack  int32 = 36
	GetRouteInfoByTopic  int32 = 105
	GetBrokerClusterInfo int32 = 106
	SendMessageV2        int32 = 310
	SendBatchMessage     int32 = 320
)

// Response codes.
const (
	Success                   int32 = 0
	SystemError               int32 = 1
	SystemBusy                int32 = 2
	RequestCodeNotSupported   int32 = 3
	FlushDiskTimeout          int32 = 10
	SlaveNotAvailable         int32 = 11
	FlushSlaveTimeout         int32 = 12
	MessageIllegal            int32 = 13
	ServiceNotAvailable       int32 = 14
	VersionNotSupported       int32 = 15
	NoPermission              int32 = 16
	TopicNotExist             int32 = 17
	TopicExistAlready         int32 = 18
	PullNotFound              int32 = 19
	PullRetryImmediately      int32 = 20
	PullOffsetMoved           int32 = 21
	QueryNotFound             int32 = 22
	SubscriptionParseFailed   int32 = 23
	SubscriptionNotExist      int32 = 24
	SubscriptionNotLatest     int32 = 25
	SubscriptionGroupNotExist int32 = 26
)

// Pull request sys-flag bits.
const (
	FlagCommitOffset int32 = 1 << 0
	FlagSuspend      int32 = 1 << 1
	FlagSubscription int32 = 1 << 2
	FlagClassFilter  int32 = 1 << 3
)

// Message sys-flag bits.
const (
	CompressedFlag      int32 = 1 << 0
	MultiTagsFlag       int32 = 1 << 1
	TransactionNotType  int32 = 0
	TransactionPrepared int32 = 1 << 2
	TransactionCommit   int32 = 2 << 2
	TransactionRollback int32 = 3 << 2
	BornHostV6Flag      int32 = 1 << 4
	transactionTypeMask int32 = 3 << 2
)

// TransactionValue extracts the transaction type bits from a sys flag.
func TransactionValue(sysFlag int32) int32 {
	return sysFlag & transactionTypeMask
}

// Broker / topic permission bits.
const (
	PermWrite int32 = 1 << 1
	PermRead  int32 = 1 << 2
)

// Readable reports whether the permission mask allows reads.
func Readable(perm int32) bool { return perm&PermRead == PermRead }

// Writeable reports whether the permission mask allows writes.
func Writeable(perm int32) bool { return perm&PermWrite == PermWrite }

// VersionV3_4_9 is the client protocol version ordinal from which pull and
// send-back headers may override the group's retry-max-times.
const VersionV3_4_9 int32 = 58

// MasterBrokerID is the broker id reported back on pull responses.
const MasterBrokerID int64 = 0

// Consume models carried in heartbeat consumer data.
const (
	ModelClustering   = "CLUSTERING"
	ModelBroadcasting = "BROADCASTING"
)

// Well known message property keys.
const (
	PropertyRealTopic           = "REAL_TOPIC"
	PropertyRealQueueID         = "REAL_QID"
	PropertyDelayTimeLevel      = "DELAY"
	PropertyRetryTopic          = "RETRY_TOPIC"
	PropertyOriginMessageID     = "ORIGIN_MESSAGE_ID"
	PropertyTransactionPrepared = "TRAN_MSG"
	PropertyCluster             = "CLUSTER"
	PropertyTags                = "TAGS"
	PropertyKeys                = "KEYS"
)
