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

// Package topic translates legacy wire topic names into fully qualified
// backend partitioned-topic names and back. A legacy name may carry a
// tenant and namespace ("tenant|ns%name"), a retry or dead-letter prefix
// ("%RETRY%group", "%DLQ%group"), or nothing at all; every shape maps to
// exactly one backend topic family.
package topic

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	// Domain is the backend topic domain every translated name lives under.
	Domain = "persistent"

	// RetryPrefix marks per-group retry topics on the wire.
	RetryPrefix = "%RETRY%"
	// DLQPrefix marks per-group dead-letter topics on the wire.
	DLQPrefix = "%DLQ%"

	// PartitionSuffix joins a topic family name with a partition index.
	PartitionSuffix = "-partition-"

	tenantSep    = '|'
	namespaceSep = '%'

	delayLocalPrefix = "rmq-delay-level-"
)

// Defaults applied when the wire name omits tenant or namespace.
const (
	DefaultTenant    = "rocketmq"
	DefaultNamespace = "public"
	MetaTenant       = "rocketmq"
	MetaNamespace    = "__rocketmq"
)

// Kind describes what role a topic plays for the legacy protocol.
type Kind int

const (
	KindNormal Kind = iota
	KindRetry
	KindDLQ
	KindDelay
	KindMeta
)

func (k Kind) String() string {
	switch k {
	case KindRetry:
		return "retry"
	case KindDLQ:
		return "dlq"
	case KindDelay:
		return "delay"
	case KindMeta:
		return "meta"
	default:
		return "normal"
	}
}

// Topic is the parsed form of a legacy topic name.
type Topic struct {
	Tenant    string
	Namespace string
	// Local is the backend-local name. Retry and DLQ topics keep their
	// wire prefix here so the reverse mapping stays unambiguous.
	Local string
	Kind  Kind
	// Group is set for retry and DLQ topics.
	Group string
	// DelayLevel is set for delay pseudo-topics.
	DelayLevel int

	// explicit records whether the wire name carried its own namespace,
	// so the legacy rendering can round-trip exactly.
	explicitTenant    bool
	explicitNamespace bool
}

// Parse interprets a wire topic name using the package defaults.
func Parse(raw string) Topic {
	return ParseWithDefaults(DefaultTenant, DefaultNamespace, raw)
}

// ParseWithDefaults interprets a wire topic name, injecting tenant and
// namespace where the name omits them.
func ParseWithDefaults(defaultTenant, defaultNamespace, raw string) Topic {
	t := Topic{Kind: KindNormal}

	rest := raw
	switch {
	case strings.HasPrefix(raw, RetryPrefix):
		t.Kind = KindRetry
		rest = strings.TrimPrefix(raw, RetryPrefix)
	case strings.HasPrefix(raw, DLQPrefix):
		t.Kind = KindDLQ
		rest = strings.TrimPrefix(raw, DLQPrefix)
	}

	if idx := strings.IndexByte(rest, namespaceSep); idx > 0 {
		prefix := rest[:idx]
		rest = rest[idx+1:]
		if tIdx := strings.IndexByte(prefix, tenantSep); tIdx > 0 {
			t.Tenant = prefix[:tIdx]
			t.Namespace = prefix[tIdx+1:]
			t.explicitTenant = true
		} else {
			t.Namespace = prefix
		}
		t.explicitNamespace = true
	}
	if t.Tenant == "" {
		t.Tenant = defaultTenant
	}
	if t.Namespace == "" {
		t.Namespace = defaultNamespace
	}

	switch t.Kind {
	case KindRetry:
		t.Group = rest
		t.Local = RetryPrefix + rest
	case KindDLQ:
		t.Group = rest
		t.Local = DLQPrefix + rest
	default:
		t.Local = rest
	}
	return t
}

// RetryTopic builds the wire name of a group's retry topic.
func RetryTopic(group string) string {
	return RetryPrefix + group
}

// DLQTopic builds the wire name of a group's dead-letter topic.
func DLQTopic(group string) string {
	return DLQPrefix + group
}

// Delay returns the pseudo-topic for one delay level. Delay topics live in
// the meta namespace; the delay scheduler consumes them out of band.
func Delay(level int) Topic {
	return Topic{
		Tenant:     MetaTenant,
		Namespace:  MetaNamespace,
		Local:      delayLocalPrefix + strconv.Itoa(level),
		Kind:       KindDelay,
		DelayLevel: level,
	}
}

// FullName renders the fully qualified backend topic family name.
func (t Topic) FullName() string {
	return Domain + "://" + t.Tenant + "/" + t.Namespace + "/" + t.Local
}

// NoDomainName renders "tenant/namespace/local", the form the external
// managers key their configuration by.
func (t Topic) NoDomainName() string {
	return t.Tenant + "/" + t.Namespace + "/" + t.Local
}

// PartitionName renders the backend name of one partition.
func (t Topic) PartitionName(partition int) string {
	if partition < 0 {
		panic(fmt.Sprintf("topic: invalid partition %d", partition))
	}
	return t.FullName() + PartitionSuffix + strconv.Itoa(partition)
}

// WireName renders the legacy form the client used, keeping the tenant and
// namespace only when the original name carried them.
func (t Topic) WireName() string {
	var prefix string
	if t.explicitNamespace {
		if t.explicitTenant {
			prefix = t.Tenant + string(tenantSep) + t.Namespace + string(namespaceSep)
		} else {
			prefix = t.Namespace + string(namespaceSep)
		}
	}
	switch t.Kind {
	case KindRetry:
		return RetryPrefix + prefix + t.Group
	case KindDLQ:
		return DLQPrefix + prefix + t.Group
	default:
		return prefix + t.Local
	}
}

// SplitPartition separates a backend partition name into the family name
// and partition index. ok is false when the name carries no partition part.
func SplitPartition(name string) (base string, partition int, ok bool) {
	idx := strings.LastIndex(name, PartitionSuffix)
	if idx < 0 {
		return name, 0, false
	}
	n, err := strconv.Atoi(name[idx+len(PartitionSuffix):])
	if err != nil || n < 0 {
		return name, 0, false
	}
	return name[:idx], n, true
}

// LocalFromBackend recovers the backend-local topic name from a fully
// qualified (optionally partitioned) backend name: the domain, tenant, and
// namespace portions are stripped along with any partition suffix.
func LocalFromBackend(name string) string {
	base, _, _ := SplitPartition(name)
	base = strings.TrimPrefix(base, Domain+"://")
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	return base
}
