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

package topic

import "testing"

func TestParseShapes(t *testing.T) {
	cases := []struct {
		raw       string
		tenant    string
		namespace string
		local     string
		kind      Kind
		group     string
	}{
		{"orders", "rocketmq", "public", "orders", KindNormal, ""},
		{"billing%orders", "rocketmq", "billing", "orders", KindNormal, ""},
		{"acme|billing%orders", "acme", "billing", "orders", KindNormal, ""},
		{"%RETRY%shipping-group", "rocketmq", "public", "%RETRY%shipping-group", KindRetry, "shipping-group"},
		{"%DLQ%shipping-group", "rocketmq", "public", "%DLQ%shipping-group", KindDLQ, "shipping-group"},
	}
	for _, tc := range cases {
		got := Parse(tc.raw)
		if got.Tenant != tc.tenant || got.Namespace != tc.namespace || got.Local != tc.local {
			t.Fatalf("parse(%q) = %s/%s/%s", tc.raw, got.Tenant, got.Namespace, got.Local)
		}
		if got.Kind != tc.kind {
			t.Fatalf("parse(%q) kind = %v want %v", tc.raw, got.Kind, tc.kind)
		}
		if got.Group != tc.group {
			t.Fatalf("parse(%q) group = %q want %q", tc.raw, got.Group, tc.group)
		}
	}
}

func TestFullAndPartitionNames(t *testing.T) {
	parsed := Parse("acme|billing%orders")
	if got := parsed.FullName(); got != "persistent://acme/billing/orders" {
		t.Fatalf("full name = %q", got)
	}
	if got := parsed.PartitionName(3); got != "persistent://acme/billing/orders-partition-3" {
		t.Fatalf("partition name = %q", got)
	}
	if got := parsed.NoDomainName(); got != "acme/billing/orders" {
		t.Fatalf("no-domain name = %q", got)
	}
}

func TestWireNameRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"orders",
		"billing%orders",
		"acme|billing%orders",
		"%RETRY%group-a",
		"%DLQ%group-a",
	} {
		if got := Parse(raw).WireName(); got != raw {
			t.Fatalf("wire round trip %q -> %q", raw, got)
		}
	}
}

func TestBackendRoundTrip(t *testing.T) {
	for _, raw := range []string{"orders", "billing%orders", "%RETRY%group-a"} {
		parsed := Parse(raw)
		if got := LocalFromBackend(parsed.PartitionName(7)); got != parsed.Local {
			t.Fatalf("backend round trip %q: got local %q want %q", raw, got, parsed.Local)
		}
	}
}

func TestSplitPartition(t *testing.T) {
	base, partition, ok := SplitPartition("persistent://rocketmq/public/orders-partition-12")
	if !ok || partition != 12 || base != "persistent://rocketmq/public/orders" {
		t.Fatalf("split = %q %d %v", base, partition, ok)
	}
	if _, _, ok := SplitPartition("persistent://rocketmq/public/orders"); ok {
		t.Fatalf("expected no partition part")
	}
}

func TestDelayTopic(t *testing.T) {
	d := Delay(3)
	if d.Kind != KindDelay || d.DelayLevel != 3 {
		t.Fatalf("delay topic kind/level = %v/%d", d.Kind, d.DelayLevel)
	}
	if got := d.FullName(); got != "persistent://rocketmq/__rocketmq/rmq-delay-level-3" {
		t.Fatalf("delay full name = %q", got)
	}
}

func TestRetryAndDLQBuilders(t *testing.T) {
	if RetryTopic("g") != "%RETRY%g" || DLQTopic("g") != "%DLQ%g" {
		t.Fatalf("prefix builders broken: %q %q", RetryTopic("g"), DLQTopic("g"))
	}
}
