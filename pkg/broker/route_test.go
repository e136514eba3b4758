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
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/novatechflow/ropscale/pkg/backend"
	"github.com/novatechflow/ropscale/pkg/metadata"
	"github.com/novatechflow/ropscale/pkg/protocol"
)

// fakeCluster scripts the backend's membership view for route tests.
type fakeCluster struct {
	brokers map[string]*backend.BrokerData
	owners  map[int]string
}

func (f *fakeCluster) ActiveBrokers(ctx context.Context, cluster string) ([]string, error) {
	addrs := make([]string, 0, len(f.brokers))
	for addr := range f.brokers {
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func (f *fakeCluster) BrokerData(ctx context.Context, addr string) (*backend.BrokerData, error) {
	if data, ok := f.brokers[addr]; ok {
		return data, nil
	}
	return nil, backend.ErrTopicNotFound
}

func (f *fakeCluster) PartitionOwners(ctx context.Context, topicFamily string, partitions int) (map[int]string, error) {
	return f.owners, nil
}

func (f *fakeCluster) OwnsPartition(partitionTopic string) bool { return true }

func newRouteBroker(t *testing.T, cluster backend.Cluster) (*Broker, *metadata.InMemoryStore) {
	t.Helper()
	cfg := DefaultConfig()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := metadata.NewInMemoryStore()
	b, err := New(cfg, logger, backend.NewInMemory("127.0.0.1:9876"), cluster, store, nil)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(b.hold.Stop)
	return b, store
}

func TestRouteInfoTwoBrokers(t *testing.T) {
	cluster := &fakeCluster{
		brokers: map[string]*backend.BrokerData{
			"b1": {AdvertisedListeners: map[string]string{"internal": "b1.internal:10911"}},
			"b2": {AdvertisedListeners: map[string]string{"internal": "b2.internal:10911"}},
		},
		owners: map[int]string{
			0: "b1:6650", 1: "b1:6650", 2: "b1:6650", 3: "b1:6650",
			4: "b2:6650", 5: "b2:6650", 6: "b2:6650", 7: "b2:6650",
		},
	}
	b, store := newRouteBroker(t, cluster)
	mustPutTopic(t, store, "orders", 8)

	// No live conn: the listener name resolves empty, so the fallback
	// address path is taken; the advertised path is covered below.
	cmd := protocol.NewCommand(protocol.GetRouteInfoByTopic)
	cmd.SetExt("topic", "orders")
	resp := b.handleRouteInfo(newSession(b, nil), cmd)
	if resp.Code != protocol.Success {
		t.Fatalf("code = %d remark = %q", resp.Code, resp.Remark)
	}

	var route protocol.TopicRouteData
	if err := json.Unmarshal(resp.Body, &route); err != nil {
		t.Fatalf("decode route: %v", err)
	}
	if len(route.BrokerDatas) != 2 || len(route.QueueDatas) != 2 {
		t.Fatalf("route sizes: %d brokers %d queues", len(route.BrokerDatas), len(route.QueueDatas))
	}
	for _, queueData := range route.QueueDatas {
		if queueData.ReadQueueNums != 4 || queueData.WriteQueueNums != 4 {
			t.Fatalf("queue nums for %s: %d/%d", queueData.BrokerName, queueData.ReadQueueNums, queueData.WriteQueueNums)
		}
	}
}

func TestRouteInfoAdvertisedListener(t *testing.T) {
	cluster := &fakeCluster{
		brokers: map[string]*backend.BrokerData{
			"b1": {AdvertisedListeners: map[string]string{"external": "edge.example.com:19876"}},
		},
		owners: map[int]string{0: "b1:6650"},
	}
	b, _ := newRouteBroker(t, cluster)
	if got := b.advertisedAddr("b1", "external"); got != "edge.example.com:19876" {
		t.Fatalf("advertised addr = %q", got)
	}
	// Unknown listener falls back to host:servicePort.
	if got := b.advertisedAddr("b1", "missing"); got != "b1:9876" {
		t.Fatalf("fallback addr = %q", got)
	}
}

func TestRouteInfoUnknownTopic(t *testing.T) {
	b, _ := newRouteBroker(t, &fakeCluster{brokers: map[string]*backend.BrokerData{}, owners: map[int]string{}})
	cmd := protocol.NewCommand(protocol.GetRouteInfoByTopic)
	cmd.SetExt("topic", "missing")
	resp := b.handleRouteInfo(newSession(b, nil), cmd)
	if resp.Code != protocol.TopicNotExist {
		t.Fatalf("code = %d", resp.Code)
	}
}

func TestRouteInfoClusterNameReturnsRandomBroker(t *testing.T) {
	cluster := &fakeCluster{
		brokers: map[string]*backend.BrokerData{"b1:6650": {}, "b2:6650": {}},
		owners:  map[int]string{},
	}
	b, _ := newRouteBroker(t, cluster)
	cmd := protocol.NewCommand(protocol.GetRouteInfoByTopic)
	cmd.SetExt("topic", b.cfg.ClusterName)
	resp := b.handleRouteInfo(newSession(b, nil), cmd)
	if resp.Code != protocol.Success {
		t.Fatalf("code = %d", resp.Code)
	}
	var route protocol.TopicRouteData
	if err := json.Unmarshal(resp.Body, &route); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(route.BrokerDatas) != 1 {
		t.Fatalf("broker datas = %d", len(route.BrokerDatas))
	}
	addr := route.BrokerDatas[0].BrokerAddrs[protocol.MasterBrokerID]
	if addr != "b1:9876" && addr != "b2:9876" {
		t.Fatalf("addr = %q", addr)
	}
}

func TestClusterInfo(t *testing.T) {
	cluster := &fakeCluster{
		brokers: map[string]*backend.BrokerData{"b1:6650": {}, "b2:6650": {}},
		owners:  map[int]string{},
	}
	b, _ := newRouteBroker(t, cluster)
	resp := b.handleClusterInfo(protocol.NewCommand(protocol.GetBrokerClusterInfo))
	if resp.Code != protocol.Success {
		t.Fatalf("code = %d", resp.Code)
	}
	var info protocol.ClusterInfo
	if err := json.Unmarshal(resp.Body, &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(info.BrokerAddrTable) != 2 {
		t.Fatalf("broker addr table size = %d", len(info.BrokerAddrTable))
	}
	if len(info.ClusterAddrTable[b.cfg.ClusterName]) != 2 {
		t.Fatalf("cluster addr table = %v", info.ClusterAddrTable)
	}
}
