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
	"math/rand"
	"net"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/novatechflow/ropscale/pkg/protocol"
	"github.com/novatechflow/ropscale/pkg/topic"
)

var brokerAddrPattern = regexp.MustCompile(`([^/:]+:)(\d+)`)

// handleRouteInfo answers GET_ROUTEINFO_BY_TOPIC by mapping the backend's
// partition owners onto legacy broker/queue records.
func (b *Broker) handleRouteInfo(s *Session, cmd *protocol.Command) *protocol.Command {
	header, err := protocol.DecodeRouteHeader(cmd)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}

	// A lookup for the cluster name itself returns one arbitrary live
	// broker; clients use this when creating topics.
	if header.Topic == b.cfg.ClusterName {
		brokers, err := b.cluster.ActiveBrokers(context.Background(), b.cfg.ClusterName)
		if err != nil || len(brokers) == 0 {
			b.log.Error("route: cluster lookup failed", "cluster", b.cfg.ClusterName, "err", err)
			return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "")
		}
		chosen := brokers[rand.Intn(len(brokers))]
		route := &protocol.TopicRouteData{
			BrokerDatas: []protocol.BrokerData{{
				Cluster:     b.cfg.ClusterName,
				BrokerName:  hostOf(chosen),
				BrokerAddrs: map[int64]string{protocol.MasterBrokerID: b.rewritePort(chosen)},
			}},
			QueueDatas: []protocol.QueueData{},
		}
		return routeResponse(cmd, route)
	}

	listenerName := b.listenerNameFor(s)

	parsed := topic.Parse(header.Topic)
	topicConfig, err := b.meta.TopicConfig(context.Background(), header.Topic)
	if err == nil {
		owners, ownersErr := b.cluster.PartitionOwners(context.Background(), parsed.FullName(), int(topicConfig.ReadQueueNums))
		if ownersErr == nil && len(owners) > 0 {
			route := b.buildRoute(owners, listenerName)
			if len(route.BrokerDatas) > 0 {
				return routeResponse(cmd, route)
			}
		} else if ownersErr != nil {
			b.log.Warn("route: partition owners lookup failed", "topic", header.Topic, "err", ownersErr)
		}
	}

	return protocol.NewResponse(protocol.TopicNotExist, cmd.Opaque,
		"No topic route info in name server for the topic: "+header.Topic)
}

// buildRoute synthesizes one BrokerData and one QueueData per owning
// broker; queue counts reflect how many partitions each broker serves.
func (b *Broker) buildRoute(owners map[int]string, listenerName string) *protocol.TopicRouteData {
	perBroker := make(map[string]int32)
	for _, addr := range owners {
		perBroker[hostOf(addr)]++
	}
	names := make([]string, 0, len(perBroker))
	for name := range perBroker {
		names = append(names, name)
	}
	sort.Strings(names)

	route := &protocol.TopicRouteData{}
	for _, name := range names {
		advertised := b.advertisedAddr(name, listenerName)
		route.BrokerDatas = append(route.BrokerDatas, protocol.BrokerData{
			Cluster:     b.cfg.ClusterName,
			BrokerName:  name,
			BrokerAddrs: map[int64]string{protocol.MasterBrokerID: advertised},
		})
		route.QueueDatas = append(route.QueueDatas, protocol.QueueData{
			BrokerName:     name,
			ReadQueueNums:  perBroker[name],
			WriteQueueNums: perBroker[name],
			Perm:           protocol.PermRead | protocol.PermWrite,
		})
	}
	return route
}

// handleClusterInfo answers GET_BROKER_CLUSTER_INFO.
func (b *Broker) handleClusterInfo(cmd *protocol.Command) *protocol.Command {
	brokers, err := b.cluster.ActiveBrokers(context.Background(), b.cfg.ClusterName)
	if err != nil {
		b.log.Error("cluster info lookup failed", "cluster", b.cfg.ClusterName, "err", err)
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "")
	}

	addrTable := make(map[string]protocol.BrokerData, len(brokers))
	names := make([]string, 0, len(brokers))
	for _, addr := range brokers {
		name := hostOf(addr)
		addrTable[name] = protocol.BrokerData{
			Cluster:     b.cfg.ClusterName,
			BrokerName:  name,
			BrokerAddrs: map[int64]string{protocol.MasterBrokerID: b.rewritePort(addr)},
		}
		names = append(names, name)
	}
	sort.Strings(names)

	info := &protocol.ClusterInfo{
		BrokerAddrTable:  addrTable,
		ClusterAddrTable: map[string][]string{b.cfg.ClusterName: names},
	}
	body, err := json.Marshal(info)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}
	resp := protocol.NewResponse(protocol.Success, cmd.Opaque, "")
	resp.Body = body
	return resp
}

func routeResponse(cmd *protocol.Command, route *protocol.TopicRouteData) *protocol.Command {
	body, err := json.Marshal(route)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}
	resp := protocol.NewResponse(protocol.Success, cmd.Opaque, "")
	resp.Body = body
	return resp
}

// listenerNameFor maps the client's local ingress port onto the advertised
// listener set it should see.
func (b *Broker) listenerNameFor(s *Session) string {
	if s == nil || s.conn == nil {
		return ""
	}
	local := s.conn.LocalAddr().String()
	idx := strings.LastIndexByte(local, ':')
	if idx < 0 {
		return ""
	}
	return b.portListeners[local[idx+1:]]
}

// advertisedAddr resolves one backend broker host to the endpoint named by
// the listener, falling back to host:servicePort.
func (b *Broker) advertisedAddr(host, listenerName string) string {
	fallback := net.JoinHostPort(host, strconv.Itoa(int(b.cfg.ServicePort())))
	if listenerName == "" {
		return fallback
	}
	data, err := b.cluster.BrokerData(context.Background(), host)
	if err != nil || data == nil {
		b.log.Info("advertised listener lookup found no broker data", "host", host)
		return fallback
	}
	endpoint, ok := data.AdvertisedListeners[listenerName]
	if !ok {
		b.log.Info("advertised listener not found", "host", host, "listener", listenerName)
		return fallback
	}
	return strings.TrimPrefix(endpoint, "backend://")
}

// rewritePort swaps a backend service address's port for this broker's
// legacy service port.
func (b *Broker) rewritePort(addr string) string {
	addr = trimScheme(addr)
	if m := brokerAddrPattern.FindStringSubmatch(addr); m != nil {
		return m[1] + strconv.Itoa(int(b.cfg.ServicePort()))
	}
	return addr
}

func hostOf(addr string) string {
	addr = trimScheme(addr)
	if idx := strings.LastIndexByte(addr, ':'); idx >= 0 {
		return addr[:idx]
	}
	return addr
}

func trimScheme(addr string) string {
	if idx := strings.Index(addr, "://"); idx >= 0 {
		return addr[idx+3:]
	}
	return addr
}
