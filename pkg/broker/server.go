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

// Package broker translates the legacy remoting protocol onto a
// ledger-addressed streaming store: producer sends become backend
// publishes, pulls become bounded backend reads, and topic routes are
// synthesized from the backend's cluster view.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/novatechflow/ropscale/pkg/backend"
	"github.com/novatechflow/ropscale/pkg/cache"
	"github.com/novatechflow/ropscale/pkg/metadata"
	"github.com/novatechflow/ropscale/pkg/protocol"
)

const (
	negCacheCapacity = 4096
	negCacheTTL      = 20 * time.Second
)

// Broker serves the legacy wire protocol over the backend store.
type Broker struct {
	cfg       *Config
	log       *slog.Logger
	client    backend.Client
	cluster   backend.Cluster
	meta      metadata.Store
	consumers *ConsumerManager
	hold      *HoldService
	negCache  *cache.PullCache
	stats     *Stats

	portListeners map[string]string
	execSem       chan struct{}

	mu        sync.Mutex
	listeners []net.Listener
	wg        sync.WaitGroup
}

// New wires a broker; reg may be nil to skip metric registration.
func New(cfg *Config, log *slog.Logger, client backend.Client, cluster backend.Cluster, meta metadata.Store, reg prometheus.Registerer) (*Broker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	portListeners, err := cfg.ListenerPortMap()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Broker{
		cfg:           cfg,
		log:           log,
		client:        client,
		cluster:       cluster,
		meta:          meta,
		consumers:     NewConsumerManager(log),
		negCache:      cache.NewPullCache(negCacheCapacity, negCacheTTL),
		stats:         NewStats(reg),
		portListeners: portListeners,
		execSem:       make(chan struct{}, cfg.PullWorkers),
	}
	b.hold = NewHoldService(b, cfg.PullWorkers)
	return b, nil
}

// Hold exposes the long-poll hold service, so store-arrival hooks can wake
// suspended pulls.
func (b *Broker) Hold() *HoldService { return b.hold }

// ListenAndServe accepts connections on every configured ingress address
// until ctx is cancelled.
func (b *Broker) ListenAndServe(ctx context.Context) error {
	addrs := b.cfg.Listeners()
	if len(addrs) == 0 {
		return errors.New("broker: no listeners configured")
	}

	for _, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.listeners = append(b.listeners, ln)
		b.mu.Unlock()
		b.log.Info("broker listening", "addr", ln.Addr().String())

		b.wg.Add(1)
		go b.acceptLoop(ctx, ln)
	}

	<-ctx.Done()
	b.mu.Lock()
	for _, ln := range b.listeners {
		_ = ln.Close()
	}
	b.mu.Unlock()
	b.hold.Stop()
	return nil
}

// Wait blocks until every accept loop and connection goroutine exits.
func (b *Broker) Wait() {
	b.wg.Wait()
}

// ListenAddresses reports the bound listener addresses once serving.
func (b *Broker) ListenAddresses() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	addrs := make([]string, 0, len(b.listeners))
	for _, ln := range b.listeners {
		addrs = append(addrs, ln.Addr().String())
	}
	return addrs
}

func (b *Broker) acceptLoop(ctx context.Context, ln net.Listener) {
	defer b.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				b.log.Warn("accept temporary error", "err", err)
				continue
			}
			b.log.Error("accept", "err", err)
			return
		}
		b.wg.Add(1)
		go func(c net.Conn) {
			defer b.wg.Done()
			b.handleConnection(c)
		}(conn)
	}
}

func (b *Broker) handleConnection(conn net.Conn) {
	sess := newSession(b, conn)
	defer conn.Close()
	defer sess.Close()
	b.log.Info("connection opened", "remote", sess.RemoteAddr())

	for {
		cmd, err := protocol.ReadCommand(conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.log.Info("connection closed", "remote", sess.RemoteAddr())
				return
			}
			sess.Fail(err)
			return
		}
		b.dispatch(sess, cmd)
	}
}

// dispatch routes one request. Send and pull traffic runs on the bounded
// executor; the backend may block there, never on the connection reader.
func (b *Broker) dispatch(sess *Session, cmd *protocol.Command) {
	switch cmd.Code {
	case protocol.SendMessage, protocol.SendMessageV2, protocol.SendBatchMessage,
		protocol.ConsumerSendMsgBack, protocol.PullMessage:
		b.execSem <- struct{}{}
		go func() {
			defer func() { <-b.execSem }()
			b.runHandler(sess, cmd)
		}()
	default:
		b.runHandler(sess, cmd)
	}
}

// runHandler executes one request and writes the response. A panic maps to
// SYSTEM_ERROR instead of killing the connection's reader.
func (b *Broker) runHandler(sess *Session, cmd *protocol.Command) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panic", "code", cmd.Code, "remote", sess.RemoteAddr(), "panic", r)
			if !cmd.IsOneway() {
				b.respond(sess, protocol.NewResponse(protocol.SystemError, cmd.Opaque, "internal error"))
			}
		}
	}()

	var resp *protocol.Command
	switch cmd.Code {
	case protocol.SendMessage, protocol.SendMessageV2, protocol.SendBatchMessage:
		resp = b.handleSend(sess, cmd)
	case protocol.ConsumerSendMsgBack:
		resp = b.handleSendBack(sess, cmd)
	case protocol.PullMessage:
		resp = b.handlePull(sess, cmd, true)
	case protocol.HeartBeat:
		resp = b.handleHeartbeat(sess, cmd)
	case protocol.UnregisterClient:
		resp = b.handleUnregister(sess, cmd)
	case protocol.GetRouteInfoByTopic:
		resp = b.handleRouteInfo(sess, cmd)
	case protocol.GetBrokerClusterInfo:
		resp = b.handleClusterInfo(cmd)
	default:
		resp = protocol.NewResponse(protocol.RequestCodeNotSupported, cmd.Opaque,
			"request code not supported")
	}

	if resp == nil || cmd.IsOneway() {
		return
	}
	b.respond(sess, resp)
}

func (b *Broker) respond(sess *Session, resp *protocol.Command) {
	resp.MarkResponse()
	if err := sess.writeCommand(resp); err != nil {
		b.log.Warn("write response", "remote", sess.RemoteAddr(), "err", err)
	}
}

// handleHeartbeat applies the client's registration: producer groups are
// acknowledged, consumer groups join the live table with their
// subscriptions.
func (b *Broker) handleHeartbeat(sess *Session, cmd *protocol.Command) *protocol.Command {
	var data protocol.HeartbeatData
	if err := json.Unmarshal(cmd.Body, &data); err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, "decode heartbeat: "+err.Error())
	}
	for _, consumerData := range data.ConsumerDataSet {
		if consumerData.GroupName == "" {
			continue
		}
		b.consumers.RegisterConsumer(consumerData, sess)
		// First heartbeat creates the durable group config with defaults.
		if _, err := b.meta.SubscriptionGroup(context.Background(), consumerData.GroupName); errors.Is(err, metadata.ErrNotFound) {
			if err := b.meta.PutSubscriptionGroup(context.Background(), metadata.DefaultSubscriptionGroup(consumerData.GroupName)); err != nil {
				b.log.Warn("heartbeat: persist subscription group", "group", consumerData.GroupName, "err", err)
			}
		}
	}
	return protocol.NewResponse(protocol.Success, cmd.Opaque, "")
}

func (b *Broker) handleUnregister(sess *Session, cmd *protocol.Command) *protocol.Command {
	header, err := protocol.DecodeUnregisterHeader(cmd)
	if err != nil {
		return protocol.NewResponse(protocol.SystemError, cmd.Opaque, err.Error())
	}
	if header.ConsumerGroup != "" {
		b.consumers.UnregisterConsumer(header.ConsumerGroup, sess)
	}
	return protocol.NewResponse(protocol.Success, cmd.Opaque, "")
}
