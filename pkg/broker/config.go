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
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/novatechflow/ropscale/pkg/protocol"
)

// Config is immutable after startup; every tunable the request paths read
// lives here.
type Config struct {
	ClusterName string `yaml:"clusterName"`
	BrokerName  string `yaml:"brokerName"`

	// RocketmqListeners lists ingress addresses, comma separated
	// ("0.0.0.0:9876,0.0.0.0:9877"). The first entry's port is the
	// service port advertised in message ids and fallback routes.
	RocketmqListeners string `yaml:"rocketmqListeners"`
	// RocketmqListenerPortMap maps an ingress port to the backend
	// listener name advertised to clients arriving on it
	// ("9876:internal,9877:external").
	RocketmqListenerPortMap string `yaml:"rocketmqListenerPortMap"`

	MaxDelayLevelNum          int `yaml:"maxDelayLevelNum"`
	ScheduleTopicPartitionNum int `yaml:"rmqScheduleTopicPartitionNum"`

	LongPollingEnable     bool  `yaml:"longPollingEnable"`
	ShortPollingTimeMills int64 `yaml:"shortPollingTimeMills"`

	BrokerPermission    int32 `yaml:"brokerPermission"`
	CommercialBaseCount int   `yaml:"commercialBaseCount"`
	DLQNumsPerGroup     int32 `yaml:"dlqNumsPerGroup"`

	SendTimeoutMillis  int64 `yaml:"sendTimeoutMillis"`
	FetchTimeoutMillis int64 `yaml:"fetchTimeoutMillis"`

	PullWorkers int `yaml:"pullWorkers"`

	MetricsAddr string `yaml:"metricsAddr"`

	EtcdEndpoints []string `yaml:"etcdEndpoints"`
	EtcdUsername  string   `yaml:"etcdUsername"`
	EtcdPassword  string   `yaml:"etcdPassword"`
}

// DefaultConfig returns the settings a bare broker starts with.
func DefaultConfig() *Config {
	return &Config{
		ClusterName:               "DefaultCluster",
		BrokerName:                "ropscale-broker",
		RocketmqListeners:         "0.0.0.0:9876",
		RocketmqListenerPortMap:   "9876:internal",
		MaxDelayLevelNum:          18,
		ScheduleTopicPartitionNum: 5,
		LongPollingEnable:         true,
		ShortPollingTimeMills:     1000,
		BrokerPermission:          protocol.PermRead | protocol.PermWrite,
		CommercialBaseCount:       1,
		DLQNumsPerGroup:           1,
		SendTimeoutMillis:         500,
		FetchTimeoutMillis:        100,
		PullWorkers:               16,
		MetricsAddr:               ":9878",
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("broker: read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("broker: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the request paths cannot serve.
func (c *Config) Validate() error {
	if c.RocketmqListeners == "" {
		return fmt.Errorf("broker: rocketmqListeners required")
	}
	if c.ScheduleTopicPartitionNum <= 0 {
		return fmt.Errorf("broker: rmqScheduleTopicPartitionNum must be positive")
	}
	if c.DLQNumsPerGroup <= 0 {
		return fmt.Errorf("broker: dlqNumsPerGroup must be positive")
	}
	if _, err := c.ListenerPortMap(); err != nil {
		return err
	}
	return nil
}

// Listeners splits the configured ingress addresses.
func (c *Config) Listeners() []string {
	parts := strings.Split(c.RocketmqListeners, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ServicePort is the first listener's port.
func (c *Config) ServicePort() int32 {
	listeners := c.Listeners()
	if len(listeners) == 0 {
		return 0
	}
	idx := strings.LastIndexByte(listeners[0], ':')
	if idx < 0 {
		return 0
	}
	port, err := strconv.ParseInt(listeners[0][idx+1:], 10, 32)
	if err != nil {
		return 0
	}
	return int32(port)
}

// ListenerPortMap parses the port-to-listener-name mapping.
func (c *Config) ListenerPortMap() (map[string]string, error) {
	m := make(map[string]string)
	if c.RocketmqListenerPortMap == "" {
		return m, nil
	}
	for _, part := range strings.Split(c.RocketmqListenerPortMap, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, ":", 2)
		if len(kv) != 2 || strings.TrimSpace(kv[0]) == "" || strings.TrimSpace(kv[1]) == "" {
			return nil, fmt.Errorf("broker: bad rocketmqListenerPortMap entry %q", part)
		}
		m[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return m, nil
}
