// Copyright 2023 UMH Systems GmbH
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

package relay

import (
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/united-manufacturing-hub/timeclock-bridge/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const publishTimeout = 5 * time.Second

type MQTTConfig struct {
	BrokerURL   string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTPublisher publishes every stored punch to <prefix>/<serial>/punch.
type MQTTPublisher struct {
	client MQTT.Client
	prefix string
}

type punchMessage struct {
	store.PunchRecord
	TimestampMs int64 `json:"timestamp_ms"`
}

// NewMQTTPublisher connects to the broker and registers a readiness check on health.
func NewMQTTPublisher(cfg MQTTConfig, health healthcheck.Handler) (*MQTTPublisher, error) {
	zap.S().Debugf("Setting up MQTT")

	opts := MQTT.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	hostname, err := os.Hostname()
	if err != nil {
		zap.S().Warnf("Failed to read hostname: %s", err)
	}
	opts.SetClientID(clientID(cfg.ClientID, hostname))
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetOnConnectHandler(onConnect)
	opts.SetConnectionLostHandler(onConnectionLost)

	client := MQTT.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	zap.S().Infof("Publishing punches to %s below %s", cfg.BrokerURL, cfg.TopicPrefix)

	if health != nil {
		health.AddReadinessCheck("mqtt-check", checkConnected(client))
	}
	return &MQTTPublisher{client: client, prefix: strings.TrimSuffix(cfg.TopicPrefix, "/")}, nil
}

func (p *MQTTPublisher) PublishPunch(rec store.PunchRecord) error {
	payload, err := json.Marshal(punchMessage{
		PunchRecord: rec,
		TimestampMs: rec.PunchedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}
	token := p.client.Publish(punchTopic(p.prefix, rec.Serial), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		mqttPublished.WithLabelValues("timeout").Inc()
		return errors.New("publish timed out")
	}
	if err = token.Error(); err != nil {
		mqttPublished.WithLabelValues("error").Inc()
		return err
	}
	mqttPublished.WithLabelValues("ok").Inc()
	return nil
}

func (p *MQTTPublisher) Close() {
	zap.S().Debugf("Disconnecting from MQTT")
	p.client.Disconnect(1000)
}

// clientID suffixes base with a hash of the hostname, replicas sharing a configured id would
// otherwise keep disconnecting each other.
func clientID(base string, hostname string) string {
	hasher := sha3.New256()
	hasher.Write([]byte(hostname))
	return base + "-" + hex.EncodeToString(hasher.Sum(nil))[:8]
}

// punchTopic builds the topic, replacing characters MQTT reserves in a serial.
func punchTopic(prefix string, serial string) string {
	serial = strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#':
			return '_'
		}
		return r
	}, serial)
	return prefix + "/" + serial + "/punch"
}

func onConnect(c MQTT.Client) {
	optionsReader := c.OptionsReader()
	zap.S().Infof("Connected to MQTT broker as %s", optionsReader.ClientID())
	mqttConnected.Set(1)
}

func onConnectionLost(c MQTT.Client, err error) {
	optionsReader := c.OptionsReader()
	zap.S().Warnf("Connection to MQTT broker lost (%s): %s", optionsReader.ClientID(), err)
	mqttConnected.Set(0)
}

func checkConnected(c MQTT.Client) healthcheck.Check {
	return func() error {
		if c.IsConnected() {
			return nil
		}
		return errors.New("not connected")
	}
}
