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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeclock_relay_punches_total",
		Help: "Punches handled by the relay by outcome",
	}, []string{"outcome"})
	unresolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeclock_relay_unresolved_total",
		Help: "Punches stored without a device or employee reference",
	}, []string{"kind"})
	mqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timeclock_mqtt_connected",
		Help: "1 while the MQTT publisher is connected",
	})
	mqttPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "timeclock_mqtt_published_total",
		Help: "Punch messages published to MQTT",
	}, []string{"result"})
)

const (
	outcomeStored    = "stored"
	outcomeSpooled   = "spooled"
	outcomeLost      = "lost"
	outcomeDuplicate = "duplicate"
)
