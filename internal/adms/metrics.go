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

package adms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	payloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timeclock_payloads_total",
			Help: "The total number of payloads uploaded by terminals",
		},
	)
	linesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeclock_lines_total",
			Help: "The total number of protocol lines, by parse result",
		},
		[]string{"result"},
	)
	punchesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timeclock_punches_total",
			Help: "The total number of attendance punches decoded",
		},
	)
	userDuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "timeclock_user_duplicates_total",
			Help: "The total number of USER records ignored because the PIN was already cached",
		},
	)
	commandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "timeclock_commands_total",
			Help: "The total number of command lifecycle transitions, by state",
		},
		[]string{"state"},
	)
	devicesKnown = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "timeclock_devices",
			Help: "The number of terminals with in-memory state",
		},
	)
)
