// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/proxy/common"
)

// uptimeSeconds 在每次抓取时即时计算 避免额外起一个 ticker goroutine
var uptimeSeconds = promauto.NewGaugeFunc(
	prometheus.GaugeOpts{
		Namespace: common.App,
		Name:      "uptime_seconds",
		Help:      "Seconds since the process started",
	},
	func() float64 {
		return float64(time.Now().Unix() - common.Started())
	},
)

var buildInfo = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: common.App,
		Name:      "build_info",
		Help:      "Constant 1, labeled with build metadata",
	},
	[]string{"version", "git_hash", "time"},
)

func init() {
	info := common.GetBuildInfo()
	buildInfo.WithLabelValues(info.Version, info.GitHash, info.Time).Set(1)
}
