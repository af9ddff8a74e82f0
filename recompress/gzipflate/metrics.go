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

package gzipflate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/packetd/proxy/common"
)

var (
	compressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "responses_compressed_total",
			Help:      "Responses recompressed total, by kind (gzip/deflate)",
		},
		[]string{"kind"},
	)

	compressionAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: common.App,
			Name:      "compression_aborts_total",
			Help:      "Recompression attempts abandoned due to the early-abort ratio check, by kind",
		},
		[]string{"kind"},
	)
)

func kindLabel(deflateStyle bool) string {
	if deflateStyle {
		return "deflate"
	}
	return "gzip"
}
