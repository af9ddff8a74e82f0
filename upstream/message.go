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

package upstream

import "github.com/packetd/proxy/internal/headers"

// Request 是发往源站的请求 Target 为 origin-form 的请求路径 (含 query)
type Request struct {
	Method  string
	Target  string
	Proto   string
	Header  *headers.Map
	Body    []byte
}

// Response 是从源站读回的响应
type Response struct {
	Proto      string
	StatusCode int
	Reason     string
	Header     *headers.Map
	Body       []byte

	// KeepAlive 表示该响应读取完毕后连接是否可以继续复用
	KeepAlive bool
}

// hopByHop 是请求转发给源站前必须剥离的逐跳 header
//
// Accept-Encoding 被剥离是因为本代理自己按 4.3 节的策略重新协商压缩
// Proxy-Connection 是客户端可能插入的非标准逐跳 header
var hopByHop = []string{
	"Accept-Encoding",
	"Proxy-Connection",
	"Connection",
	"Keep-Alive",
	"Transfer-Encoding",
}

func stripHopByHop(h *headers.Map) *headers.Map {
	out := h.Clone()
	for _, k := range hopByHop {
		out.Remove(k)
	}
	return out
}
