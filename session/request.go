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

package session

import (
	"bytes"
	"strings"

	"github.com/packetd/proxy/internal/headers"
	"github.com/packetd/proxy/internal/proxyerr"
)

// hopByHopToOrigin 是转发给源站前必须从客户端请求中剥离的 header 集合 (4.5.9)
var hopByHopToOrigin = []string{
	"Connection",
	"Keep-Alive",
	"Public",
	"Proxy-Authenticate",
	"Transfer-Encoding",
	"Upgrade",
	"Accept-Encoding",
	"Range",
	"Proxy-Connection",
	"Proxy-Authorization",
}

// parseRequest 解析一个已经定位到 CRLFCRLF 边界的请求块 (不含 padding)
//
// block 的格式为: "METHOD SP URL SP VERSION\r\n" + header 行 + 终止空行
func parseRequest(block []byte) (*clientRequest, error) {
	idx := bytes.Index(block, []byte("\r\n"))
	if idx < 0 {
		return nil, proxyerr.New(proxyerr.KindParse, "request: missing request line terminator")
	}
	requestLine := block[:idx]
	headerBlock := block[idx+2:]

	parts := strings.SplitN(string(requestLine), " ", 3)
	if len(parts) != 3 {
		return nil, proxyerr.New(proxyerr.KindParse, "request: malformed request line %q", requestLine)
	}
	method, target, proto := parts[0], parts[1], parts[2]

	if proto != "HTTP/1.0" && proto != "HTTP/1.1" {
		return nil, proxyerr.New(proxyerr.KindParse, "request: unsupported version %q", proto)
	}

	h, err := headers.Parse(headerBlock)
	if err != nil {
		return nil, err
	}
	host, ok := h.Find("Host")
	if !ok {
		return nil, proxyerr.New(proxyerr.KindParse, "request: missing Host header")
	}

	req := &clientRequest{
		Method:         method,
		Target:         normalizeTarget(target, host),
		Proto:          proto,
		Header:         h,
		Host:           host,
		KeepAlive:      keepAliveForRequest(proto, h),
		AcceptEncoding: h.Get("Accept-Encoding"),
	}
	return req, nil
}

// keepAliveForRequest 实现 4.5.6 的 keep-alive 判定规则
func keepAliveForRequest(proto string, h *headers.Map) bool {
	conn := strings.ToLower(h.Get("Connection"))
	if proto == "HTTP/1.0" {
		return conn == "keep-alive" && h.Has("Keep-Alive")
	}
	return conn != "close"
}

// normalizeTarget 实现 4.5.7: 绝对形式 URL 按 Host 头剥离前缀 否则原样保留
func normalizeTarget(target, host string) string {
	prefix := "http://" + host
	if strings.HasPrefix(target, prefix) {
		rest := target[len(prefix):]
		if rest == "" {
			return "/"
		}
		return rest
	}
	return target
}

// buildOriginHeader 拷贝客户端 header (引用语义上等价) 剔除逐跳/代理专用 header
func buildOriginHeader(h *headers.Map) *headers.Map {
	out := h.Clone()
	for _, k := range hopByHopToOrigin {
		out.Remove(k)
	}
	return out
}
