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
	"fmt"
	"strconv"
	"strings"

	"github.com/packetd/proxy/common"
	"github.com/packetd/proxy/internal/headers"
	"github.com/packetd/proxy/internal/proxyerr"
	"github.com/packetd/proxy/recompress/gzipflate"
	"github.com/packetd/proxy/recompress/imagex"
	"github.com/packetd/proxy/upstream"
)

// transformSem 限制同时进行的响应体压缩/重编码数量 这些都是 CPU 密集操作
// 会话数可以远超 CPU 核数 不加限制时大量并发的大响应体会压垮调度
var transformSem = make(chan struct{}, common.Concurrency())

// bodyTransformFloor 是 4.6.5 节描述的 100 字节地板: gzip 头部开销约 20 字节
// 对极小的 body 压缩几乎总是适得其反 直接跳过变换
const bodyTransformFloor = 100

// imageSavingsFloor 是 JPEG/PNG 重编码结果相对原图体积的上限比例 (即至少缩减 10%)
// 达到才值得替换原图
const imageSavingsFloor = 0.90

// consumed 是源站响应 header 中只参与逻辑判断、不转发给客户端的一组
var consumedOriginHeaders = []string{
	"Transfer-Encoding",
	"Content-Length",
	"Connection",
}

// droppedOriginHeaders 是转发无意义的逐跳噪音 header
var droppedOriginHeaders = []string{
	"Server",
	"X-Powered-By",
	"X-Cnection",
}

// containsFold 判断 k 是否与 set 中任意一项大小写不敏感相等
func containsFold(set []string, k string) bool {
	for _, s := range set {
		if strings.EqualFold(s, k) {
			return true
		}
	}
	return false
}

// PipelineConfig 控制响应体压缩协商策略
type PipelineConfig struct {
	// PreferGzipOverDeflate 为 true 时 客户端同时接受 deflate 与 gzip 时优先选择 gzip
	// 默认 (false) 优先选择 deflate 与 4.6.5.a 的描述一致
	PreferGzipOverDeflate bool
}

// buildResponse 实现 4.6 节描述的响应流水线 返回可直接写给客户端的完整字节
// 以及源站连接是否应该被标记为 close-on-idle
func buildResponse(req *clientRequest, resp *upstream.Response, clientReadClosed bool, cfg PipelineConfig) (data []byte, closeOnIdle bool) {
	out := headers.New()
	var contentEncoding, contentType string

	resp.Header.Range(func(k, v string) bool {
		switch {
		case containsFold(consumedOriginHeaders, k):
			// consumed only; Content-Length is recomputed below regardless.
		case containsFold(droppedOriginHeaders, k):
		case strings.EqualFold(k, "Content-Encoding"):
			contentEncoding = v
			_ = out.Add(k, v)
		case strings.EqualFold(k, "Content-Type"):
			contentType = v
			_ = out.Add(k, v)
		default:
			_ = out.Add(k, v)
		}
		return true
	})

	if clientReadClosed {
		_ = out.Add("Connection", "close")
	}

	closeOnIdle = !resp.KeepAlive

	body := resp.Body
	if len(body) > bodyTransformFloor {
		body = transformBody(req, body, contentEncoding, contentType, cfg, out)
	}

	_ = out.Add("Content-Length", strconv.Itoa(len(body)))

	var buf bytes.Buffer
	buf.WriteString(resp.Proto)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(resp.StatusCode))
	buf.WriteByte(' ')
	buf.WriteString(resp.Reason)
	buf.WriteString("\r\n")
	buf.Write(out.Bytes())
	buf.WriteString("\r\n")
	buf.Write(body)

	return buf.Bytes(), closeOnIdle
}

// transformBody 实现 4.6.5 的三条变换分支 out 是已经在构建中的响应 header
// 一旦压缩/重编码成功 会就地往 out 追加 Content-Encoding
func transformBody(req *clientRequest, body []byte, contentEncoding, contentType string, cfg PipelineConfig, out *headers.Map) []byte {
	transformSem <- struct{}{}
	defer func() { <-transformSem }()

	ct := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))

	switch {
	case ct == "image/jpeg":
		if recoded, ok := imagex.RecompressJPEG(body, 30); ok && savesEnough(len(recoded), len(body)) {
			return recoded
		}
		return body

	case ct == "image/png":
		if recoded, ok := imagex.RecompressPNG(body, 30); ok && savesEnough(len(recoded), len(body)) {
			return recoded
		}
		return body

	case contentEncoding == "":
		accept := strings.ToLower(req.AcceptEncoding)
		wantsDeflate := strings.Contains(accept, "deflate")
		wantsGzip := strings.Contains(accept, "gzip")

		useDeflate := wantsDeflate && (!wantsGzip || !cfg.PreferGzipOverDeflate)
		switch {
		case useDeflate:
			if compressed, ok := gzipflate.Compress(body, 75, true); ok {
				_ = out.Add("Content-Encoding", "deflate")
				return compressed
			}
		case wantsGzip:
			if compressed, ok := gzipflate.Compress(body, 75, false); ok {
				_ = out.Add("Content-Encoding", "gzip")
				return compressed
			}
		}
		return body

	default:
		return body
	}
}

func savesEnough(recodedLen, originalLen int) bool {
	if originalLen == 0 {
		return false
	}
	return float64(recodedLen) <= imageSavingsFloor*float64(originalLen)
}

// errorResponseFor synthesizes a minimal response when the upstream call itself
// failed (connect/timeout/EOF) rather than having delivered a real response.
func errorResponseFor(err error) []byte {
	status, reason := 502, "Bad Gateway"
	if proxyerr.Is(err, proxyerr.KindTimeout) {
		status, reason = 504, "Gateway Timeout"
	}
	body := fmt.Sprintf("upstream error: %v", err)
	return []byte(fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nConnection: close\r\nContent-Length: %d\r\n\r\n%s",
		status, reason, len(body), body,
	))
}
