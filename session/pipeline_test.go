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
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/proxy/internal/headers"
	"github.com/packetd/proxy/internal/proxyerr"
	"github.com/packetd/proxy/upstream"
)

func newOriginResponse(t *testing.T, body []byte, extra map[string]string) *upstream.Response {
	t.Helper()
	h := headers.New()
	for k, v := range extra {
		require.NoError(t, h.Add(k, v))
	}
	return &upstream.Response{
		Proto:      "HTTP/1.1",
		StatusCode: 200,
		Reason:     "OK",
		Header:     h,
		KeepAlive:  true,
		Body:       body,
	}
}

func newClientReq(acceptEncoding string) *clientRequest {
	return &clientRequest{
		Method:         "GET",
		Target:         "/",
		Proto:          "HTTP/1.1",
		Header:         headers.New(),
		Host:           "example.com",
		KeepAlive:      true,
		AcceptEncoding: acceptEncoding,
	}
}

// 覆盖 finding: 源站以非规范大小写发送 Transfer-Encoding/Connection 时
// 仍必须被剥离/消费 而不是连同重新计算出的 Content-Length 一起泄露给客户端
func TestBuildResponseStripsNonCanonicalCaseHopByHopHeaders(t *testing.T) {
	body := bytes.Repeat([]byte("x"), bodyTransformFloor+1)
	resp := newOriginResponse(t, body, map[string]string{
		"transfer-encoding": "chunked",
		"CONNECTION":        "keep-alive",
		"content-length":    "999999",
		"server":            "nginx",
	})

	data, _ := buildResponse(newClientReq(""), resp, false, PipelineConfig{})
	got := string(data)

	assert.NotContains(t, strings.ToLower(got), "transfer-encoding")
	assert.NotContains(t, strings.ToLower(got), "server:")
	assert.Contains(t, got, "Content-Length: "+strconv.Itoa(len(body)))
	assert.NotContains(t, got, "999999")
}

func TestTransformBodyNegotiatesDeflateOverGzipByDefault(t *testing.T) {
	body := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	out := headers.New()
	req := newClientReq("gzip, deflate")

	result := transformBody(req, body, "", "text/plain", PipelineConfig{}, out)

	assert.Equal(t, "deflate", out.Get("Content-Encoding"))
	assert.Less(t, len(result), len(body))
}

func TestTransformBodyPrefersGzipWhenConfigured(t *testing.T) {
	body := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	out := headers.New()
	req := newClientReq("gzip, deflate")

	result := transformBody(req, body, "", "text/plain", PipelineConfig{PreferGzipOverDeflate: true}, out)

	assert.Equal(t, "gzip", out.Get("Content-Encoding"))
	assert.Less(t, len(result), len(body))
}

func TestTransformBodySkipsAlreadyEncodedResponses(t *testing.T) {
	body := bytes.Repeat([]byte("already compressed upstream"), 50)
	out := headers.New()
	req := newClientReq("gzip, deflate")

	result := transformBody(req, body, "br", "text/plain", PipelineConfig{}, out)

	assert.Equal(t, body, result)
	assert.Empty(t, out.Get("Content-Encoding"))
}

func TestSavesEnoughRejectsBelowFloor(t *testing.T) {
	// Recoded body is 95% of original: saves only 5%, below the 10% savings floor, reject.
	assert.False(t, savesEnough(95, 100))
	assert.True(t, savesEnough(89, 100))
	assert.False(t, savesEnough(1, 0))
}

func TestErrorResponseForSelectsStatusByKind(t *testing.T) {
	timeoutResp := string(errorResponseFor(proxyerr.New(proxyerr.KindTimeout, "deadline exceeded")))
	assert.Contains(t, timeoutResp, "504 Gateway Timeout")

	connectResp := string(errorResponseFor(proxyerr.New(proxyerr.KindConnect, "connection refused")))
	assert.Contains(t, connectResp, "502 Bad Gateway")

	eofResp := string(errorResponseFor(proxyerr.New(proxyerr.KindEOF, "unexpected close")))
	assert.Contains(t, eofResp, "502 Bad Gateway")
}
