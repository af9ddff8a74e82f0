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

import (
	"bufio"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/packetd/proxy/internal/headers"
)

// fakeOrigin is a minimal, scriptable HTTP/1.1 origin used to exercise Conn
// without depending on a real network service.
type fakeOrigin struct {
	ln net.Listener
}

func newFakeOrigin(t *testing.T, handle func(conn net.Conn)) *fakeOrigin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fo := &fakeOrigin{ln: ln}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return fo
}

func (fo *fakeOrigin) hostPort(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(fo.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func reqHeaders(t *testing.T) *headers.Map {
	t.Helper()
	h := headers.New()
	require.NoError(t, h.Add("Host", "example.test"))
	return h
}

func TestConnSimpleRequestResponse(t *testing.T) {
	origin := newFakeOrigin(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(line, "GET") {
				continue
			}
			for {
				l, err := br.ReadString('\n')
				if err != nil || l == "\r\n" {
					break
				}
			}
			body := "hello"
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + body))
			return
		}
	})

	host, port := origin.hostPort(t)
	c := New(host, port, Options{})

	done := make(chan struct{})
	var gotResp *Response
	var gotErr error
	c.Enqueue(&Request{Method: "GET", Target: "/", Proto: "HTTP/1.1", Header: reqHeaders(t)}, func(resp *Response, err error) {
		gotResp, gotErr = resp, err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}

	require.NoError(t, gotErr)
	require.NotNil(t, gotResp)
	require.Equal(t, 200, gotResp.StatusCode)
	require.Equal(t, "hello", string(gotResp.Body))
}

func TestConnOrdersResponsesByEnqueueOrder(t *testing.T) {
	origin := newFakeOrigin(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		n := 0
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(line, "GET") {
				continue
			}
			for {
				l, err := br.ReadString('\n')
				if err != nil || l == "\r\n" {
					break
				}
			}
			n++
			body := strings.Repeat(strconv.Itoa(n), 1)
			conn.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 1\r\nConnection: keep-alive\r\n\r\n" + body))
		}
	})

	host, port := origin.hostPort(t)
	c := New(host, port, Options{})

	const total = 5
	results := make(chan string, total)
	for i := 0; i < total; i++ {
		c.Enqueue(&Request{Method: "GET", Target: "/", Proto: "HTTP/1.1", Header: reqHeaders(t)}, func(resp *Response, err error) {
			require.NoError(t, err)
			results <- string(resp.Body)
		})
	}

	var got []string
	for i := 0; i < total; i++ {
		select {
		case v := <-results:
			got = append(got, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for response %d", i)
		}
	}
	require.Equal(t, []string{"1", "2", "3", "4", "5"}, got)
}

func TestConnChunkedBody(t *testing.T) {
	origin := newFakeOrigin(t, func(conn net.Conn) {
		defer conn.Close()
		br := bufio.NewReader(conn)
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			if !strings.HasPrefix(line, "GET") {
				continue
			}
			for {
				l, err := br.ReadString('\n')
				if err != nil || l == "\r\n" {
					break
				}
			}
			resp := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\nConnection: close\r\n\r\n" +
				"5\r\nhello\r\n0\r\n\r\n"
			conn.Write([]byte(resp))
			return
		}
	})

	host, port := origin.hostPort(t)
	c := New(host, port, Options{})

	done := make(chan struct{})
	var gotResp *Response
	c.Enqueue(&Request{Method: "GET", Target: "/", Proto: "HTTP/1.1", Header: reqHeaders(t)}, func(resp *Response, err error) {
		require.NoError(t, err)
		gotResp = resp
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	require.Equal(t, "hello", string(gotResp.Body))
}

func TestConnConnectFailureEventuallyFails(t *testing.T) {
	c := New("127.0.0.1", 1, Options{DialTimeout: 50 * time.Millisecond, RetryMax: 1})

	done := make(chan struct{})
	var gotErr error
	c.Enqueue(&Request{Method: "GET", Target: "/", Proto: "HTTP/1.1", Header: reqHeaders(t)}, func(resp *Response, err error) {
		gotErr = err
		close(done)
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}
	require.Error(t, gotErr)
}
