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

// Package session 承载单个客户端连接的完整生命周期: 从输入缓冲区里切出请求
// 转发给对应的源站连接 再把回来的响应按原始到达顺序写回客户端
//
// 生命周期通过单一归属权 + 显式 dead 标志表达 而不是引用计数: Session 拥有
// 它创建的所有上游连接和消息槽位 kick() 是幂等的写入入口 队列清空且读端已
// 关闭时自行释放资源
package session

import (
	"container/list"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/packetd/proxy/common"
	"github.com/packetd/proxy/internal/ringbuf"
	"github.com/packetd/proxy/logger"
	"github.com/packetd/proxy/upstream"
)

// Config 汇总了会话构建时需要的策略与资源选项
type Config struct {
	Pipeline     PipelineConfig
	UpstreamOpts upstream.Options
}

// Session 驱动一个已接受的客户端连接
type Session struct {
	id   string
	conn net.Conn
	in   *ringbuf.Buffer
	pool *upstream.Pool
	cfg  Config

	mu          sync.Mutex
	queue       *list.List // of *pendingResponse, 顺序即请求到达顺序
	writing     bool
	kickPending bool
	readClosed  bool
	dead        bool
}

// New 包装一个已接受的客户端连接 调用 Run 开始处理
func New(conn net.Conn, cfg Config) *Session {
	return &Session{
		id:    uuid.New().String(),
		conn:  conn,
		in:    ringbuf.Acquire(),
		pool:  upstream.NewPool(cfg.UpstreamOpts),
		cfg:   cfg,
		queue: list.New(),
	}
}

// ID 返回该会话的唯一标识 仅用于日志追踪
func (s *Session) ID() string {
	return s.id
}

// Run 阻塞地驱动该会话直到连接关闭 调用方应在独立 goroutine 中调用它
func (s *Session) Run() {
	defer s.in.Release()

	sessionsActive.Inc()
	sessionsTotal.Inc()
	defer sessionsActive.Dec()

	buf := make([]byte, common.ReadWriteBlockSize)
	for {
		if s.isReadClosed() {
			return
		}

		n, err := s.conn.Read(buf)
		if n > 0 {
			bytesInTotal.Add(float64(n))
			s.in.Append(buf[:n])
			if s.drainRequests() {
				s.onReadClosed()
				return
			}
		}
		if err != nil {
			s.onReadClosed()
			return
		}
	}
}

// drainRequests 从输入缓冲区切出尽可能多的完整请求 (处理客户端流水线请求)
// 返回值为 true 时表示读端应当立即关闭 (遇到了 501 或非 keep-alive 请求)
func (s *Session) drainRequests() bool {
	for {
		skipPadding(s.in)

		idx := s.in.Search([]byte("\r\n\r\n"))
		if idx < 0 {
			return false
		}

		block := make([]byte, idx+4)
		copy(block, s.in.Bytes()[:idx+4])
		s.in.Drain(idx + 4)

		if s.handleRequestBlock(block) {
			return true
		}
	}
}

// skipPadding 实现 4.5 步骤 2: 跳过流水线请求之间多余的 CRLF/LF 填充
func skipPadding(buf *ringbuf.Buffer) {
	for buf.Len() > 0 {
		b := buf.Bytes()[0]
		if b != '\r' && b != '\n' {
			return
		}
		buf.Drain(1)
	}
}

func (s *Session) handleRequestBlock(block []byte) (stop bool) {
	req, err := parseRequest(block)
	if err != nil {
		logger.Warnf("session[%s]: dropping malformed request: %v", s.id, err)
		return false
	}

	if req.Method != "GET" {
		logger.Debugf("session[%s]: unsupported method %q, returning 501", s.id, req.Method)
		s.emitSynthetic501()
		return true
	}

	s.dispatch(req)
	return !req.KeepAlive
}

func (s *Session) dispatch(req *clientRequest) {
	s.mu.Lock()
	elem := s.queue.PushBack(&pendingResponse{})
	s.mu.Unlock()

	host, port := splitHostPort(req.Host)
	conn := s.pool.GetOrCreate(host, port)

	upstreamReq := &upstream.Request{
		Method: req.Method,
		Target: req.Target,
		Proto:  req.Proto,
		Header: buildOriginHeader(req.Header),
	}

	conn.Enqueue(upstreamReq, func(resp *upstream.Response, err error) {
		s.onUpstreamResult(elem, req, resp, err)
	})
}

func (s *Session) onUpstreamResult(elem *list.Element, req *clientRequest, resp *upstream.Response, err error) {
	var data []byte
	if err != nil {
		logger.Warnf("session[%s]: upstream request to %s failed: %v", s.id, req.Host, err)
		data = errorResponseFor(err)
	} else {
		var closeOnIdle bool
		data, closeOnIdle = buildResponse(req, resp, s.isReadClosed(), s.cfg.Pipeline)
		if closeOnIdle {
			// conn.go 的 runLoop 会在发现 !resp.KeepAlive 后自行关闭该上游连接
			// 这里主动把池里的引用一并摘除 避免后续同源站请求复用一个即将
			// 消亡的 Conn 条目 (GetOrCreate 命中后还得等一轮重连才能用)
			host, port := splitHostPort(req.Host)
			s.pool.Delete(host, port)
		}
	}

	s.mu.Lock()
	pr := elem.Value.(*pendingResponse)
	pr.data = data
	pr.ready = true
	s.mu.Unlock()

	s.kick()
}

func (s *Session) emitSynthetic501() {
	const body = "HTTP/1.1 501 Not Implemented\r\nConnection: close\r\nContent-Length: 0\r\n\r\n"
	s.mu.Lock()
	s.queue.PushBack(&pendingResponse{ready: true, data: []byte(body)})
	s.mu.Unlock()
	s.kick()
}

// kick 是幂等的写入入口: 只要消息队列头部已经 ready 就持续写出 队列清空且
// 读端已关闭时释放整个会话 并发调用时 已经在写的 goroutine 会记下
// kickPending 自己收尾前重新扫一轮 从而不会错过并发产生的新就绪消息
func (s *Session) kick() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	if s.writing {
		s.kickPending = true
		s.mu.Unlock()
		return
	}
	s.writing = true
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.dead {
			s.writing = false
			s.mu.Unlock()
			return
		}

		front := s.queue.Front()
		var pr *pendingResponse
		if front != nil {
			pr = front.Value.(*pendingResponse)
		}

		if pr == nil || !pr.ready {
			if s.kickPending {
				s.kickPending = false
				s.mu.Unlock()
				continue
			}
			s.writing = false
			shouldDispose := front == nil && s.readClosed
			s.mu.Unlock()
			if shouldDispose {
				s.dispose()
			}
			return
		}

		data := pr.data
		s.queue.Remove(front)
		s.mu.Unlock()

		n, err := s.conn.Write(data)
		bytesOutTotal.Add(float64(n))
		if err != nil {
			logger.Debugf("session[%s]: write failed, disposing: %v", s.id, err)
			s.dispose()
			return
		}
	}
}

func (s *Session) isReadClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readClosed
}

func (s *Session) onReadClosed() {
	s.mu.Lock()
	if s.readClosed {
		s.mu.Unlock()
		return
	}
	s.readClosed = true
	s.mu.Unlock()
	s.kick()
}

// dispose 是幂等的资源释放路径
func (s *Session) dispose() {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return
	}
	s.dead = true
	s.mu.Unlock()

	if err := s.pool.CloseAll(); err != nil {
		logger.Debugf("session[%s]: error closing upstream pool: %v", s.id, err)
	}
	_ = s.conn.Close()
}

func splitHostPort(hostHeader string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		return hostHeader, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return hostHeader, 80
	}
	return host, port
}
