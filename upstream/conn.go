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

// Package upstream 实现了到源站的 HTTP/1.x 客户端连接
//
// 每个 Conn 对应一个 (host, port) 的源站连接 同一时刻只有一个请求在途
// 响应按照请求入队顺序通过回调交付 这是参照实现中"单线程事件循环 + FIFO"模型
// 在 Go 里用一个常驻 goroutine 驱动状态机的等价表达: 没有 worker 池 没有
// 非阻塞 I/O 回调注册 只是把同样的顺序保证用阻塞 I/O + 互斥锁保护的队列重新表达了一遍
package upstream

import (
	"bufio"
	"bytes"
	"container/list"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/packetd/proxy/common"
	"github.com/packetd/proxy/internal/headers"
	"github.com/packetd/proxy/internal/proxyerr"
	"github.com/packetd/proxy/logger"
)

// State 是连接的生命周期状态
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options 控制连接的超时与重试行为
type Options struct {
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	RetryMax     int
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5
	}
	return o
}

// Callback 在响应就绪 (或最终失败) 时被调用 失败时 resp 为 nil
type Callback func(resp *Response, err error)

type pending struct {
	req *Request
	cb  Callback
}

// Conn 是到单个源站的 HTTP/1.x 客户端连接
type Conn struct {
	host string
	port int
	opts Options

	mu      sync.Mutex
	state   State
	netConn net.Conn
	br      *bufio.Reader
	bw      *bufio.Writer
	queue   *list.List // of *pending, front 是正在处理或即将处理的请求
	attempt int

	idleActive bool
	idleGen    uint64
}

// New 创建一个初始状态为 Disconnected 的连接 此调用不会发起网络操作
func New(host string, port int, opts Options) *Conn {
	return &Conn{
		host:  host,
		port:  port,
		opts:  opts.withDefaults(),
		state: Disconnected,
		queue: list.New(),
	}
}

// State 返回当前连接状态
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Enqueue 将请求追加到 FIFO 队尾 如果连接处于 Disconnected 会触发 connect()
//
// 一个连接终生只有一个常驻 goroutine 驱动 runLoop (包括它在队列为空时阻塞在
// armIdleWatch 里的阶段) Enqueue 本身从不派生新的 goroutine 去处理读写
// 队列为空且该 goroutine 正阻塞在 idle-watch 上时 这里只需要唤醒它
func (c *Conn) Enqueue(req *Request, cb Callback) {
	c.mu.Lock()
	c.queue.PushBack(&pending{req: req, cb: cb})
	state := c.state
	idleActive := c.idleActive
	if state == Disconnected {
		c.state = Connecting
	}
	c.mu.Unlock()

	switch state {
	case Disconnected:
		go c.connectAndRun()
	case Connected:
		if idleActive {
			c.cancelIdleWatch()
		}
	}
	// Connecting: the in-flight connectAndRun() call will start runLoop once dialed.
}

func (c *Conn) connectAndRun() {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(c.host, strconv.Itoa(c.port)), c.opts.DialTimeout)
	if err != nil {
		c.handleConnectFailure(err)
		return
	}

	c.mu.Lock()
	c.netConn = conn
	c.br = bufio.NewReaderSize(conn, common.ReadWriteBlockSize)
	c.bw = bufio.NewWriterSize(conn, common.ReadWriteBlockSize)
	c.state = Connected
	c.attempt = 0
	c.mu.Unlock()

	connectionsActive.Inc()
	connectionsTotal.Inc()
	defer connectionsActive.Dec()

	c.runLoop()
}

// handleConnectFailure 实现指数退避重试 min(3600s, 2^n) 直到 retry_max 次
func (c *Conn) handleConnectFailure(err error) {
	c.mu.Lock()
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	if attempt > c.opts.RetryMax {
		logger.Warnf("upstream %s:%d: giving up after %d connect attempts: %v", c.host, c.port, attempt-1, err)
		c.failAll(proxyerr.Wrap(proxyerr.KindEOF, err, "connect retries exhausted"))
		c.mu.Lock()
		c.state = Disconnected
		c.mu.Unlock()
		return
	}

	backoff := backoffFor(attempt)
	logger.Warnf("upstream %s:%d: connect attempt %d failed (%v), retrying in %s", c.host, c.port, attempt, err, backoff)
	retriesTotal.Inc()
	time.AfterFunc(backoff, func() {
		c.connectAndRun()
	})
}

func backoffFor(attempt int) time.Duration {
	const capDur = 3600 * time.Second
	d := time.Duration(1) << uint(attempt) * time.Second
	if d > capDur || d <= 0 {
		return capDur
	}
	return d
}

// runLoop 串行处理队列中的请求: 写请求 阻塞读响应 回调 再处理下一个
// 队列为空时转入 idle 守护 (armIdleWatch) 以便尽早发现源站主动断连
// 该 goroutine 贯穿连接的整个生命周期 空闲等待不会让它退出
func (c *Conn) runLoop() {
	for {
		c.mu.Lock()
		if c.queue.Len() == 0 {
			// idleActive must flip true in the same critical section as the
			// empty check: otherwise Enqueue could observe "empty, not yet
			// idle-watching" and skip the wakeup, while this goroutine then
			// blocks in Peek having missed the new item entirely.
			gen := c.idleGen
			c.idleActive = true
			br := c.br
			c.mu.Unlock()

			if !c.armIdleWatch(gen, br) {
				return
			}
			continue
		}
		front := c.queue.Front().Value.(*pending)
		c.mu.Unlock()

		if err := c.writeRequest(front.req); err != nil {
			c.popFront()
			front.cb(nil, proxyerr.Wrap(proxyerr.KindConnect, err, "write request"))
			c.failAll(proxyerr.Wrap(proxyerr.KindEOF, err, "connection broken while writing"))
			c.close()
			return
		}

		resp, err := c.readResponse()
		c.popFront()
		if err != nil {
			front.cb(nil, err)
			c.failAll(err)
			c.close()
			return
		}

		front.cb(resp, nil)
		if !resp.KeepAlive {
			c.close()
			return
		}
	}
}

func (c *Conn) popFront() {
	c.mu.Lock()
	if e := c.queue.Front(); e != nil {
		c.queue.Remove(e)
	}
	c.mu.Unlock()
}

// failAll 以 err 回调队列中剩余的所有请求 用于连接中途失败时清空 FIFO
func (c *Conn) failAll(err error) {
	c.mu.Lock()
	var drained []*pending
	for e := c.queue.Front(); e != nil; e = c.queue.Front() {
		drained = append(drained, e.Value.(*pending))
		c.queue.Remove(e)
	}
	c.mu.Unlock()

	for _, p := range drained {
		p.cb(nil, err)
	}
}

func (c *Conn) writeRequest(req *Request) error {
	c.mu.Lock()
	bw, netConn := c.bw, c.netConn
	c.mu.Unlock()

	if c.opts.WriteTimeout > 0 {
		_ = netConn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}

	h := stripHopByHop(req.Header)
	if req.Method == "POST" && !h.Has("Content-Length") {
		_ = h.Add("Content-Length", strconv.Itoa(len(req.Body)))
	}

	var buf bytes.Buffer
	buf.WriteString(req.Method)
	buf.WriteByte(' ')
	buf.WriteString(req.Target)
	buf.WriteByte(' ')
	buf.WriteString(req.Proto)
	buf.WriteString("\r\n")
	buf.Write(h.Bytes())
	buf.WriteString("\r\n")
	buf.Write(req.Body)

	if _, err := bw.Write(buf.Bytes()); err != nil {
		return err
	}
	return bw.Flush()
}

// readResponse 实现响应读取状态机: FirstLine -> Headers -> Body
func (c *Conn) readResponse() (*Response, error) {
	c.mu.Lock()
	br, netConn := c.br, c.netConn
	c.mu.Unlock()

	if c.opts.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}

	if err := skipLeadingCRLF(br); err != nil {
		return nil, classifyReadErr(err)
	}

	statusLine, err := readLine(br)
	if err != nil {
		return nil, classifyReadErr(err)
	}
	proto, code, reason, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, proxyerr.Wrap(proxyerr.KindParse, err, "status line")
	}

	var headerBlock bytes.Buffer
	for {
		line, err := readLine(br)
		if err != nil {
			return nil, classifyReadErr(err)
		}
		headerBlock.Write(line)
		headerBlock.WriteString("\r\n")
		if len(line) == 0 {
			break
		}
	}
	h, err := headers.Parse(headerBlock.Bytes())
	if err != nil {
		return nil, err
	}

	body, err := readBody(br, h, proto)
	if err != nil {
		return nil, classifyReadErr(err)
	}

	return &Response{
		Proto:      proto,
		StatusCode: code,
		Reason:     reason,
		Header:     h,
		KeepAlive:  keepAliveFor(proto, h),
		Body:       body,
	}, nil
}

func classifyReadErr(err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		timeoutsTotal.Inc()
		return proxyerr.Wrap(proxyerr.KindTimeout, err, "read timed out")
	}
	eofsTotal.Inc()
	return proxyerr.Wrap(proxyerr.KindEOF, err, "unexpected close reading response")
}

// skipLeadingCRLF 容忍源站在状态行前多发的空 CRLF/LF (4.2 节的宽容解析要求)
func skipLeadingCRLF(br *bufio.Reader) error {
	skipped := false
	for {
		b, err := br.Peek(1)
		if err != nil {
			return err
		}
		if b[0] != '\r' && b[0] != '\n' {
			break
		}
		if _, err := br.Discard(1); err != nil {
			return err
		}
		skipped = true
	}
	if skipped {
		logger.Debugf("upstream: server sent gratuitous \\r\\n!")
	}
	return nil
}

// readLine 读取一行 (不含结尾 CRLF/LF)
func readLine(br *bufio.Reader) ([]byte, error) {
	line, err := br.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	line = bytes.TrimSuffix(line, []byte("\n"))
	line = bytes.TrimSuffix(line, []byte("\r"))
	return line, nil
}

func parseStatusLine(line []byte) (proto string, code int, reason string, err error) {
	parts := strings.SplitN(string(line), " ", 3)
	if len(parts) < 2 {
		return "", 0, "", errors.Errorf("malformed status line %q", line)
	}
	code, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", errors.Wrapf(err, "malformed status code in %q", line)
	}
	if len(parts) == 3 {
		reason = parts[2]
	}
	return parts[0], code, reason, nil
}

func keepAliveFor(proto string, h *headers.Map) bool {
	conn := strings.ToLower(h.Get("Connection"))
	if proto == "HTTP/1.0" {
		return conn == "keep-alive"
	}
	return conn != "close"
}

// readBody 依据 4.4 节的成帧规则读取响应体: chunked / Content-Length / read-to-close
func readBody(br *bufio.Reader, h *headers.Map, proto string) ([]byte, error) {
	if strings.EqualFold(h.Get("Transfer-Encoding"), "chunked") {
		return readChunkedBody(br)
	}
	if cl := h.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, proxyerr.New(proxyerr.KindParse, "invalid Content-Length %q", cl)
		}
		buf := make([]byte, n)
		if _, err := readFull(br, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	keepAlive := keepAliveFor(proto, h)
	if keepAlive {
		return nil, proxyerr.New(proxyerr.KindParse, "response has no length framing and keep-alive requested")
	}
	return readToClose(br)
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func readChunkedBody(br *bufio.Reader) ([]byte, error) {
	var out bytes.Buffer
	for {
		sizeLine, err := readLine(br)
		if err != nil {
			return nil, err
		}
		sizeStr := string(bytes.SplitN(sizeLine, []byte(";"), 2)[0])
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return nil, proxyerr.New(proxyerr.KindParse, "invalid chunk size %q", sizeLine)
		}
		if size == 0 {
			// trailing headers block, terminated by a blank line.
			for {
				trailer, err := readLine(br)
				if err != nil {
					return nil, err
				}
				if len(trailer) == 0 {
					break
				}
			}
			return out.Bytes(), nil
		}

		chunk := make([]byte, size)
		if _, err := readFull(br, chunk); err != nil {
			return nil, err
		}
		out.Write(chunk)

		// consume the CRLF that terminates the chunk data.
		if _, err := readLine(br); err != nil {
			return nil, err
		}
	}
}

func readToClose(br *bufio.Reader) ([]byte, error) {
	var out bytes.Buffer
	buf := make([]byte, common.ReadWriteBlockSize)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if err != nil {
			return out.Bytes(), nil
		}
	}
}

// armIdleWatch 阻塞 Peek 一个字节 用于及早发现源站主动关闭连接
//
// gen/br 由调用方在判定队列为空的同一临界区内快照 取消通过递增 idleGen +
// 设置一个已过期的读超时实现: Enqueue 侧用 SetReadDeadline 强制打断阻塞中的
// Peek 被打断的 watcher 醒来后发现 generation 不匹配 说明是被新请求唤醒而非
// 连接真的出了问题 返回 true 让 runLoop 回到循环顶部重新取队列
//
// 返回 false 表示连接已经关闭 调用方 (runLoop) 应当退出
func (c *Conn) armIdleWatch(gen uint64, br *bufio.Reader) bool {
	_, err := br.Peek(1)

	c.mu.Lock()
	cancelled := gen != c.idleGen
	c.idleActive = false
	c.mu.Unlock()
	if cancelled {
		return true
	}

	if err == nil {
		err = errors.New("unexpected data on idle upstream connection")
	}
	logger.Debugf("upstream %s:%d: idle connection closed (%v)", c.host, c.port, err)
	c.close()
	return false
}

// cancelIdleWatch 打断正阻塞在 armIdleWatch 里的常驻 goroutine
func (c *Conn) cancelIdleWatch() {
	c.mu.Lock()
	c.idleGen++
	netConn := c.netConn
	c.mu.Unlock()
	if netConn != nil {
		_ = netConn.SetReadDeadline(time.Unix(1, 0))
	}
}

// close 关闭底层 socket 并将连接标记为 Disconnected
func (c *Conn) close() error {
	c.mu.Lock()
	conn := c.netConn
	c.netConn = nil
	c.state = Disconnected
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// Close 主动关闭连接 清空 FIFO 中尚未处理的请求
func (c *Conn) Close() error {
	c.failAll(proxyerr.ErrConnClosed)
	return c.close()
}
