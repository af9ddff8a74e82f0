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
	"net"
	"strconv"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Pool 按 host:port 维护到源站的连接 同一个 (host, port) 只会有一个 Conn
// 实例 从而保证该源站方向上"同一时刻只有一个请求在途"的顺序约束
type Pool struct {
	opts Options

	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewPool 创建一个连接池 opts 应用于池中新建的每一个 Conn
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:  opts,
		conns: make(map[string]*Conn),
	}
}

func key(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// GetOrCreate 返回给定源站的连接 不存在时创建一个新的 Disconnected 连接
func (p *Pool) GetOrCreate(host string, port int) *Conn {
	k := key(host, port)

	p.mu.RLock()
	c, ok := p.conns[k]
	p.mu.RUnlock()
	if ok {
		return c
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.conns[k]; ok {
		return c
	}
	c = New(host, port, p.opts)
	p.conns[k] = c
	return c
}

// Delete 从池中移除一个连接 不会主动关闭它 调用方需自行 Close
func (p *Pool) Delete(host string, port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, key(host, port))
}

// Len 返回池中当前连接数量
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.conns)
}

// CloseAll 关闭池中所有连接并清空 返回聚合后的关闭错误 (如果有)
func (p *Pool) CloseAll() error {
	p.mu.Lock()
	conns := make([]*Conn, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Conn)
	p.mu.Unlock()

	var errs error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
