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

// Package proxy 编排监听套接字的接受循环 将每个新连接包装为一个 session.Session
// 并驱动它的生命周期 同时负责 admin server 的启动与配置热加载
package proxy

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/pkg/errors"

	"github.com/packetd/proxy/common"
	"github.com/packetd/proxy/confengine"
	"github.com/packetd/proxy/logger"
	"github.com/packetd/proxy/server"
	"github.com/packetd/proxy/session"
)

// configLoader 产出一份 confengine.Config 供构建与 /-/reload 共用 允许 Proxy
// 既可以由磁盘上的 YAML 文件驱动 也可以由进程内置的默认值驱动 (未传 --config 时)
type configLoader func() (*confengine.Config, error)

// Proxy 是进程的顶层编排者
type Proxy struct {
	ctx    context.Context
	cancel context.CancelFunc

	load configLoader
	cfg  Config
	svr  *server.Server

	ln net.Listener

	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

func newFromLoader(load configLoader) (*Proxy, error) {
	conf, err := load()
	if err != nil {
		return nil, errors.Wrap(err, "proxy: failed to load config")
	}

	var cfg Config
	if err := conf.UnpackChild("proxy", &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	svr, err := server.New(conf)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Proxy{
		ctx:      ctx,
		cancel:   cancel,
		load:     load,
		cfg:      cfg,
		svr:      svr,
		sessions: make(map[*session.Session]struct{}),
	}, nil
}

// New 根据配置文件路径构建 Proxy 实例 路径被保留下来以支持 /-/reload 重新读盘
func New(confPath string) (*Proxy, error) {
	return newFromLoader(func() (*confengine.Config, error) {
		return confengine.LoadConfigPath(confPath)
	})
}

// NewDefault 构建一个不依赖配置文件的 Proxy 实例 仅使用内置的默认策略值
// 重新加载时只是重新应用同一份默认值 (幂等, 不读盘)
func NewDefault() (*Proxy, error) {
	return newFromLoader(func() (*confengine.Config, error) {
		return confengine.LoadContent([]byte("proxy:\nserver:\n  enabled: false\n"))
	})
}

// OverridePort 用命令行 --port 覆盖配置中的监听端口 必须在 Start 之前调用
func (p *Proxy) OverridePort(port int) {
	host, _, err := net.SplitHostPort(p.cfg.Address)
	if err != nil {
		host = "0.0.0.0"
	}
	p.cfg.Address = net.JoinHostPort(host, strconv.Itoa(port))
}

// Start 打开监听套接字 启动 accept 循环与 admin server Start 不阻塞
func (p *Proxy) Start() error {
	ln, err := listen(p.cfg.Address, p.cfg.Backlog)
	if err != nil {
		return errors.Wrapf(err, "proxy: failed to listen on %s", p.cfg.Address)
	}
	p.ln = ln
	logger.Infof("%s listening on %s (backlog=%d)", common.App, p.cfg.Address, p.cfg.Backlog)

	go p.acceptLoop()

	if p.svr != nil {
		p.svr.RegisterReloadRoute(p.reload)
		go func() {
			err := p.svr.ListenAndServe()
			if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.EOF) {
				logger.Errorf("proxy: admin server stopped unexpectedly: %v", err)
			}
		}()
	}
	return nil
}

func (p *Proxy) acceptLoop() {
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
				logger.Errorf("proxy: accept failed: %v", err)
				return
			}
		}
		setKeepAlive(conn)
		p.handle(conn)
	}
}

func (p *Proxy) handle(conn net.Conn) {
	sess := session.New(conn, p.cfg.sessionConfig())

	p.mu.Lock()
	p.sessions[sess] = struct{}{}
	p.mu.Unlock()

	logger.Debugf("proxy: accepted connection from %s, session=%s", conn.RemoteAddr(), sess.ID())

	go func() {
		defer func() {
			p.mu.Lock()
			delete(p.sessions, sess)
			p.mu.Unlock()
		}()
		sess.Run()
	}()
}

// Reload 从 confPath 重新读盘并应用代理级配置 对已建立的会话不生效 只影响
// 此后新建立的连接 供 SIGHUP 与 /-/reload 共用
func (p *Proxy) Reload() error {
	return p.reload()
}

func (p *Proxy) reload() error {
	conf, err := p.load()
	if err != nil {
		return errors.Wrap(err, "proxy: failed to reload config")
	}

	var cfg Config
	if err := conf.UnpackChild("proxy", &cfg); err != nil {
		return err
	}

	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
	logger.Infof("proxy: configuration reloaded")
	return nil
}

// Stop 停止 accept 循环 关闭监听套接字 Stop 不会强制断开已经建立的会话:
// 它们会在各自读端关闭或空闲超时后自然退出
func (p *Proxy) Stop() {
	p.cancel()
	if p.ln != nil {
		_ = p.ln.Close()
	}
}

// ActiveSessions 返回当前仍在处理中的会话数量 (未注册到 /metrics 指标导出的
// 活跃会话数来自 session 包的 sessions_active)
func (p *Proxy) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
