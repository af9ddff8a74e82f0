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

package proxy

import (
	"context"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listen 按监听要求打开 TCP 监听套接字: SO_REUSEADDR 允许重启时立即复用端口
// SO_LINGER{l_onoff=0} 关闭 linger 保持默认的关闭语义: Close 立即返回 不阻塞等待未发送的数据
//
// backlog 参数不会作用于内核 accept 队列: 监听队列长度由 net 包按系统的 somaxconn
// 决定 传入的值只记录在返回的 backlogListener 上
func listen(address string, backlog int) (net.Listener, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var ctrlErr error
			err := c.Control(func(fd uintptr) {
				ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if ctrlErr != nil {
					return
				}
				ctrlErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{Onoff: 0, Linger: 0})
			})
			if err != nil {
				return err
			}
			return ctrlErr
		},
	}

	ln, err := lc.Listen(context.Background(), "tcp", address)
	if err != nil {
		return nil, err
	}
	return &backlogListener{TCPListener: ln.(*net.TCPListener), backlog: backlog}, nil
}

// backlogListener 仅用于携带 backlog 语义注释: Go 的 net 包不支持在监听之后
// 修改内核 accept 队列长度 真正的 backlog 由运行时内部基于 somaxconn 协商
// 这里保留字段是为了让 Config.Backlog 在日志与未来替换实现时有处可查
type backlogListener struct {
	*net.TCPListener
	backlog int
}

// setKeepAlive 为每个已接受的连接打开 TCP keep-alive (spec: SO_KEEPALIVE)
func setKeepAlive(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	_ = tc.SetKeepAlive(true)
}
