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

import "github.com/packetd/proxy/internal/headers"

// clientRequest 是从客户端输入缓冲区解析出的一条请求
type clientRequest struct {
	Method         string
	Target         string
	Proto          string
	Header         *headers.Map
	Host           string
	KeepAlive      bool
	AcceptEncoding string
}

// pendingResponse 是会话消息队列中的一个槽位
//
// 槽位在请求被解析时立即创建 (ready=false) 在上游回调完成后填入序列化好的
// 响应字节并置 ready=true 队列顺序天然保持"请求到达顺序" 不需要额外排序
type pendingResponse struct {
	ready bool
	data  []byte
}
