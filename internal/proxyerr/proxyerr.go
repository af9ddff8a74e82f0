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

// Package proxyerr 定义了代理各组件间统一的错误分类
//
// 分类之后调用方可以决定恢复的范围 (request -> connection -> session)
// 而不必关心具体的底层错误信息
package proxyerr

import (
	"github.com/pkg/errors"
)

// Kind 代表错误的分类
type Kind uint8

const (
	// KindParse 请求/响应解析错误 (malformed header, invalid chunk size, 未知 method/version)
	KindParse Kind = iota

	// KindConnect 建连失败
	KindConnect

	// KindTimeout 操作超时 (connect/read/write)
	KindTimeout

	// KindEOF 对端非预期关闭
	KindEOF

	// KindCompressionAborted 压缩被放弃 调用方应当回退到透传原始 body
	KindCompressionAborted

	// KindResourceExhaustion 资源枯竭 (分配失败/无可用 buffer)
	KindResourceExhaustion
)

func (k Kind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindConnect:
		return "connect"
	case KindTimeout:
		return "timeout"
	case KindEOF:
		return "eof"
	case KindCompressionAborted:
		return "compression_aborted"
	case KindResourceExhaustion:
		return "resource_exhaustion"
	default:
		return "unknown"
	}
}

// Error 是一个带分类的错误 底层原因通过 Unwrap 保留
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return e.kind.String() + ": " + e.err.Error()
}

func (e *Error) Unwrap() error {
	return e.err
}

func (e *Error) Kind() Kind {
	return e.kind
}

// New 创建一个分类错误 format/args 遵循 errors.Errorf 的格式化规则
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap 将 err 包装为分类错误 err 为 nil 时返回 nil
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: errors.Wrap(err, msg)}
}

// Is 判断 err 链上第一个分类错误 (*Error) 是否属于给定分类 更内层的分类错误不参与比较
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		err = errors.Unwrap(err)
	}
	return e != nil && e.kind == kind
}

var (
	ErrConnClosed  = New(KindEOF, "connection closed")
	ErrSessionDead = New(KindResourceExhaustion, "session no longer alive")
)
