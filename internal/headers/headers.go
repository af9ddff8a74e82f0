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

// Package headers 实现了一个大小写不敏感的有序 key/value 列表
//
// 用于 HTTP 请求/响应的 header 解析与序列化 Find 按插入顺序返回第一个匹配项
package headers

import (
	"bytes"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/packetd/proxy/internal/proxyerr"
	"github.com/packetd/proxy/internal/splitio"
)

type pair struct {
	key, value string
}

// Map 是一个保留插入顺序、大小写不敏感查找的 header 列表
type Map struct {
	pairs []pair
}

// New 创建一个空的 Map
func New() *Map {
	return &Map{}
}

// Add 追加一个 key/value 当 value 含有 CR/LF 或 key 非法 (含空白/控制字符) 时返回 ParseError
func (m *Map) Add(key, value string) error {
	if !httpguts.ValidHeaderFieldName(key) {
		return proxyerr.New(proxyerr.KindParse, "headers: invalid header name %q", key)
	}
	if !httpguts.ValidHeaderFieldValue(value) {
		return proxyerr.New(proxyerr.KindParse, "headers: invalid header value for %q", key)
	}
	m.pairs = append(m.pairs, pair{key: key, value: value})
	return nil
}

// Find 大小写不敏感查找 返回第一个匹配的 value
func (m *Map) Find(key string) (string, bool) {
	for _, p := range m.pairs {
		if strings.EqualFold(p.key, key) {
			return p.value, true
		}
	}
	return "", false
}

// Get 是 Find 的便捷版本 未找到时返回空字符串
func (m *Map) Get(key string) string {
	v, _ := m.Find(key)
	return v
}

// Has 返回 key 是否存在
func (m *Map) Has(key string) bool {
	_, ok := m.Find(key)
	return ok
}

// Remove 移除第一个匹配的 key 返回是否发生了移除
func (m *Map) Remove(key string) bool {
	for i, p := range m.pairs {
		if strings.EqualFold(p.key, key) {
			m.pairs = append(m.pairs[:i], m.pairs[i+1:]...)
			return true
		}
	}
	return false
}

// Len 返回 header 数量
func (m *Map) Len() int {
	return len(m.pairs)
}

// Range 按插入顺序遍历所有 key/value f 返回 false 时提前终止
func (m *Map) Range(f func(key, value string) bool) {
	for _, p := range m.pairs {
		if !f(p.key, p.value) {
			return
		}
	}
}

// Clone 返回一份独立的拷贝
func (m *Map) Clone() *Map {
	c := &Map{pairs: make([]pair, len(m.pairs))}
	copy(c.pairs, m.pairs)
	return c
}

// Bytes 序列化为字节切片 不含结尾的空行
func (m *Map) Bytes() []byte {
	var b bytes.Buffer
	for _, p := range m.pairs {
		b.WriteString(p.key)
		b.WriteString(": ")
		b.WriteString(p.value)
		b.WriteString("\r\n")
	}
	return b.Bytes()
}

// Parse 解析 header 块字节 (截止到并包含空行) 空行是唯一的终止符 允许零个
// header (即输入以空行开头) 调用方如需容忍 header 块之前额外的空行/换行
// 填充 应在调用 Parse 之前自行跳过 (例如请求行与 header 块之间的 padding)
//
// 解析策略: 按第一个冒号切分 去除 value 前导的一个空格 修剪至行尾 拒绝格式错误的行
func Parse(data []byte) (*Map, error) {
	m := New()
	scan := splitio.NewScanner(data)

	for scan.Scan() {
		raw := scan.Bytes()
		trimmed := bytes.TrimRight(raw, "\r\n")

		if len(trimmed) == 0 {
			return m, nil
		}

		idx := bytes.IndexByte(trimmed, ':')
		if idx <= 0 {
			return nil, proxyerr.New(proxyerr.KindParse, "headers: malformed line %q", trimmed)
		}

		key := string(trimmed[:idx])
		val := trimmed[idx+1:]
		val = bytes.TrimPrefix(val, []byte(" "))
		if err := m.Add(key, string(val)); err != nil {
			return nil, err
		}
	}

	return nil, proxyerr.New(proxyerr.KindParse, "headers: unterminated header block")
}
