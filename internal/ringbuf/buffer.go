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

// Package ringbuf 实现了一个 append/drain/peek/search 的连续可扩容字节缓冲区
//
// 与 bufio.Reader 不同 Drain 是摊销 O(1) 的 (只有已丢弃前缀主导时才发生一次 compact)
// Bytes() 返回的视图会在下一次修改操作 (Append/Drain/ReadLine/Grow) 后失效
// 调用方如果需要跨越修改操作保留数据 必须自行拷贝
package ringbuf

import (
	"bytes"
	"fmt"
	"io"

	"github.com/valyala/bytebufferpool"
)

var pool bytebufferpool.Pool

// Buffer 是一个从 bytebufferpool 获取底层存储的增长型字节缓冲区
type Buffer struct {
	bb  *bytebufferpool.ByteBuffer
	off int // 已丢弃的前缀长度
}

// Acquire 从池中取出一个 *Buffer 实例 使用完毕后必须调用 Release
func Acquire() *Buffer {
	return &Buffer{bb: pool.Get()}
}

// Release 归还底层存储 调用后不得再使用该 Buffer
func (b *Buffer) Release() {
	if b.bb == nil {
		return
	}
	b.bb.Reset()
	b.off = 0
	pool.Put(b.bb)
	b.bb = nil
}

// Reset 清空内容但保留底层存储 不归还到池中
func (b *Buffer) Reset() {
	b.bb.Reset()
	b.off = 0
}

// Append 向缓冲区末尾追加字节
func (b *Buffer) Append(p []byte) {
	b.bb.Write(p)
}

// AppendFmt 格式化追加 等价于 fmt.Fprintf(buf, format, args...)
func (b *Buffer) AppendFmt(format string, args ...any) {
	fmt.Fprintf(b.bb, format, args...)
}

// Len 返回当前未丢弃部分的长度
func (b *Buffer) Len() int {
	return len(b.bb.B) - b.off
}

// Bytes 返回未丢弃部分的连续视图 在下一次修改操作后失效
func (b *Buffer) Bytes() []byte {
	return b.bb.B[b.off:]
}

// compactThreshold 超过此丢弃量且占比过半时才真正搬移内存
const compactThreshold = 4096

// Drain 丢弃前 n 个字节 n 超过现有长度时按现有长度处理
func (b *Buffer) Drain(n int) {
	if n <= 0 {
		return
	}
	if l := b.Len(); n > l {
		n = l
	}
	b.off += n

	if b.off > compactThreshold && b.off*2 > len(b.bb.B) {
		remain := len(b.bb.B) - b.off
		copy(b.bb.B, b.bb.B[b.off:])
		b.bb.B = b.bb.B[:remain]
		b.off = 0
	}
}

// Grow 确保底层存储至少有 minFree 字节的空闲容量 不改变 Len()
func (b *Buffer) Grow(minFree int) {
	if cap(b.bb.B)-len(b.bb.B) >= minFree {
		return
	}
	nb := make([]byte, len(b.bb.B), len(b.bb.B)+minFree)
	copy(nb, b.bb.B)
	b.bb.B = nb
}

// Search 返回 needle 在当前视图中的首次出现偏移量 未找到返回 -1
func (b *Buffer) Search(needle []byte) int {
	return bytes.Index(b.Bytes(), needle)
}

// ReadLine 返回下一个以 CRLF 或 LF 结尾的行 (终止符已剥离) 未找到完整行时返回 nil
//
// 返回的切片是独立拷贝 因为读取本身会 Drain 掉对应字节 使底层视图失效
func (b *Buffer) ReadLine() []byte {
	data := b.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil
	}

	line := data[:idx+1]
	trimmed := bytes.TrimSuffix(line, []byte("\n"))
	trimmed = bytes.TrimSuffix(trimmed, []byte("\r"))

	out := make([]byte, len(trimmed))
	copy(out, trimmed)
	b.Drain(idx + 1)
	return out
}

// WriteTo 将当前未丢弃部分写入 w 并 Drain 掉已成功写入的字节 实现 io.WriterTo
func (b *Buffer) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.Bytes())
	if n > 0 {
		b.Drain(n)
	}
	return int64(n), err
}
