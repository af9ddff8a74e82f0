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

// Package imagex 实现 JPEG/PNG 的有损重编码 用于在响应体上换取更小的体积
//
// 没有第三方 JPEG/PNG 编解码库出现在参照代码库中 这里退回标准库 image/jpeg
// image/png 解码/编码器的致命错误通过 rescue.Call 转换为普通的失败返回值
// 而不是让进程崩溃 这是对应原始实现里 libjpeg/libpng 通过 setjmp/longjmp
// 跳转出错误处理路径的 Go 版本
package imagex

import (
	"bytes"
	"image/jpeg"
	"image/png"

	"github.com/packetd/proxy/internal/rescue"
)

// maxDimension 超过此宽或高的图片不值得付出重编码成本 直接放弃
const maxDimension = 6000

// RecompressJPEG 以给定质量重新编码 JPEG src 失败或图片过大时返回 (nil, false)
func RecompressJPEG(src []byte, quality int) (out []byte, ok bool) {
	rescue.Call(func() {
		img, err := jpeg.Decode(bytes.NewReader(src))
		if err != nil {
			return
		}
		b := img.Bounds()
		if b.Dx() > maxDimension || b.Dy() > maxDimension {
			return
		}

		var buf bytes.Buffer
		buf.Grow(len(src))
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return
		}
		out, ok = buf.Bytes(), true
	})
	if ok {
		recompressedTotal.WithLabelValues("jpeg").Inc()
	}
	return out, ok
}

// RecompressPNG 重新编码 PNG src 只换取更高的压缩级别 (PNG 本身是无损格式)
// 失败时返回 (nil, false)
//
// 重编码直接把解码得到的 image.Image 交回 png.Encoder 不做任何色彩模型转换:
// image/png 的解码器已经按源图的位深/调色板选择了对应的 Go 具体类型
// (image.Gray/image.Gray16/image.Paletted/image.RGBA/...) 对灰度、调色板以及
// 不带 alpha 通道的 RGB 源 输出与原图宽高、色彩模型一致 带 alpha 通道的源
// (解码为 image.NRGBA/image.NRGBA64) 若所有像素完全不透明 编码器会去掉 alpha
// 通道写成 RGB 再解码得到的是 image.RGBA/image.RGBA64 色彩模型与源不同
// quality 没有可调的下采样维度可用 故忽略不用
func RecompressPNG(src []byte, _ int) (out []byte, ok bool) {
	rescue.Call(func() {
		img, err := png.Decode(bytes.NewReader(src))
		if err != nil {
			return
		}

		var buf bytes.Buffer
		enc := &png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return
		}
		out, ok = buf.Bytes(), true
	})
	if ok {
		recompressedTotal.WithLabelValues("png").Inc()
	}
	return out, ok
}
