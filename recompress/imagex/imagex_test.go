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

package imagex

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 3), G: uint8(y * 3), B: 64, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestRecompressJPEG(t *testing.T) {
	src := makeJPEG(t, 64, 64)
	out, ok := RecompressJPEG(src, 30)
	require.True(t, ok)
	assert.NotEmpty(t, out)

	_, err := jpeg.Decode(bytes.NewReader(out))
	assert.NoError(t, err)
}

func TestRecompressJPEGRejectsOversized(t *testing.T) {
	// A single-row gray image one pixel wider than the gate stays tiny to encode.
	img := image.NewGray(image.Rect(0, 0, maxDimension+1, 1))
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))

	out, ok := RecompressJPEG(buf.Bytes(), 30)
	assert.False(t, ok)
	assert.Nil(t, out)
}

func TestRecompressJPEGRejectsGarbage(t *testing.T) {
	_, ok := RecompressJPEG([]byte("not a jpeg"), 30)
	assert.False(t, ok)
}

func TestRecompressPNG(t *testing.T) {
	src := makePNG(t, 64, 64)
	out, ok := RecompressPNG(src, 30)
	require.True(t, ok)
	assert.NotEmpty(t, out)

	_, err := png.Decode(bytes.NewReader(out))
	assert.NoError(t, err)
}

func TestRecompressPNGRejectsGarbage(t *testing.T) {
	_, ok := RecompressPNG([]byte("not a png"), 30)
	assert.False(t, ok)
}

func makeGrayPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x + y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func makePalettedPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	pal := color.Palette{
		color.RGBA{R: 0, G: 0, B: 0, A: 255},
		color.RGBA{R: 255, G: 0, B: 0, A: 255},
		color.RGBA{R: 0, G: 255, B: 0, A: 255},
		color.RGBA{R: 0, G: 0, B: 255, A: 255},
	}
	img := image.NewPaletted(image.Rect(0, 0, w, h), pal)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetColorIndex(x, y, uint8((x+y)%len(pal)))
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// TestRecompressPNGPreservesGrayColorModel 覆盖 finding: 非 RGBA 源不得被强行
// 拉平为 RGBA 输出的宽高、色彩模型必须与源一致 (4.3.3 节不变量)
func TestRecompressPNGPreservesGrayColorModel(t *testing.T) {
	src := makeGrayPNG(t, 32, 20)
	srcImg, err := png.Decode(bytes.NewReader(src))
	require.NoError(t, err)

	out, ok := RecompressPNG(src, 30)
	require.True(t, ok)

	outImg, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)

	assert.Equal(t, srcImg.Bounds(), outImg.Bounds())
	assert.IsType(t, srcImg.ColorModel(), outImg.ColorModel())
	assert.Equal(t, color.GrayModel, outImg.ColorModel())
}

// TestRecompressPNGPreservesPalettedColorModel 同上 但覆盖调色板源
func TestRecompressPNGPreservesPalettedColorModel(t *testing.T) {
	src := makePalettedPNG(t, 32, 20)
	srcImg, err := png.Decode(bytes.NewReader(src))
	require.NoError(t, err)
	srcPaletted, ok := srcImg.(*image.Paletted)
	require.True(t, ok)

	out, ok := RecompressPNG(src, 30)
	require.True(t, ok)

	outImg, err := png.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	outPaletted, ok := outImg.(*image.Paletted)
	require.True(t, ok)

	assert.Equal(t, srcImg.Bounds(), outImg.Bounds())
	assert.Equal(t, len(srcPaletted.Palette), len(outPaletted.Palette))
}
