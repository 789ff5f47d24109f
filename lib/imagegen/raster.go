// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imagegen

import (
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

const rasterChannels = 3

// rasterize maps a planar (channel-major) decoder output in [-1,1] to an
// interleaved RGB888 byte buffer. Each value is shifted to [0,1], clamped,
// scaled to [0,255] and rounded.
func rasterize(planar []float32, width, height int) ([]byte, error) {
	plane := width * height
	if len(planar) != rasterChannels*plane {
		return nil, fmt.Errorf("pixel tensor length %d, want %d for %dx%d",
			len(planar), rasterChannels*plane, width, height)
	}

	out := make([]byte, plane*rasterChannels)
	for c := 0; c < rasterChannels; c++ {
		src := planar[c*plane : (c+1)*plane]
		for i, v := range src {
			out[i*rasterChannels+c] = quantize(v)
		}
	}
	return out, nil
}

func quantize(v float32) byte {
	u := (float64(v) + 1) / 2
	if u < 0 {
		u = 0
	} else if u > 1 {
		u = 1
	}
	return byte(math.Round(u * 255))
}

// rescaleRGB resizes an interleaved RGB888 buffer to the requested size
// using Catmull-Rom interpolation. Needed when the decoder's native output
// size differs from the caller's request.
func rescaleRGB(pixels []byte, srcWidth, srcHeight, dstWidth, dstHeight int) []byte {
	src := image.NewRGBA(image.Rect(0, 0, srcWidth, srcHeight))
	for i := 0; i < srcWidth*srcHeight; i++ {
		src.Pix[i*4+0] = pixels[i*3+0]
		src.Pix[i*4+1] = pixels[i*3+1]
		src.Pix[i*4+2] = pixels[i*3+2]
		src.Pix[i*4+3] = 0xff
	}

	dst := image.NewRGBA(image.Rect(0, 0, dstWidth, dstHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	out := make([]byte, dstWidth*dstHeight*3)
	for i := 0; i < dstWidth*dstHeight; i++ {
		out[i*3+0] = dst.Pix[i*4+0]
		out[i*3+1] = dst.Pix[i*4+1]
		out[i*3+2] = dst.Pix[i*4+2]
	}
	return out
}
