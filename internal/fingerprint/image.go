package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // GIF decoder registration.
	_ "image/jpeg" // JPEG decoder registration.
	_ "image/png"  // PNG decoder registration.
	"math/bits"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WebP decoder registration.
)

const hashSide = 8

// ImageHash returns the 64-bit average hash of an encoded image: the image
// is scaled to 8x8 grayscale and each bit records whether a pixel is
// brighter than the mean.
func ImageHash(data []byte) (uint64, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	if b := src.Bounds(); b.Dx() == 0 || b.Dy() == 0 {
		return 0, fmt.Errorf("decode image: empty bounds")
	}
	return hashImage(src), nil
}

func hashImage(src image.Image) uint64 {
	dst := image.NewGray(image.Rect(0, 0, hashSide, hashSide))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Src, nil)

	var sum int
	for _, p := range dst.Pix {
		sum += int(p)
	}
	mean := sum / len(dst.Pix)

	var h uint64
	for i, p := range dst.Pix {
		if int(p) > mean {
			h |= 1 << uint(i)
		}
	}
	return h
}

// HashSimilarity is 1 minus the normalized Hamming distance of two hashes.
func HashSimilarity(a, b uint64) float64 {
	return 1 - float64(bits.OnesCount64(a^b))/64
}
