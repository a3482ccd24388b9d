package video

import "fmt"

// Mirror flips a frame horizontally in place. Camera previews are mirrored
// so the local participant sees themselves as in a mirror.
func Mirror(frame *VideoFrame) error {
	if frame == nil || !frame.Allocated() {
		return fmt.Errorf("%w: cannot mirror an empty frame", ErrInvalidFrame)
	}
	for i, p := range layout(frame.Format, frame.Width, frame.Height) {
		bpp := bytesPerPixel(frame.Format, i)
		for y := 0; y < p.height; y++ {
			row := frame.Planes[i][y*frame.Strides[i] : y*frame.Strides[i]+p.width]
			mirrorRow(row, bpp)
		}
	}
	return nil
}

func mirrorRow(row []byte, bpp int) {
	n := len(row) / bpp
	for l, r := 0, n-1; l < r; l, r = l+1, r-1 {
		for k := 0; k < bpp; k++ {
			row[l*bpp+k], row[r*bpp+k] = row[r*bpp+k], row[l*bpp+k]
		}
	}
}
