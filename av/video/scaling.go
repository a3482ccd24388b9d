package video

import (
	"fmt"
	"image"
	"image/color"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
)

// Scaler converts frames between arbitrary (format, width, height) tuples.
//
// The conversion context is cached: as long as consecutive calls use the
// same source and destination geometry the intermediate buffers are reused,
// and the context is only rebuilt when the geometry changes. Output is
// deterministic for equal inputs.
type Scaler struct {
	mu       sync.Mutex
	ctx      *scaleContext
	kernel   draw.Interpolator
	rebuilds int
}

// scaleContext is keyed by the geometry of one conversion.
type scaleContext struct {
	srcFormat, dstFormat PixelFormat
	srcW, srcH           int
	dstW, dstH           int
	tmp                  *image.RGBA
}

func (c *scaleContext) matches(o scaleContext) bool {
	return c.srcFormat == o.srcFormat && c.dstFormat == o.dstFormat &&
		c.srcW == o.srcW && c.srcH == o.srcH && c.dstW == o.dstW && c.dstH == o.dstH
}

// NewScaler creates a new video frame scaler using bilinear interpolation.
func NewScaler() *Scaler {
	return &Scaler{kernel: draw.BiLinear}
}

// Rebuilds returns how many times the conversion context was rebuilt.
func (s *Scaler) Rebuilds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rebuilds
}

// Scale converts src into dst, using the geometry dst is allocated with.
//
// Parameters:
//   - src: Source frame, any supported pixel format
//   - dst: Destination frame, already allocated with the target geometry
//
// Returns:
//   - error: Any error that occurred during scaling
func (s *Scaler) Scale(src, dst *VideoFrame) error {
	if dst == nil || !dst.Allocated() {
		return fmt.Errorf("%w: destination frame is not allocated", ErrInvalidFrame)
	}
	return s.ScaleAndPad(src, dst, 0, 0, dst.Width, dst.Height, false)
}

// ScaleAndPad scales src into the rectangle (x, y, w, h) of dst. Pixels of
// dst outside the rectangle are left untouched, so callers paint the
// background first.
//
// Parameters:
//   - src: Source frame
//   - dst: Allocated destination frame
//   - x, y: Top-left corner of the target rectangle
//   - w, h: Size of the target rectangle
//   - keepRatio: Shrink the rectangle to preserve the source aspect ratio,
//     centering the picture inside it
//
// Returns:
//   - error: Any error that occurred during scaling
func (s *Scaler) ScaleAndPad(src, dst *VideoFrame, x, y, w, h int, keepRatio bool) error {
	if src == nil || !src.Allocated() {
		return fmt.Errorf("%w: source frame is empty", ErrInvalidFrame)
	}
	if dst == nil || !dst.Allocated() {
		return fmt.Errorf("%w: destination frame is not allocated", ErrInvalidFrame)
	}
	if w <= 0 || h <= 0 {
		return fmt.Errorf("%w: target %dx%d", ErrInvalidDimensions, w, h)
	}
	if keepRatio {
		x, y, w, h = fitRect(src.Width, src.Height, x, y, w, h)
	}
	if x < 0 || y < 0 || x+w > dst.Width || y+h > dst.Height {
		return fmt.Errorf("%w: rectangle %d,%d %dx%d outside %dx%d destination",
			ErrInvalidDimensions, x, y, w, h, dst.Width, dst.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ctx := s.context(src, dst.Format, w, h)

	if src.Format == dst.Format && src.Width == w && src.Height == h {
		copyRect(src, dst, x, y)
		return nil
	}
	if src.Format == FormatI420 && dst.Format == FormatI420 {
		return s.scalePlanar(src, dst, x, y, w, h)
	}

	img, err := src.Image()
	if err != nil {
		return err
	}
	s.kernel.Scale(ctx.tmp, ctx.tmp.Bounds(), img, img.Bounds(), draw.Src, nil)
	writeRGBA(ctx.tmp, dst, x, y)
	return nil
}

// context returns the cached conversion context, rebuilding it when the
// geometry differs from the previous call.
func (s *Scaler) context(src *VideoFrame, dstFormat PixelFormat, w, h int) *scaleContext {
	want := scaleContext{
		srcFormat: src.Format, srcW: src.Width, srcH: src.Height,
		dstFormat: dstFormat, dstW: w, dstH: h,
	}
	if s.ctx != nil && s.ctx.matches(want) {
		return s.ctx
	}
	want.tmp = image.NewRGBA(image.Rect(0, 0, w, h))
	s.ctx = &want
	s.rebuilds++

	logrus.WithFields(logrus.Fields{
		"function":   "Scaler.context",
		"src_format": src.Format.String(),
		"src_size":   fmt.Sprintf("%dx%d", src.Width, src.Height),
		"dst_format": dstFormat.String(),
		"dst_size":   fmt.Sprintf("%dx%d", w, h),
	}).Debug("Rebuilt scaling context")
	return s.ctx
}

// scalePlanar scales each YUV plane independently.
func (s *Scaler) scalePlanar(src, dst *VideoFrame, x, y, w, h int) error {
	for i := 0; i < 3; i++ {
		sw, sh := src.Width, src.Height
		dx, dy, dw, dh := x, y, w, h
		dstW, dstH := dst.Width, dst.Height
		if i > 0 {
			sw, sh = (sw+1)/2, (sh+1)/2
			dx, dy, dw, dh = x/2, y/2, (w+1)/2, (h+1)/2
			dstW, dstH = (dstW+1)/2, (dstH+1)/2
		}
		srcPlane := &image.Gray{Pix: src.Planes[i], Stride: src.Strides[i], Rect: image.Rect(0, 0, sw, sh)}
		dstPlane := &image.Gray{Pix: dst.Planes[i], Stride: dst.Strides[i], Rect: image.Rect(0, 0, dstW, dstH)}
		dr := image.Rect(dx, dy, dx+dw, dy+dh).Intersect(dstPlane.Rect)
		if dr.Empty() {
			return fmt.Errorf("%w: plane %d rectangle is empty", ErrInvalidDimensions, i)
		}
		s.kernel.Scale(dstPlane, dr, srcPlane, srcPlane.Rect, draw.Src, nil)
	}
	return nil
}

// fitRect shrinks (w, h) to the source aspect ratio and centers it.
func fitRect(srcW, srcH, x, y, w, h int) (int, int, int, int) {
	if srcW <= 0 || srcH <= 0 {
		return x, y, w, h
	}
	fw, fh := w, w*srcH/srcW
	if fh > h {
		fw, fh = h*srcW/srcH, h
	}
	fw, fh = max(fw&^1, 2), max(fh&^1, 2)
	return x + ((w-fw)/2)&^1, y + ((h-fh)/2)&^1, fw, fh
}

// copyRect copies a same-format, same-size src into dst at (x, y).
func copyRect(src, dst *VideoFrame, x, y int) {
	dstPlanes := layout(dst.Format, dst.Width, dst.Height)
	for i, p := range layout(src.Format, src.Width, src.Height) {
		bx, by := x, y
		if i > 0 && (src.Format == FormatI420 || src.Format == FormatNV12) {
			bx, by = x/2, y/2
		}
		bx *= bytesPerPixel(src.Format, i)
		for row := 0; row < p.height && by+row < dstPlanes[i].height; row++ {
			d := dst.Planes[i][(by+row)*dst.Strides[i]+bx:]
			copy(d[:min(p.width, len(d))], src.Planes[i][row*src.Strides[i]:row*src.Strides[i]+p.width])
		}
	}
}

func bytesPerPixel(f PixelFormat, plane int) int {
	switch f {
	case FormatRGBA, FormatBGRA:
		return 4
	case FormatRGB24:
		return 3
	case FormatNV12:
		if plane == 1 {
			return 2
		}
	}
	return 1
}

// writeRGBA stores an RGBA picture into dst at (x, y), converting to the
// destination pixel format.
func writeRGBA(img *image.RGBA, dst *VideoFrame, x, y int) {
	b := img.Bounds()
	for row := 0; row < b.Dy(); row++ {
		for col := 0; col < b.Dx(); col++ {
			i := img.PixOffset(col, row)
			r, g, bl, a := img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3]
			px, py := x+col, y+row
			switch dst.Format {
			case FormatRGBA:
				o := py*dst.Strides[0] + px*4
				dst.Planes[0][o], dst.Planes[0][o+1], dst.Planes[0][o+2], dst.Planes[0][o+3] = r, g, bl, a
			case FormatBGRA:
				o := py*dst.Strides[0] + px*4
				dst.Planes[0][o], dst.Planes[0][o+1], dst.Planes[0][o+2], dst.Planes[0][o+3] = bl, g, r, a
			case FormatRGB24:
				o := py*dst.Strides[0] + px*3
				dst.Planes[0][o], dst.Planes[0][o+1], dst.Planes[0][o+2] = r, g, bl
			case FormatI420, FormatNV12:
				yy, cb, cr := color.RGBToYCbCr(r, g, bl)
				dst.Planes[0][py*dst.Strides[0]+px] = yy
				if px%2 != 0 || py%2 != 0 {
					continue
				}
				if dst.Format == FormatI420 {
					dst.Planes[1][(py/2)*dst.Strides[1]+px/2] = cb
					dst.Planes[2][(py/2)*dst.Strides[2]+px/2] = cr
				} else {
					o := (py/2)*dst.Strides[1] + (px/2)*2
					dst.Planes[1][o], dst.Planes[1][o+1] = cb, cr
				}
			}
		}
	}
}
