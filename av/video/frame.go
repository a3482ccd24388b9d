package video

import (
	"fmt"
	"image"
	"image/color"
	"strings"
)

// PixelFormat identifies the memory layout of a VideoFrame.
type PixelFormat int

const (
	// FormatNone marks an unallocated frame.
	FormatNone PixelFormat = iota
	// FormatI420 is planar YUV 4:2:0 (Y, U, V planes).
	FormatI420
	// FormatNV12 is semi-planar YUV 4:2:0 (Y plane, interleaved UV plane).
	FormatNV12
	// FormatRGBA is packed 8-bit R, G, B, A.
	FormatRGBA
	// FormatBGRA is packed 8-bit B, G, R, A.
	FormatBGRA
	// FormatRGB24 is packed 8-bit R, G, B.
	FormatRGB24
)

var pixelFormatNames = map[PixelFormat]string{
	FormatNone:  "none",
	FormatI420:  "yuv420p",
	FormatNV12:  "nv12",
	FormatRGBA:  "rgba",
	FormatBGRA:  "bgra",
	FormatRGB24: "rgb24",
}

// String returns the conventional short name of the format.
func (f PixelFormat) String() string {
	if name, ok := pixelFormatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("PixelFormat(%d)", int(f))
}

// ParsePixelFormat resolves a short format name such as "yuv420p" or "bgra".
func ParsePixelFormat(name string) (PixelFormat, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch name {
	case "i420":
		return FormatI420, nil
	case "rgb":
		return FormatRGB24, nil
	}
	for f, n := range pixelFormatNames {
		if n == name && f != FormatNone {
			return f, nil
		}
	}
	return FormatNone, fmt.Errorf("%w: %q", ErrUnsupportedFormat, name)
}

// planeLayout describes the geometry of one plane of a frame.
type planeLayout struct {
	width  int // bytes per row
	height int
}

// layout returns the per-plane geometry of a tightly packed frame.
func layout(f PixelFormat, width, height int) []planeLayout {
	cw, ch := (width+1)/2, (height+1)/2
	switch f {
	case FormatI420:
		return []planeLayout{{width, height}, {cw, ch}, {cw, ch}}
	case FormatNV12:
		return []planeLayout{{width, height}, {cw * 2, ch}}
	case FormatRGBA, FormatBGRA:
		return []planeLayout{{width * 4, height}}
	case FormatRGB24:
		return []planeLayout{{width * 3, height}}
	}
	return nil
}

// FrameSize returns the number of bytes a tightly packed frame of the given
// geometry occupies, or 0 for an unknown format.
func FrameSize(f PixelFormat, width, height int) int {
	size := 0
	for _, p := range layout(f, width, height) {
		size += p.width * p.height
	}
	return size
}

// VideoFrame is an owning handle on one picture.
//
// Frames allocated with Alloc own their pixel memory; frames bound with
// SetFromMemory only reference memory owned by someone else (a decoder
// buffer or a shared-memory segment). Geometry is fixed once allocated
// and only changes through another explicit Alloc.
type VideoFrame struct {
	Width    int
	Height   int
	Format   PixelFormat
	Planes   [][]byte
	Strides  []int
	PTS      int64
	KeyFrame bool

	buf   []byte
	owned bool
}

// NewVideoFrame returns an empty frame handle.
func NewVideoFrame() *VideoFrame {
	return &VideoFrame{}
}

// Alloc (re)allocates owned pixel memory for the given geometry.
//
// When the frame already owns a buffer of the same geometry the buffer is
// reused and its content left untouched.
func (f *VideoFrame) Alloc(format PixelFormat, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	size := FrameSize(format, width, height)
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if f.owned && f.Format == format && f.Width == width && f.Height == height && len(f.buf) == size {
		return nil
	}
	f.bind(make([]byte, size), format, width, height)
	f.owned = true
	return nil
}

// Reserve is Alloc under the name used by callers that only need the
// memory and will overwrite every byte.
func (f *VideoFrame) Reserve(format PixelFormat, width, height int) error {
	return f.Alloc(format, width, height)
}

// SetFromMemory binds the frame to externally owned memory holding a
// tightly packed picture. The frame does not take ownership of data.
func (f *VideoFrame) SetFromMemory(data []byte, format PixelFormat, width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, width, height)
	}
	size := FrameSize(format, width, height)
	if size == 0 {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if len(data) < size {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrInvalidFrame, size, len(data))
	}
	f.bind(data[:size], format, width, height)
	f.owned = false
	return nil
}

func (f *VideoFrame) bind(buf []byte, format PixelFormat, width, height int) {
	planes := layout(format, width, height)
	f.buf = buf
	f.Format = format
	f.Width = width
	f.Height = height
	f.Planes = make([][]byte, len(planes))
	f.Strides = make([]int, len(planes))
	off := 0
	for i, p := range planes {
		n := p.width * p.height
		f.Planes[i] = buf[off : off+n : off+n]
		f.Strides[i] = p.width
		off += n
	}
}

// Owned reports whether the frame owns its pixel memory.
func (f *VideoFrame) Owned() bool { return f.owned }

// Allocated reports whether the frame currently holds a picture.
func (f *VideoFrame) Allocated() bool { return f.Format != FormatNone && len(f.Planes) > 0 }

// Size returns the packed byte size of the frame.
func (f *VideoFrame) Size() int { return FrameSize(f.Format, f.Width, f.Height) }

// Bytes returns the packed pixel memory backing the frame.
func (f *VideoFrame) Bytes() []byte { return f.buf }

// SameGeometry reports whether two frames share format and dimensions.
func (f *VideoFrame) SameGeometry(o *VideoFrame) bool {
	return o != nil && f.Format == o.Format && f.Width == o.Width && f.Height == o.Height
}

// CopyFrom makes f an owned deep copy of src.
func (f *VideoFrame) CopyFrom(src *VideoFrame) error {
	if src == nil || !src.Allocated() {
		return fmt.Errorf("%w: source frame is empty", ErrInvalidFrame)
	}
	if err := f.Alloc(src.Format, src.Width, src.Height); err != nil {
		return err
	}
	for i, p := range layout(src.Format, src.Width, src.Height) {
		for y := 0; y < p.height; y++ {
			copy(f.Planes[i][y*f.Strides[i]:y*f.Strides[i]+p.width],
				src.Planes[i][y*src.Strides[i]:y*src.Strides[i]+p.width])
		}
	}
	f.PTS = src.PTS
	f.KeyFrame = src.KeyFrame
	return nil
}

// Clone returns an owned deep copy of the frame.
func (f *VideoFrame) Clone() *VideoFrame {
	out := NewVideoFrame()
	if err := out.CopyFrom(f); err != nil {
		return NewVideoFrame()
	}
	return out
}

// moveFrom transfers the buffers of src into f, leaving src empty.
func (f *VideoFrame) moveFrom(src *VideoFrame) {
	*f = *src
	*src = VideoFrame{}
}

// FillBlack paints the whole frame black.
func (f *VideoFrame) FillBlack() {
	switch f.Format {
	case FormatI420:
		fill(f.Planes[0], 16)
		fill(f.Planes[1], 128)
		fill(f.Planes[2], 128)
	case FormatNV12:
		fill(f.Planes[0], 16)
		fill(f.Planes[1], 128)
	case FormatRGBA, FormatBGRA:
		p := f.Planes[0]
		for i := 0; i+3 < len(p); i += 4 {
			p[i], p[i+1], p[i+2], p[i+3] = 0, 0, 0, 0xff
		}
	case FormatRGB24:
		fill(f.Planes[0], 0)
	}
}

func fill(b []byte, v byte) {
	for i := range b {
		b[i] = v
	}
}

// Release drops the pixel memory. The frame can be allocated again.
func (f *VideoFrame) Release() {
	*f = VideoFrame{}
}

// Reset is Release under the name used by packet-style handles.
func (f *VideoFrame) Reset() { f.Release() }

// Image returns an image.Image view of the frame. I420 and RGBA frames share
// memory with the returned image; other formats are converted into a copy.
func (f *VideoFrame) Image() (image.Image, error) {
	if !f.Allocated() {
		return nil, fmt.Errorf("%w: frame is empty", ErrInvalidFrame)
	}
	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Format {
	case FormatI420:
		return &image.YCbCr{
			Y: f.Planes[0], Cb: f.Planes[1], Cr: f.Planes[2],
			YStride: f.Strides[0], CStride: f.Strides[1],
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}, nil
	case FormatNV12:
		img := image.NewYCbCr(rect, image.YCbCrSubsampleRatio420)
		copy(img.Y, f.Planes[0])
		uv := f.Planes[1]
		for i := range img.Cb {
			img.Cb[i] = uv[2*i]
			img.Cr[i] = uv[2*i+1]
		}
		return img, nil
	case FormatRGBA:
		return &image.RGBA{Pix: f.Planes[0], Stride: f.Strides[0], Rect: rect}, nil
	case FormatBGRA:
		img := image.NewRGBA(rect)
		src := f.Planes[0]
		for i := 0; i+3 < len(src); i += 4 {
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = src[i+2], src[i+1], src[i], src[i+3]
		}
		return img, nil
	case FormatRGB24:
		img := image.NewRGBA(rect)
		src := f.Planes[0]
		for i, j := 0, 0; i+2 < len(src); i, j = i+3, j+4 {
			img.Pix[j], img.Pix[j+1], img.Pix[j+2], img.Pix[j+3] = src[i], src[i+1], src[i+2], 0xff
		}
		return img, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, f.Format)
}

// FrameFromImage converts any image into an owned I420 frame. Odd
// dimensions are rounded down to even values.
func FrameFromImage(img image.Image) (*VideoFrame, error) {
	b := img.Bounds()
	w, h := b.Dx()&^1, b.Dy()&^1
	frame := NewVideoFrame()
	if err := frame.Alloc(FormatI420, w, h); err != nil {
		return nil, err
	}
	if ycc, ok := img.(*image.YCbCr); ok && ycc.SubsampleRatio == image.YCbCrSubsampleRatio420 {
		for y := 0; y < h; y++ {
			copy(frame.Planes[0][y*w:(y+1)*w], ycc.Y[ycc.YOffset(b.Min.X, b.Min.Y+y):])
		}
		for y := 0; y < h/2; y++ {
			off := ycc.COffset(b.Min.X, b.Min.Y+2*y)
			copy(frame.Planes[1][y*(w/2):(y+1)*(w/2)], ycc.Cb[off:])
			copy(frame.Planes[2][y*(w/2):(y+1)*(w/2)], ycc.Cr[off:])
		}
		return frame, nil
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			yy, cb, cr := color.RGBToYCbCr(uint8(r>>8), uint8(g>>8), uint8(bl>>8))
			frame.Planes[0][y*w+x] = yy
			if x%2 == 0 && y%2 == 0 {
				frame.Planes[1][(y/2)*(w/2)+x/2] = cb
				frame.Planes[2][(y/2)*(w/2)+x/2] = cr
			}
		}
	}
	return frame, nil
}
