package input

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// SourceKind identifies the capture source family of an MRL.
type SourceKind int

const (
	// KindCamera is a V4L2 capture device, mirrored for local preview.
	KindCamera SourceKind = iota
	// KindDisplay is a screen capture.
	KindDisplay
	// KindFile is a still image looped at the configured frame rate.
	KindFile
)

// String returns the MRL scheme of the kind.
func (k SourceKind) String() string {
	switch k {
	case KindCamera:
		return "v4l2"
	case KindDisplay:
		return "display"
	case KindFile:
		return "file"
	}
	return fmt.Sprintf("SourceKind(%d)", int(k))
}

// MRL is a parsed media resource locator.
type MRL struct {
	Kind SourceKind
	// Resource is what the input format opens: a device node, an X display
	// name or a file path.
	Resource string
	// Geometry is the optional "WxH" capture size of a display MRL.
	Geometry string
	// Offset is the optional "+X,Y" capture origin of a display MRL.
	Offset string
}

var (
	geometryRe = regexp.MustCompile(`^(\d+)x(\d+)$`)
	offsetRe   = regexp.MustCompile(`^\+(\d+),(\d+)$`)
)

// ParseMRL parses v4l2://<device>, display://<name>[+X,Y][ <WxH>] and
// file://<path>.
func ParseMRL(mrl string) (MRL, error) {
	scheme, rest, ok := strings.Cut(mrl, "://")
	if !ok || rest == "" {
		return MRL{}, fmt.Errorf("%w: %q", ErrInvalidMRL, mrl)
	}
	switch scheme {
	case "v4l2":
		dev := rest
		if !strings.HasPrefix(dev, "/") {
			dev = "/dev/" + dev
		}
		return MRL{Kind: KindCamera, Resource: dev}, nil

	case "display":
		name, geometry, _ := strings.Cut(rest, " ")
		m := MRL{Kind: KindDisplay, Geometry: strings.TrimSpace(geometry)}
		if i := strings.Index(name, "+"); i >= 0 {
			m.Offset = name[i:]
			name = name[:i]
			if !offsetRe.MatchString(m.Offset) {
				return MRL{}, fmt.Errorf("%w: display offset %q", ErrInvalidMRL, m.Offset)
			}
		}
		if name == "" {
			return MRL{}, fmt.Errorf("%w: empty display name", ErrInvalidMRL)
		}
		if m.Geometry != "" && !geometryRe.MatchString(m.Geometry) {
			return MRL{}, fmt.Errorf("%w: display geometry %q", ErrInvalidMRL, m.Geometry)
		}
		m.Resource = name
		return m, nil

	case "file":
		return MRL{Kind: KindFile, Resource: filepath.Clean(rest)}, nil
	}
	return MRL{}, fmt.Errorf("%w: unknown scheme %q", ErrInvalidMRL, scheme)
}

// String formats the MRL back into its scheme form.
func (m MRL) String() string {
	switch m.Kind {
	case KindCamera:
		return "v4l2://" + strings.TrimPrefix(m.Resource, "/dev/")
	case KindDisplay:
		s := "display://" + m.Resource + m.Offset
		if m.Geometry != "" {
			s += " " + m.Geometry
		}
		return s
	}
	return "file://" + m.Resource
}

// FormatName returns the input format that captures the source.
func (m MRL) FormatName() string {
	switch m.Kind {
	case KindCamera:
		return FormatV4L2
	case KindDisplay:
		return FormatX11Grab
	}
	return FormatImage2
}

// Options returns the demuxer options derived from the MRL, on top of base.
func (m MRL) Options(base map[string]string) map[string]string {
	opts := make(map[string]string, len(base)+2)
	for k, v := range base {
		opts[k] = v
	}
	if m.Geometry != "" {
		opts["video_size"] = m.Geometry
	}
	if m.Offset != "" {
		opts["offset"] = m.Offset
	}
	return opts
}
