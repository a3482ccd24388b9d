package video

import (
	"fmt"
	"sort"
	"strings"
)

// StreamInfo describes the single video stream carried by a container.
type StreamInfo struct {
	CodecName string
	Params    CodecParams
}

// Muxer writes encoded packets into a container.
type Muxer interface {
	WriteHeader() error
	WritePacket(pkt *VideoPacket) error
	WriteTrailer() error
}

// Demuxer reads encoded packets from a container or capture device.
// ReadPacket blocks until a packet is available and fails on I/O errors,
// end of stream or interruption.
type Demuxer interface {
	ReadPacket(pkt *VideoPacket) error
	Stream() StreamInfo
	Close() error
}

// OutputFormat creates muxers for one container type.
type OutputFormat struct {
	Name     string
	NewMuxer func(destination string, stream StreamInfo, io *IOContext) (Muxer, error)
}

// InputFormat opens demuxers for one container type or capture device.
type InputFormat struct {
	Name string
	Open func(resource string, opts map[string]string, io *IOContext) (Demuxer, error)
}

// RegisterOutputFormat adds or replaces a container muxer.
func RegisterOutputFormat(f *OutputFormat) {
	registryMu.Lock()
	defer registryMu.Unlock()
	outputFormats[strings.ToLower(f.Name)] = f
}

// RegisterInputFormat adds or replaces a demuxer. Capture drivers register
// themselves here under names such as "v4l2" or "x11grab".
func RegisterInputFormat(f *InputFormat) {
	registryMu.Lock()
	defer registryMu.Unlock()
	inputFormats[strings.ToLower(f.Name)] = f
}

// LookupOutputFormat finds a muxer by container short name.
func LookupOutputFormat(name string) (*OutputFormat, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if f, ok := outputFormats[strings.ToLower(name)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: output %q", ErrFormatNotFound, name)
}

// LookupInputFormat finds a demuxer by format short name.
func LookupInputFormat(name string) (*InputFormat, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if f, ok := inputFormats[strings.ToLower(name)]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: input %q", ErrFormatNotFound, name)
}

// InputFormatNames lists the registered demuxers in sorted order.
func InputFormatNames() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(inputFormats))
	for n := range inputFormats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
