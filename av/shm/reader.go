//go:build unix

package shm

import (
	"fmt"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Reader is the consumer side of a sink segment. It is not safe for
// concurrent use.
type Reader struct {
	name    string
	fd      int
	mem     []byte
	lastGen uint32
}

// Attach maps the segment a sink published under name.
func Attach(name string) (*Reader, error) {
	fd, err := unix.Open(filepath.Join(shmDir, name), unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("shm_open %s: %w", name, err)
	}
	r := &Reader{name: name, fd: fd}
	if err := r.remap(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return r, nil
}

func (r *Reader) remap() error {
	var st unix.Stat_t
	if err := unix.Fstat(r.fd, &st); err != nil {
		return fmt.Errorf("fstat: %w", err)
	}
	if st.Size < HeaderSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSegment, st.Size)
	}
	if r.mem != nil {
		if err := unix.Munmap(r.mem); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		r.mem = nil
	}
	mem, err := mmap(r.fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("mmap(%d): %w", st.Size, err)
	}
	r.mem = mem
	return nil
}

// Name returns the attached segment name.
func (r *Reader) Name() string { return r.name }

// Wait blocks until the producer signals a new frame or a stop. A negative
// timeout waits forever. It returns false on timeout, and at once when a
// reader left unmapped by a failed remap cannot map the segment again.
func (r *Reader) Wait(timeout time.Duration) bool {
	if r.mem == nil && r.remap() != nil {
		return false
	}
	return semAt(r.mem, notificationOffset).wait(timeout)
}

// ReadFrame copies the current frame into dst, growing it as needed, and
// returns the copy with its generation.
//
// Returns:
//   - []byte: The frame data
//   - uint32: buffer_gen of the copied frame
//   - error: ErrSinkStopped once the producer cleared the segment,
//     ErrTornRead when the generation moved during the copy
//
// A reader left unmapped by a failed remap maps the segment again first.
func (r *Reader) ReadFrame(dst []byte) ([]byte, uint32, error) {
	if r.mem == nil {
		if err := r.remap(); err != nil {
			return nil, r.lastGen, err
		}
	}
	semAt(r.mem, mutexOffset).wait(-1)
	gen := loadUint32(r.mem, genOffset)
	size := int(loadUint32(r.mem, sizeOffset))
	var err error
	if size == 0 {
		err = ErrSinkStopped
	} else if HeaderSize+size > len(r.mem) {
		// The sink grew the segment since we mapped it. The semaphores are
		// in the file, so the held mutex survives the remap.
		err = r.remap()
	}
	if err == nil {
		if cap(dst) < size {
			dst = make([]byte, size)
		}
		dst = dst[:size]
		copy(dst, r.mem[HeaderSize:HeaderSize+size])
		if loadUint32(r.mem, genOffset) != gen {
			err = ErrTornRead
		}
	}
	if r.mem != nil {
		semAt(r.mem, mutexOffset).post()
	} else if herr := withHeader(r.fd, func(mem []byte) { semAt(mem, mutexOffset).post() }); herr != nil {
		err = fmt.Errorf("%w; segment left locked: %v", err, herr)
	}
	if err != nil {
		return nil, gen, err
	}
	r.lastGen = gen
	return dst, gen, nil
}

// LastGeneration returns the generation of the last successful read.
func (r *Reader) LastGeneration() uint32 { return r.lastGen }

// Close unmaps the segment. It must not race with Wait or ReadFrame.
func (r *Reader) Close() error {
	var err error
	if r.mem != nil {
		err = unix.Munmap(r.mem)
		r.mem = nil
	}
	if r.fd >= 0 {
		if cerr := unix.Close(r.fd); err == nil {
			err = cerr
		}
		r.fd = -1
	}
	return err
}
