//go:build linux

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWait = 0
	futexWake = 1
)

// semaphore is a counting semaphore stored in a shared 32 bit word.
type semaphore struct {
	val *uint32
}

func semAt(mem []byte, off int) semaphore {
	return semaphore{val: (*uint32)(unsafe.Pointer(&mem[off]))}
}

func (s semaphore) init(v uint32) { atomic.StoreUint32(s.val, v) }

func (s semaphore) post() {
	atomic.AddUint32(s.val, 1)
	_ = futex(s.val, futexWake, 1, nil)
}

// wait decrements the semaphore, blocking while it is zero. A negative
// timeout waits forever. It returns false when the timeout expired.
func (s semaphore) wait(timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		v := atomic.LoadUint32(s.val)
		if v > 0 {
			if atomic.CompareAndSwapUint32(s.val, v, v-1) {
				return true
			}
			continue
		}
		var ts *unix.Timespec
		if timeout >= 0 {
			remain := time.Until(deadline)
			if remain <= 0 {
				return false
			}
			t := unix.NsecToTimespec(remain.Nanoseconds())
			ts = &t
		}
		// EAGAIN (value changed), EINTR and ETIMEDOUT all loop back.
		_ = futex(s.val, futexWait, 0, ts)
	}
}

func futex(addr *uint32, op int, val uint32, ts *unix.Timespec) error {
	_, _, errno := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(unsafe.Pointer(addr)), uintptr(op), uintptr(val),
		uintptr(unsafe.Pointer(ts)), 0, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

func loadUint32(mem []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

func storeUint32(mem []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}
