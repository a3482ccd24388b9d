//go:build unix && !linux

package shm

import (
	"sync/atomic"
	"time"
	"unsafe"
)

const semPollInterval = time.Millisecond

// semaphore is a counting semaphore stored in a shared 32 bit word. Without
// futexes waiters poll the word.
type semaphore struct {
	val *uint32
}

func semAt(mem []byte, off int) semaphore {
	return semaphore{val: (*uint32)(unsafe.Pointer(&mem[off]))}
}

func (s semaphore) init(v uint32) { atomic.StoreUint32(s.val, v) }

func (s semaphore) post() { atomic.AddUint32(s.val, 1) }

func (s semaphore) wait(timeout time.Duration) bool {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		v := atomic.LoadUint32(s.val)
		if v > 0 && atomic.CompareAndSwapUint32(s.val, v, v-1) {
			return true
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(semPollInterval)
	}
}

func loadUint32(mem []byte, off int) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(&mem[off])))
}

func storeUint32(mem []byte, off int, v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(&mem[off])), v)
}
