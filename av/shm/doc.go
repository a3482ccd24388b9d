// Package shm hands decoded frames to another process through a named
// shared memory segment.
//
// The segment starts with a fixed header followed by the frame data:
//
//	offset  0: notification semaphore (producer to consumer signal)
//	offset 32: mutex semaphore (guards the whole segment)
//	offset 64: buffer_gen, uint32, incremented on every frame
//	offset 68: buffer_size, uint32, bytes of valid data, 0 once stopped
//	offset 80: data
//
// Semaphores are 32 bit futex words, so any process mapping the segment
// can take part. A consumer acquires the mutex, reads buffer_gen, copies
// buffer_size bytes of data, samples buffer_gen again and releases the
// mutex; a copy whose generation changed is discarded. Reader implements
// that side.
package shm
