package shm

const (
	semSlotSize = 32

	notificationOffset = 0
	mutexOffset        = notificationOffset + semSlotSize
	genOffset          = mutexOffset + semSlotSize
	sizeOffset         = genOffset + 4

	// HeaderSize is the offset of the frame data in the segment.
	HeaderSize = 80
)

// shmDir is where named segments live; shm_open uses the same directory.
var shmDir = "/dev/shm"
