package video

// IOContext binds a container to caller-supplied I/O, typically the
// callbacks of an RTP socket pair.
//
// Read returns one datagram per call. Interrupted, when set, is polled
// before each blocking operation and aborts it with ErrInterrupted.
type IOContext struct {
	Read        func(p []byte) (int, error)
	Write       func(p []byte) (int, error)
	Interrupted func() bool
}

func (c *IOContext) interrupted() bool {
	return c != nil && c.Interrupted != nil && c.Interrupted()
}

func (c *IOContext) read(p []byte) (int, error) {
	if c == nil || c.Read == nil {
		return 0, ErrNoIOContext
	}
	if c.interrupted() {
		return 0, ErrInterrupted
	}
	return c.Read(p)
}

func (c *IOContext) write(p []byte) (int, error) {
	if c == nil || c.Write == nil {
		return 0, ErrNoIOContext
	}
	if c.interrupted() {
		return 0, ErrInterrupted
	}
	return c.Write(p)
}
