package video

// VideoPacket holds one compressed access unit.
//
// A packet is scoped to a single encode or decode call and must not be
// shared across goroutines.
type VideoPacket struct {
	Data        []byte
	PTS         int64
	KeyFrame    bool
	PayloadType uint8
}

// Reset empties the packet while keeping its buffer capacity.
func (p *VideoPacket) Reset() {
	p.Data = p.Data[:0]
	p.PTS = 0
	p.KeyFrame = false
	p.PayloadType = 0
}
