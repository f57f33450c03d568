package websocket

// Message is a complete logical message: a data message reassembled from its
// fragments, or a single control frame.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Reassembler joins fragmented data frames into messages, RFC 6455 section 5.4.
// Control frames may arrive between fragments and are passed through without
// affecting the message in progress.
type Reassembler struct {
	limit  int64
	op     Opcode
	buf    []byte
	active bool
}

// NewReassembler returns a Reassembler that rejects messages larger than
// limit bytes. Zero means unlimited.
func NewReassembler(limit int64) *Reassembler {
	return &Reassembler{limit: limit}
}

// Push feeds the next frame in arrival order. It returns the completed
// message and true once a message is complete.
func (r *Reassembler) Push(f Frame) (Message, bool, error) {
	if f.Opcode.IsControl() {
		return Message{Opcode: f.Opcode, Payload: f.Payload}, true, nil
	}

	if f.Opcode == OpContinuation {
		if !r.active {
			return Message{}, false, ErrUnexpectedContinuation
		}
	} else {
		if r.active {
			return Message{}, false, ErrExpectedContinuation
		}
		if f.Final {
			if r.limit > 0 && int64(len(f.Payload)) > r.limit {
				return Message{}, false, ErrMessageTooBig
			}
			return Message{Opcode: f.Opcode, Payload: f.Payload}, true, nil
		}
		r.op = f.Opcode
		r.active = true
		r.buf = r.buf[:0]
	}

	if r.limit > 0 && int64(len(r.buf)+len(f.Payload)) > r.limit {
		r.Reset()
		return Message{}, false, ErrMessageTooBig
	}
	r.buf = append(r.buf, f.Payload...)

	if !f.Final {
		return Message{}, false, nil
	}

	msg := Message{Opcode: r.op, Payload: make([]byte, len(r.buf))}
	copy(msg.Payload, r.buf)
	r.Reset()
	return msg, true, nil
}

// InProgress reports whether a fragmented message is being assembled.
func (r *Reassembler) InProgress() bool {
	return r.active
}

// Reset drops any partially assembled message.
func (r *Reassembler) Reset() {
	r.active = false
	r.op = OpContinuation
	r.buf = r.buf[:0]
}
