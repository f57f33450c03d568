package websocket

// Handlers holds one optional callback per connection event. An unset
// callback makes the corresponding event a no-op.
type Handlers struct {
	OnOpen    func()
	OnClose   func(code int, reason string)
	OnMessage func(op Opcode, payload []byte)
	OnError   func(err error)
	OnPong    func(payload []byte)
}

func (h *Handlers) fireOpen() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h *Handlers) fireClose(code int, reason string) {
	if h.OnClose != nil {
		h.OnClose(code, reason)
	}
}

func (h *Handlers) fireMessage(op Opcode, payload []byte) {
	if h.OnMessage != nil {
		h.OnMessage(op, payload)
	}
}

func (h *Handlers) fireError(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h *Handlers) firePong(payload []byte) {
	if h.OnPong != nil {
		h.OnPong(payload)
	}
}
