package transaction

import (
	"harpc/protocol"
)

// chunker accumulates outbound bytes and hands them out in MaxPayloadSize
// pieces. index counts the frames emitted for the current sequence; the frame
// at index 0 is the Begin.
type chunker struct {
	buf   []byte
	index int
}

func (c *chunker) write(p []byte) {
	c.buf = append(c.buf, p...)
}

// next pops exactly MaxPayloadSize bytes while strictly more than that is
// buffered. A full chunk with nothing after it stays pending, so the final
// frame of a sequence is never empty unless the whole sequence is.
func (c *chunker) next() ([]byte, bool) {
	if len(c.buf) <= protocol.MaxPayloadSize {
		return nil, false
	}
	chunk := make([]byte, protocol.MaxPayloadSize)
	copy(chunk, c.buf)
	n := copy(c.buf, c.buf[protocol.MaxPayloadSize:])
	c.buf = c.buf[:n]
	return chunk, true
}

// rest pops everything that is buffered, possibly nothing.
func (c *chunker) rest() []byte {
	chunk := make([]byte, len(c.buf))
	copy(chunk, c.buf)
	c.buf = c.buf[:0]
	return chunk
}

func (c *chunker) pending() int { return len(c.buf) }

// restart drops unflushed bytes and starts a new sequence at index 0.
func (c *chunker) restart() {
	c.buf = c.buf[:0]
	c.index = 0
}

// RequestFrames splits payload into the request frames of one call: a Begin
// addressed to svc/proc, then Frames, the last one carrying EndOfRequest.
// An empty payload yields a single empty Begin.
func RequestFrames(id protocol.CallID, svc protocol.ServiceDescriptor, proc protocol.ProcedureID, payload []byte) []*protocol.Request {
	var c chunker
	c.write(payload)

	frames := make([]*protocol.Request, 0, len(payload)/protocol.MaxPayloadSize+1)
	build := func(p []byte, end bool) {
		req := &protocol.Request{Header: protocol.RequestHeader{Version: protocol.Version1, CallID: id}}
		if end {
			req.Header.Flags |= protocol.FlagEndOfRequest
		}
		if c.index == 0 {
			req.Body = &protocol.RequestBegin{Service: svc, Procedure: proc, Payload: p}
		} else {
			req.Body = &protocol.RequestFrame{Payload: p}
		}
		c.index++
		frames = append(frames, req)
	}

	for {
		chunk, ok := c.next()
		if !ok {
			break
		}
		build(chunk, false)
	}
	build(c.rest(), true)
	return frames
}
