package wire

import "github.com/pkg/errors"

// Packet is one decoded extended-protocol frame.
type Packet struct {
	Command Command
	Payload []byte
}

// Checksum computes the frame checksum: the 8-bit complement of the sum of
// version, command, length and every payload byte.
func Checksum(cmd Command, payload []byte) byte {
	sum := Version + byte(cmd) + byte(len(payload))
	for _, b := range payload {
		sum += b
	}
	return ^sum
}

// AppendPacket appends a complete frame for cmd/payload to dst.
func AppendPacket(dst []byte, cmd Command, payload []byte) []byte {
	dst = append(dst, Start, Version, byte(cmd), byte(len(payload)))
	dst = append(dst, payload...)
	return append(dst, Checksum(cmd, payload), Terminator)
}

// Encode frames cmd with an already-marshalled payload.
func Encode(cmd Command, payload []byte) []byte {
	return AppendPacket(make([]byte, 0, HeaderSize+len(payload)+TrailerSize), cmd, payload)
}

// EncodePayload frames cmd with a marshallable payload struct.
func EncodePayload(cmd Command, payload interface{ MarshalBinary() ([]byte, error) }) ([]byte, error) {
	raw, err := payload.MarshalBinary()
	if err != nil {
		return nil, errors.Wrapf(err, "encoding %s payload", cmd)
	}
	return Encode(cmd, raw), nil
}

// decoder states.
type decodeState uint8

const (
	stateStart decodeState = iota
	stateVersion
	stateCommand
	stateLength
	statePayload
	stateChecksum
	stateEnd
)

// Decoder is the byte-at-a-time packet parser. Any mismatch drops the frame
// and returns the machine to the start state; a packet is yielded only after
// a correct terminator.
type Decoder struct {
	state   decodeState
	cmd     Command
	length  int
	payload []byte
}

// Reset returns the decoder to the start state.
func (d *Decoder) Reset() {
	d.state = stateStart
	d.payload = d.payload[:0]
}

// Feed consumes one byte. It returns a complete packet and true when the
// byte finished a valid frame.
func (d *Decoder) Feed(b byte) (Packet, bool) {
	switch d.state {
	case stateStart:
		if b == Start {
			d.state = stateVersion
		}
	case stateVersion:
		if b == Version {
			d.state = stateCommand
		} else {
			d.Reset()
		}
	case stateCommand:
		if Command(b) < CmdCount {
			d.cmd = Command(b)
			d.state = stateLength
		} else {
			d.Reset()
		}
	case stateLength:
		d.length = int(b)
		d.payload = d.payload[:0]
		if d.length == 0 {
			d.state = stateChecksum
		} else {
			d.state = statePayload
		}
	case statePayload:
		d.payload = append(d.payload, b)
		if len(d.payload) == d.length {
			d.state = stateChecksum
		}
	case stateChecksum:
		if b == Checksum(d.cmd, d.payload) {
			d.state = stateEnd
		} else {
			d.Reset()
		}
	case stateEnd:
		cmd, payload := d.cmd, d.payload
		d.Reset()
		if b == Terminator {
			return Packet{Command: cmd, Payload: append([]byte(nil), payload...)}, true
		}
	}
	return Packet{}, false
}

// Decode runs the decoder over buf and returns the first complete packet plus
// the number of bytes consumed. ok is false if buf holds no complete frame.
func Decode(buf []byte) (pkt Packet, consumed int, ok bool) {
	var d Decoder
	for i, b := range buf {
		if p, done := d.Feed(b); done {
			return p, i + 1, true
		}
	}
	return Packet{}, len(buf), false
}
