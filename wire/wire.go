// Package wire implements the framed binary protocol spoken between the host
// and the arm microcontroller. Packets are length-prefixed, checksummed and
// terminated; all multi-byte fields are little-endian.
package wire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Framing constants.
const (
	Start      byte = 0xFF
	Version    byte = 10
	Terminator byte = 0x0D

	// HeaderSize covers start, version, command and length.
	HeaderSize = 4
	// TrailerSize covers checksum and terminator.
	TrailerSize = 2
)

// Protocol-wide limits.
const (
	NumAxes      = 8
	MaxKeyframes = 128

	// PositionBias shifts signed encoder positions into u16 tick space.
	PositionBias = 16384

	// NoReading marks a feedback slot with no fresh encoder value.
	NoReading int16 = 0x7FFF
)

// Command is the command byte of a packet.
type Command uint8

// The extended-protocol command set.
const (
	CmdInit Command = iota
	CmdReset
	CmdConfig
	CmdReadKeyframe
	CmdSaveKeyframe
	CmdExit
	CmdCommit
	CmdPlay
	CmdStop
	CmdFeedback
	CmdMotion

	// CmdCount is one past the highest valid command.
	CmdCount
)

func (c Command) String() string {
	switch c {
	case CmdInit:
		return "INIT"
	case CmdReset:
		return "RESET"
	case CmdConfig:
		return "CONFIG"
	case CmdReadKeyframe:
		return "READ_KEYFRAME"
	case CmdSaveKeyframe:
		return "SAVE_KEYFRAME"
	case CmdExit:
		return "EXIT"
	case CmdCommit:
		return "COMMIT"
	case CmdPlay:
		return "PLAY"
	case CmdStop:
		return "STOP"
	case CmdFeedback:
		return "FEEDBACK"
	case CmdMotion:
		return "MOTION"
	}
	return "UNKNOWN"
}

// Flag bits.
const (
	// FlagPlaying in Feedback.Flags reports an active sequence.
	FlagPlaying uint8 = 1 << 0
	// FlagLoop in Play.Flags requests looped playback.
	FlagLoop uint8 = 1 << 0
)

// ResetKey must accompany CmdReset for the device to enter its bootloader.
var ResetKey = [8]byte{0x0A, 0x65, 0x38, 0x47, 0x82, 0xAB, 0xBF, 0x00}

// OutputCommand selects the digital output action attached to a keyframe.
type OutputCommand uint8

// Output actions in wire order.
const (
	OutputNop OutputCommand = iota
	OutputSet
	OutputReset
)

// Wire sizes of the fixed payload structs.
const (
	ConfigSize       = 2 + 2 + 2*NumAxes + 2
	KeyframeSize     = 2 + 2*NumAxes + 1
	SaveKeyframeSize = 1 + KeyframeSize
	ReadKeyframeSize = 1
	FeedbackSize     = 1 + 1 + 2*NumAxes
	PlaySize         = 1
	ResetSize        = 8
	MotionSize       = 2*NumAxes + 2*NumAxes + 1 + 1
)

// Config is the persisted device configuration record.
type Config struct {
	NumKeyframes uint16
	ActiveAxes   uint16
	EncToMot     [NumAxes]uint16
	Lookahead    uint16
}

// MarshalBinary encodes the config in wire layout.
func (c *Config) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, ConfigSize)
	buf = binary.LittleEndian.AppendUint16(buf, c.NumKeyframes)
	buf = binary.LittleEndian.AppendUint16(buf, c.ActiveAxes)
	for _, v := range c.EncToMot {
		buf = binary.LittleEndian.AppendUint16(buf, v)
	}
	buf = binary.LittleEndian.AppendUint16(buf, c.Lookahead)
	return buf, nil
}

// UnmarshalBinary decodes a wire-layout config.
func (c *Config) UnmarshalBinary(data []byte) error {
	if len(data) != ConfigSize {
		return errors.Errorf("config payload must be %d bytes, got %d", ConfigSize, len(data))
	}
	c.NumKeyframes = binary.LittleEndian.Uint16(data[0:])
	c.ActiveAxes = binary.LittleEndian.Uint16(data[2:])
	for j := 0; j < NumAxes; j++ {
		c.EncToMot[j] = binary.LittleEndian.Uint16(data[4+2*j:])
	}
	c.Lookahead = binary.LittleEndian.Uint16(data[4+2*NumAxes:])
	return nil
}

// Keyframe is the wire form of one keyframe: a segment duration, one biased
// tick target per axis and a digital output action.
type Keyframe struct {
	Duration uint16
	Ticks    [NumAxes]uint16
	Output   OutputCommand
}

// MarshalBinary encodes the keyframe in wire layout.
func (k *Keyframe) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, KeyframeSize)
	buf = binary.LittleEndian.AppendUint16(buf, k.Duration)
	for _, tick := range k.Ticks {
		buf = binary.LittleEndian.AppendUint16(buf, tick)
	}
	return append(buf, byte(k.Output)), nil
}

// UnmarshalBinary decodes a wire-layout keyframe.
func (k *Keyframe) UnmarshalBinary(data []byte) error {
	if len(data) != KeyframeSize {
		return errors.Errorf("keyframe payload must be %d bytes, got %d", KeyframeSize, len(data))
	}
	k.Duration = binary.LittleEndian.Uint16(data[0:])
	for j := 0; j < NumAxes; j++ {
		k.Ticks[j] = binary.LittleEndian.Uint16(data[2+2*j:])
	}
	k.Output = OutputCommand(data[2+2*NumAxes])
	return nil
}

// SaveKeyframe stores a keyframe at a sequence index.
type SaveKeyframe struct {
	Index    uint8
	Keyframe Keyframe
}

// MarshalBinary encodes the save request in wire layout.
func (s *SaveKeyframe) MarshalBinary() ([]byte, error) {
	kf, err := s.Keyframe.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return append([]byte{s.Index}, kf...), nil
}

// UnmarshalBinary decodes a wire-layout save request.
func (s *SaveKeyframe) UnmarshalBinary(data []byte) error {
	if len(data) != SaveKeyframeSize {
		return errors.Errorf("save-keyframe payload must be %d bytes, got %d", SaveKeyframeSize, len(data))
	}
	s.Index = data[0]
	return s.Keyframe.UnmarshalBinary(data[1:])
}

// Feedback reports the device state: axis count, status flags and one raw
// signed encoder position per axis, without the tick bias (NoReading when the
// encoder could not be read).
type Feedback struct {
	NumAxes   uint8
	Flags     uint8
	Positions [NumAxes]int16
}

// Playing reports whether the device sequencer is running.
func (f *Feedback) Playing() bool {
	return f.Flags&FlagPlaying != 0
}

// MarshalBinary encodes the feedback in wire layout.
func (f *Feedback) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, FeedbackSize)
	buf = append(buf, f.NumAxes, f.Flags)
	for _, pos := range f.Positions {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(pos))
	}
	return buf, nil
}

// UnmarshalBinary decodes wire-layout feedback.
func (f *Feedback) UnmarshalBinary(data []byte) error {
	if len(data) != FeedbackSize {
		return errors.Errorf("feedback payload must be %d bytes, got %d", FeedbackSize, len(data))
	}
	f.NumAxes = data[0]
	f.Flags = data[1]
	for j := 0; j < NumAxes; j++ {
		f.Positions[j] = int16(binary.LittleEndian.Uint16(data[2+2*j:]))
	}
	return nil
}

// Play starts sequence playback on the device.
type Play struct {
	Flags uint8
}

// MarshalBinary encodes the play request in wire layout.
func (p *Play) MarshalBinary() ([]byte, error) {
	return []byte{p.Flags}, nil
}

// UnmarshalBinary decodes a wire-layout play request.
func (p *Play) UnmarshalBinary(data []byte) error {
	if len(data) != PlaySize {
		return errors.Errorf("play payload must be %d byte, got %d", PlaySize, len(data))
	}
	p.Flags = data[0]
	return nil
}

// Motion commands an immediate per-axis destination and velocity, used for
// host-driven real-time playback.
type Motion struct {
	Ticks    [NumAxes]uint16
	Velocity [NumAxes]uint16
	NumAxes  uint8
	Output   OutputCommand
}

// MarshalBinary encodes the motion command in wire layout.
func (m *Motion) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, MotionSize)
	for _, tick := range m.Ticks {
		buf = binary.LittleEndian.AppendUint16(buf, tick)
	}
	for _, vel := range m.Velocity {
		buf = binary.LittleEndian.AppendUint16(buf, vel)
	}
	return append(buf, m.NumAxes, byte(m.Output)), nil
}

// UnmarshalBinary decodes a wire-layout motion command.
func (m *Motion) UnmarshalBinary(data []byte) error {
	if len(data) != MotionSize {
		return errors.Errorf("motion payload must be %d bytes, got %d", MotionSize, len(data))
	}
	for j := 0; j < NumAxes; j++ {
		m.Ticks[j] = binary.LittleEndian.Uint16(data[2*j:])
	}
	for j := 0; j < NumAxes; j++ {
		m.Velocity[j] = binary.LittleEndian.Uint16(data[2*NumAxes+2*j:])
	}
	m.NumAxes = data[4*NumAxes]
	m.Output = OutputCommand(data[4*NumAxes+1])
	return nil
}
