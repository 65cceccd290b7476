package wire

import (
	"testing"

	"go.viam.com/test"
)

func TestInitPacketBytes(t *testing.T) {
	pkt := Encode(CmdInit, nil)
	test.That(t, pkt, test.ShouldResemble, []byte{0xFF, 0x0A, 0x00, 0x00, 0xF1, 0x0D})
}

func TestChecksum(t *testing.T) {
	test.That(t, Checksum(CmdInit, nil), test.ShouldEqual, byte(0xF1))
	test.That(t, Checksum(CmdPlay, []byte{0x01}), test.ShouldEqual, ^byte(0x0A+0x07+0x01+0x01))
}

func TestPacketRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		cmd     Command
		payload []byte
	}{
		{CmdInit, nil},
		{CmdStop, nil},
		{CmdPlay, []byte{FlagLoop}},
		{CmdReadKeyframe, []byte{17}},
		{CmdReset, ResetKey[:]},
	} {
		raw := Encode(tc.cmd, tc.payload)
		pkt, consumed, ok := Decode(raw)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, consumed, test.ShouldEqual, len(raw))
		test.That(t, pkt.Command, test.ShouldEqual, tc.cmd)
		if len(tc.payload) == 0 {
			test.That(t, len(pkt.Payload), test.ShouldEqual, 0)
		} else {
			test.That(t, pkt.Payload, test.ShouldResemble, tc.payload)
		}
	}
}

func TestDecoderResynchronizes(t *testing.T) {
	var d Decoder

	// Garbage, a header with an invalid command byte, then a valid INIT.
	stream := []byte{0x00, 0x23, 0xFF, 0x0A, 0xFF}
	stream = AppendPacket(stream, CmdInit, nil)

	var got []Packet
	for _, b := range stream {
		if pkt, ok := d.Feed(b); ok {
			got = append(got, pkt)
		}
	}
	test.That(t, len(got), test.ShouldEqual, 1)
	test.That(t, got[0].Command, test.ShouldEqual, CmdInit)
}

func TestDecoderRejectsBadChecksum(t *testing.T) {
	raw := Encode(CmdPlay, []byte{0x00})
	raw[len(raw)-2]++

	_, _, ok := Decode(raw)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestDecoderRejectsBadCommand(t *testing.T) {
	raw := []byte{Start, Version, byte(CmdCount), 0x00, Checksum(CmdCount, nil), Terminator}
	_, _, ok := Decode(raw)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := Config{
		NumKeyframes: 2,
		ActiveAxes:   4,
		Lookahead:    200,
	}
	for j := 0; j < NumAxes; j++ {
		cfg.EncToMot[j] = uint16(200 + j)
	}

	raw, err := cfg.MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(raw), test.ShouldEqual, ConfigSize)

	var parsed Config
	test.That(t, parsed.UnmarshalBinary(raw), test.ShouldBeNil)
	test.That(t, parsed, test.ShouldResemble, cfg)
}

func TestKeyframeRoundTrip(t *testing.T) {
	kf := Keyframe{Duration: 1500, Output: OutputSet}
	for j := 0; j < NumAxes; j++ {
		kf.Ticks[j] = uint16(PositionBias + 100*j)
	}

	raw, err := kf.MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(raw), test.ShouldEqual, KeyframeSize)

	var parsed Keyframe
	test.That(t, parsed.UnmarshalBinary(raw), test.ShouldBeNil)
	test.That(t, parsed, test.ShouldResemble, kf)

	var save SaveKeyframe
	rawSave, err := (&SaveKeyframe{Index: 3, Keyframe: kf}).MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, save.UnmarshalBinary(rawSave), test.ShouldBeNil)
	test.That(t, save.Index, test.ShouldEqual, uint8(3))
	test.That(t, save.Keyframe, test.ShouldResemble, kf)
}

func TestFeedbackRoundTrip(t *testing.T) {
	fb := Feedback{NumAxes: 4, Flags: FlagPlaying}
	fb.Positions[0] = -100
	fb.Positions[3] = NoReading

	raw, err := fb.MarshalBinary()
	test.That(t, err, test.ShouldBeNil)

	var parsed Feedback
	test.That(t, parsed.UnmarshalBinary(raw), test.ShouldBeNil)
	test.That(t, parsed, test.ShouldResemble, fb)
	test.That(t, parsed.Playing(), test.ShouldBeTrue)
}

func TestMotionRoundTrip(t *testing.T) {
	m := Motion{NumAxes: 2, Output: OutputReset}
	m.Ticks[0] = PositionBias
	m.Ticks[1] = PositionBias + 580
	m.Velocity[0] = 250
	m.Velocity[1] = 7000

	raw, err := m.MarshalBinary()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(raw), test.ShouldEqual, MotionSize)

	var parsed Motion
	test.That(t, parsed.UnmarshalBinary(raw), test.ShouldBeNil)
	test.That(t, parsed, test.ShouldResemble, m)
}

func TestPayloadSizeErrors(t *testing.T) {
	test.That(t, (&Config{}).UnmarshalBinary(make([]byte, ConfigSize-1)), test.ShouldNotBeNil)
	test.That(t, (&Keyframe{}).UnmarshalBinary(make([]byte, KeyframeSize+1)), test.ShouldNotBeNil)
	test.That(t, (&Feedback{}).UnmarshalBinary(nil), test.ShouldNotBeNil)
	test.That(t, (&Motion{}).UnmarshalBinary(make([]byte, 3)), test.ShouldNotBeNil)
	test.That(t, (&Play{}).UnmarshalBinary(nil), test.ShouldNotBeNil)
}
