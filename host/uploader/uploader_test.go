package uploader

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/robolinkio/robolink/jointcfg"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/sequence"
	"github.com/robolinkio/robolink/wire"
)

type sent struct {
	cmd     wire.Command
	payload []byte
}

type fakeConn struct {
	log    []sent
	failAt wire.Command
	answer func(cmd wire.Command) wire.Command
}

func (c *fakeConn) Command(cmd wire.Command, payload []byte) (wire.Packet, error) {
	c.log = append(c.log, sent{cmd, append([]byte(nil), payload...)})
	if c.failAt == cmd {
		return wire.Packet{}, errors.New("bus failure")
	}
	reply := cmd
	if c.answer != nil {
		reply = c.answer(cmd)
	}
	return wire.Packet{Command: reply}, nil
}

func testArm() *jointcfg.Arm {
	return &jointcfg.Arm{
		LookaheadMS: 200,
		Joints: []jointcfg.Joint{
			{
				Name: "base", Address: 1,
				Lower: -2, Upper: 2,
				EncToRad: 2 * math.Pi / 4640, MotToRad: 2 * math.Pi / 4640,
			},
		},
	}
}

func buildTimeline(t *testing.T, arm *jointcfg.Arm) *sequence.Timeline {
	t.Helper()
	frames := []sequence.Keyframe{
		{Angles: map[string]float64{"base": 0}, Speed: 100},
		{Angles: map[string]float64{"base": math.Pi / 4}, Speed: 100},
	}
	tl, err := sequence.Build(frames, arm, false, math.Pi/4)
	test.That(t, err, test.ShouldBeNil)
	return tl
}

func TestFramesTickConversion(t *testing.T) {
	arm := testArm()
	frames, err := Frames(buildTimeline(t, arm), arm)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(frames), test.ShouldEqual, 2)

	// The head is the instantaneous starting pose.
	test.That(t, frames[0].Duration, test.ShouldEqual, uint16(0))
	test.That(t, frames[0].Ticks[0], test.ShouldEqual, uint16(16384))

	// pi/4 at 4640 encoder steps per turn is 580 ticks past the bias,
	// reached in one second at the commanded speed.
	test.That(t, frames[1].Ticks[0], test.ShouldEqual, uint16(16964))
	test.That(t, frames[1].Duration, test.ShouldEqual, uint16(1000))
}

func TestFramesRejectOversizedSequence(t *testing.T) {
	arm := testArm()
	authored := make([]sequence.Keyframe, wire.MaxKeyframes+1)
	for i := range authored {
		authored[i] = sequence.Keyframe{
			Angles: map[string]float64{"base": float64(i) * 1e-4},
			Speed:  100,
		}
	}
	tl, err := sequence.Build(authored, arm, false, 1.0)
	test.That(t, err, test.ShouldBeNil)

	_, err = Frames(tl, arm)
	test.That(t, err, test.ShouldNotBeNil)

	// Exactly the maximum is accepted.
	tl, err = sequence.Build(authored[:wire.MaxKeyframes], arm, false, 1.0)
	test.That(t, err, test.ShouldBeNil)
	frames, err := Frames(tl, arm)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(frames), test.ShouldEqual, wire.MaxKeyframes)
}

func TestUploadCommit(t *testing.T) {
	arm := testArm()
	conn := &fakeConn{failAt: wire.CmdCount}

	err := Upload(conn, arm, buildTimeline(t, arm), ModeCommit, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	test.That(t, len(conn.log), test.ShouldEqual, 4)
	test.That(t, conn.log[0].cmd, test.ShouldEqual, wire.CmdConfig)
	test.That(t, conn.log[1].cmd, test.ShouldEqual, wire.CmdSaveKeyframe)
	test.That(t, conn.log[2].cmd, test.ShouldEqual, wire.CmdSaveKeyframe)
	test.That(t, conn.log[3].cmd, test.ShouldEqual, wire.CmdCommit)

	var cfg wire.Config
	test.That(t, cfg.UnmarshalBinary(conn.log[0].payload), test.ShouldBeNil)
	test.That(t, cfg.NumKeyframes, test.ShouldEqual, uint16(2))
	test.That(t, cfg.ActiveAxes, test.ShouldEqual, uint16(1))
	test.That(t, cfg.EncToMot[0], test.ShouldEqual, uint16(256))
	test.That(t, cfg.Lookahead, test.ShouldEqual, uint16(200))

	var save wire.SaveKeyframe
	test.That(t, save.UnmarshalBinary(conn.log[2].payload), test.ShouldBeNil)
	test.That(t, save.Index, test.ShouldEqual, uint8(1))
	test.That(t, save.Keyframe.Ticks[0], test.ShouldEqual, uint16(16964))
}

func TestUploadPlayAndLoopFlags(t *testing.T) {
	arm := testArm()

	conn := &fakeConn{failAt: wire.CmdCount}
	err := Upload(conn, arm, buildTimeline(t, arm), ModePlay, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	last := conn.log[len(conn.log)-1]
	test.That(t, last.cmd, test.ShouldEqual, wire.CmdPlay)
	test.That(t, last.payload, test.ShouldResemble, []byte{0})

	conn = &fakeConn{failAt: wire.CmdCount}
	err = Upload(conn, arm, buildTimeline(t, arm), ModeLoop, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	last = conn.log[len(conn.log)-1]
	test.That(t, last.payload, test.ShouldResemble, []byte{wire.FlagLoop})
}

func TestUploadAbortsOnFailure(t *testing.T) {
	arm := testArm()

	conn := &fakeConn{failAt: wire.CmdSaveKeyframe}
	err := Upload(conn, arm, buildTimeline(t, arm), ModeCommit, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "upload aborted at keyframe 0")
	// Nothing after the failed save went out.
	test.That(t, conn.log[len(conn.log)-1].cmd, test.ShouldEqual, wire.CmdSaveKeyframe)
}

func TestUploadRejectsMismatchedAnswer(t *testing.T) {
	arm := testArm()

	conn := &fakeConn{
		failAt: wire.CmdCount,
		answer: func(cmd wire.Command) wire.Command {
			if cmd == wire.CmdCommit {
				return wire.CmdFeedback
			}
			return cmd
		},
	}
	err := Upload(conn, arm, buildTimeline(t, arm), ModeCommit, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "answered FEEDBACK")
}
