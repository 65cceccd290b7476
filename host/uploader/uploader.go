// Package uploader translates a built timeline into device tick space and
// pushes it over the extended protocol, either committing it to the arm's
// non-volatile store or starting remote playback.
package uploader

import (
	"math"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/robolinkio/robolink/jointcfg"
	"github.com/robolinkio/robolink/logging"
	"github.com/robolinkio/robolink/sequence"
	"github.com/robolinkio/robolink/wire"
)

// Mode selects how an upload terminates.
type Mode int

// Upload modes.
const (
	// ModeCommit writes the sequence to the device's non-volatile store.
	ModeCommit Mode = iota
	// ModePlay starts one remote playback of the uploaded sequence.
	ModePlay
	// ModeLoop starts looped remote playback.
	ModeLoop
)

func (m Mode) String() string {
	switch m {
	case ModeCommit:
		return "commit"
	case ModePlay:
		return "play"
	case ModeLoop:
		return "loop"
	}
	return "unknown"
}

// Conn is the slice of the transport the uploader borrows: it must hold the
// bus exclusively for the duration of a transfer.
type Conn interface {
	Command(cmd wire.Command, payload []byte) (wire.Packet, error)
}

var outputTable = map[sequence.OutputAction]wire.OutputCommand{
	sequence.OutputIgnore: wire.OutputNop,
	sequence.OutputSet:    wire.OutputSet,
	sequence.OutputReset:  wire.OutputReset,
}

// Frames converts a timeline into wire keyframes: the head becomes the
// instantaneous starting pose (duration zero), every later item one timed
// segment. Angles clamp to joint limits before entering tick space.
func Frames(tl *sequence.Timeline, arm *jointcfg.Arm) ([]wire.Keyframe, error) {
	if tl.Len() > wire.MaxKeyframes {
		return nil, errors.Errorf("sequence needs %d keyframes, device holds %d", tl.Len(), wire.MaxKeyframes)
	}

	frames := make([]wire.Keyframe, 0, tl.Len())
	item := tl.Head()
	for i := 0; i < tl.Len(); i++ {
		kf := wire.Keyframe{Output: outputTable[item.Output]}
		if i > 0 {
			ms := int(math.Round(item.RelativeTime * 1000))
			if ms < 1 {
				ms = 1
			}
			if ms > int(^uint16(0)) {
				return nil, errors.Errorf("keyframe %d segment of %d ms exceeds the wire duration", i, ms)
			}
			kf.Duration = uint16(ms)
		}
		for name, target := range item.Joints {
			joint, ok := arm.JointByName(name)
			if !ok {
				return nil, errors.Errorf("keyframe %d references unknown joint %q", i, name)
			}
			kf.Ticks[joint.Address-1] = joint.Tick(joint.Clamp(target.Angle))
		}
		frames = append(frames, kf)
		item = item.Next()
	}
	return frames, nil
}

// Upload pushes the timeline and terminates it per mode. Any I/O failure or
// mismatched answer aborts the transfer; the caller receives one aggregate
// outcome.
func Upload(conn Conn, arm *jointcfg.Arm, tl *sequence.Timeline, mode Mode, logger logging.Logger) error {
	frames, err := Frames(tl, arm)
	if err != nil {
		return errors.Wrap(err, "translating sequence")
	}

	cfg := arm.WireConfig(len(frames))
	raw, err := cfg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := exchange(conn, wire.CmdConfig, raw); err != nil {
		return errors.Wrap(err, "configuring device")
	}

	for i := range frames {
		raw, err := (&wire.SaveKeyframe{Index: uint8(i), Keyframe: frames[i]}).MarshalBinary()
		if err != nil {
			return err
		}
		if err := exchange(conn, wire.CmdSaveKeyframe, raw); err != nil {
			return multierr.Append(
				errors.Errorf("upload aborted at keyframe %d of %d", i, len(frames)),
				err,
			)
		}
	}
	logger.Debugw("sequence uploaded", "keyframes", len(frames), "mode", mode.String())

	switch mode {
	case ModeCommit:
		if err := exchange(conn, wire.CmdCommit, nil); err != nil {
			return errors.Wrap(err, "committing sequence")
		}
	case ModePlay, ModeLoop:
		var flags uint8
		if mode == ModeLoop {
			flags |= wire.FlagLoop
		}
		if err := exchange(conn, wire.CmdPlay, []byte{flags}); err != nil {
			return errors.Wrap(err, "starting playback")
		}
	default:
		return errors.Errorf("unknown upload mode %d", mode)
	}
	return nil
}

// exchange sends one packet and insists on a same-command answer.
func exchange(conn Conn, cmd wire.Command, payload []byte) error {
	pkt, err := conn.Command(cmd, payload)
	if err != nil {
		return err
	}
	if pkt.Command != cmd {
		return errors.Errorf("device answered %s to %s", pkt.Command, cmd)
	}
	return nil
}
