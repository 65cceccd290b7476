// Package jointcfg holds the per-joint configuration of the arm and the
// transform between joint angles (radians) and the biased encoder tick space
// used on the wire.
package jointcfg

import (
	"math"

	"github.com/pkg/errors"

	"github.com/robolinkio/robolink/wire"
)

// DefaultLookaheadMS is the device velocity-correction window when the
// configuration does not override it.
const DefaultLookaheadMS = 200

// AxisKind tags the joint geometry used by visualisation layers. The motion
// stack itself treats all kinds alike.
type AxisKind uint8

// Supported axis kinds.
const (
	AxisX AxisKind = iota
	AxisZ
)

func (k AxisKind) String() string {
	switch k {
	case AxisX:
		return "X"
	case AxisZ:
		return "Z"
	}
	return "?"
}

// ParseAxisKind parses the "type" key of a joint group.
func ParseAxisKind(s string) (AxisKind, error) {
	switch s {
	case "X":
		return AxisX, nil
	case "Z":
		return AxisZ, nil
	}
	return AxisX, errors.Errorf("unknown joint type %q", s)
}

// Joint is the immutable configuration of one joint.
type Joint struct {
	Name string
	Kind AxisKind

	// Address is the 1-based RS-485 bus id.
	Address int

	Lower  float64 // radians
	Upper  float64 // radians
	Offset float64 // radians
	Length float64 // meters, -1 when unknown; visualisation only

	// EncToRad and MotToRad are 2*pi over the respective steps per turn.
	EncToRad float64
	MotToRad float64

	Invert bool

	MaxCurrent  int
	HoldCurrent int

	JoystickAxis   int
	JoystickInvert bool
}

// Clamp bounds an angle to the joint's travel limits.
func (j *Joint) Clamp(angle float64) float64 {
	if angle < j.Lower {
		return j.Lower
	}
	if angle > j.Upper {
		return j.Upper
	}
	return angle
}

func (j *Joint) sign() float64 {
	if j.Invert {
		return -1
	}
	return 1
}

// Tick converts an angle to wire tick space.
func (j *Joint) Tick(angle float64) uint16 {
	raw := math.Round((j.sign()*angle+j.Offset)/j.EncToRad) + wire.PositionBias
	return uint16(raw)
}

// Angle converts a wire tick back to an angle. It is the inverse of Tick up
// to half an encoder step.
func (j *Joint) Angle(tick uint16) float64 {
	return j.sign() * ((float64(tick)-wire.PositionBias)*j.EncToRad - j.Offset)
}

// EncToMot is the 8.8 fixed-point encoder-to-motor scale sent to the device.
func (j *Joint) EncToMot() uint16 {
	return uint16(math.Round(256 * j.EncToRad / j.MotToRad))
}

// Arm is the validated configuration for a whole arm.
type Arm struct {
	Joints []Joint

	// LookaheadMS is the global device velocity-correction window.
	LookaheadMS uint16
}

// ActiveAxes is the number of bus-addressed joints, equal to the highest
// address since addresses are contiguous from 1.
func (a *Arm) ActiveAxes() int {
	return len(a.Joints)
}

// JointByName finds a joint by its configured name.
func (a *Arm) JointByName(name string) (*Joint, bool) {
	for i := range a.Joints {
		if a.Joints[i].Name == name {
			return &a.Joints[i], true
		}
	}
	return nil, false
}

// JointByAddress finds a joint by its bus address.
func (a *Arm) JointByAddress(address int) (*Joint, bool) {
	for i := range a.Joints {
		if a.Joints[i].Address == address {
			return &a.Joints[i], true
		}
	}
	return nil, false
}

// WireConfig derives the device configuration record for numKeyframes frames.
func (a *Arm) WireConfig(numKeyframes int) wire.Config {
	cfg := wire.Config{
		NumKeyframes: uint16(numKeyframes),
		ActiveAxes:   uint16(a.ActiveAxes()),
		Lookahead:    a.LookaheadMS,
	}
	for _, j := range a.Joints {
		cfg.EncToMot[j.Address-1] = j.EncToMot()
	}
	return cfg
}
