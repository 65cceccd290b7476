package jointcfg

import (
	"fmt"
	"math"
	"regexp"

	"github.com/pkg/errors"
	"gopkg.in/ini.v1"
)

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_()]+$`)

// Load reads and validates an arm configuration file. The file is a grouped
// key-value file with one "global" group and contiguous "Joint0".."JointN"
// groups. No partial state is returned on error.
func Load(path string) (*Arm, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading joint configuration %q", path)
	}
	return fromFile(file)
}

// LoadBytes parses a configuration from memory; used by tests and the watcher.
func LoadBytes(data []byte) (*Arm, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "parsing joint configuration")
	}
	return fromFile(file)
}

func fromFile(file *ini.File) (*Arm, error) {
	arm := &Arm{LookaheadMS: DefaultLookaheadMS}

	if global, err := file.GetSection("global"); err == nil {
		if key, err := global.GetKey("lookahead"); err == nil {
			v, err := key.Uint()
			if err != nil {
				return nil, errors.Wrap(err, "global.lookahead")
			}
			arm.LookaheadMS = uint16(v)
		}
	}

	for n := 0; ; n++ {
		group := fmt.Sprintf("Joint%d", n)
		sec, err := file.GetSection(group)
		if err != nil {
			break
		}
		joint, err := parseJoint(sec)
		if err != nil {
			return nil, errors.Wrap(err, group)
		}
		arm.Joints = append(arm.Joints, joint)
	}
	if len(arm.Joints) == 0 {
		return nil, errors.New("no Joint0 group in configuration")
	}

	if err := validate(arm); err != nil {
		return nil, err
	}
	return arm, nil
}

func parseJoint(sec *ini.Section) (Joint, error) {
	joint := Joint{
		Lower:        -1.0,
		Upper:        1.0,
		Length:       -1.0,
		MaxCurrent:   80,
		HoldCurrent:  20,
		JoystickAxis: -1,
	}

	for _, key := range []string{"name", "type", "address", "encoder_steps_per_turn", "motor_steps_per_turn"} {
		if !sec.HasKey(key) {
			return joint, errors.Errorf("missing mandatory key %q", key)
		}
	}

	joint.Name = sec.Key("name").String()
	if !nameRe.MatchString(joint.Name) {
		return joint, errors.Errorf("joint name %q is not alphanumeric", joint.Name)
	}

	kind, err := ParseAxisKind(sec.Key("type").String())
	if err != nil {
		return joint, err
	}
	joint.Kind = kind

	joint.Address, err = sec.Key("address").Int()
	if err != nil {
		return joint, errors.Wrap(err, "address")
	}

	encSteps, err := sec.Key("encoder_steps_per_turn").Float64()
	if err != nil || encSteps <= 0 {
		return joint, errors.Errorf("encoder_steps_per_turn must be a positive number")
	}
	motSteps, err := sec.Key("motor_steps_per_turn").Float64()
	if err != nil || motSteps <= 0 {
		return joint, errors.Errorf("motor_steps_per_turn must be a positive number")
	}
	joint.EncToRad = 2 * math.Pi / encSteps
	joint.MotToRad = 2 * math.Pi / motSteps

	if err := optFloat(sec, "lower_limit", &joint.Lower); err != nil {
		return joint, err
	}
	if err := optFloat(sec, "upper_limit", &joint.Upper); err != nil {
		return joint, err
	}
	if err := optFloat(sec, "offset", &joint.Offset); err != nil {
		return joint, err
	}
	if err := optFloat(sec, "length", &joint.Length); err != nil {
		return joint, err
	}
	if err := optInt(sec, "max_current", &joint.MaxCurrent); err != nil {
		return joint, err
	}
	if err := optInt(sec, "hold_current", &joint.HoldCurrent); err != nil {
		return joint, err
	}
	if err := optInt(sec, "joystick_axis", &joint.JoystickAxis); err != nil {
		return joint, err
	}
	if err := optBool(sec, "invert", &joint.Invert); err != nil {
		return joint, err
	}
	if err := optBool(sec, "joystick_invert", &joint.JoystickInvert); err != nil {
		return joint, err
	}

	if joint.Lower > joint.Upper {
		return joint, errors.Errorf("lower_limit %g exceeds upper_limit %g", joint.Lower, joint.Upper)
	}
	return joint, nil
}

func optFloat(sec *ini.Section, name string, dst *float64) error {
	if !sec.HasKey(name) {
		return nil
	}
	v, err := sec.Key(name).Float64()
	if err != nil {
		return errors.Wrap(err, name)
	}
	*dst = v
	return nil
}

func optInt(sec *ini.Section, name string, dst *int) error {
	if !sec.HasKey(name) {
		return nil
	}
	v, err := sec.Key(name).Int()
	if err != nil {
		return errors.Wrap(err, name)
	}
	*dst = v
	return nil
}

func optBool(sec *ini.Section, name string, dst *bool) error {
	if !sec.HasKey(name) {
		return nil
	}
	v, err := sec.Key(name).Int()
	if err != nil {
		return errors.Wrap(err, name)
	}
	*dst = v != 0
	return nil
}

func validate(arm *Arm) error {
	names := map[string]bool{}
	addresses := map[int]bool{}
	for i := range arm.Joints {
		joint := &arm.Joints[i]
		if names[joint.Name] {
			return errors.Errorf("duplicate joint name %q", joint.Name)
		}
		names[joint.Name] = true
		if addresses[joint.Address] {
			return errors.Errorf("duplicate bus address %d", joint.Address)
		}
		addresses[joint.Address] = true
	}
	// Addresses must run 1..N with no gaps.
	for a := 1; a <= len(arm.Joints); a++ {
		if !addresses[a] {
			return errors.Errorf("bus addresses must be contiguous from 1; missing %d", a)
		}
	}
	return nil
}
