// Package sequence models authored motion sequences: ordered keyframes in
// joint-angle space, their text serialisation, and the time-parameterised
// timeline both the real-time player and the uploader consume.
package sequence

import (
	"math"

	"github.com/pkg/errors"

	"github.com/robolinkio/robolink/jointcfg"
)

// OutputAction is the digital-output annotation of an authored keyframe.
type OutputAction int

// Authoring-side output actions.
const (
	OutputIgnore OutputAction = iota
	OutputSet
	OutputReset
)

// Keyframe is the host authoring form of one keyframe.
type Keyframe struct {
	// Angles maps joint name to target angle in radians.
	Angles map[string]float64
	// Speed is the percentage of the configured maximum speed, 1..100.
	Speed int
	// Pause is a hold after reaching the frame, seconds, 0..1000.
	Pause float64
	Output OutputAction
}

// Validate checks the metadata ranges.
func (k *Keyframe) Validate() error {
	if k.Speed < 1 || k.Speed > 100 {
		return errors.Errorf("speed %d out of range 1..100", k.Speed)
	}
	if k.Pause < 0 || k.Pause > 1000 {
		return errors.Errorf("pause %g out of range 0..1000", k.Pause)
	}
	if k.Output < OutputIgnore || k.Output > OutputReset {
		return errors.Errorf("output action %d out of range 0..2", int(k.Output))
	}
	return nil
}

// Target is one joint's interpolation target within a timeline item.
type Target struct {
	Angle    float64
	Velocity float64 // rad/s toward this item's angle
}

// Item is one node of the built timeline.
type Item struct {
	Joints map[string]Target

	// RelativeTime is seconds from the previous item; AbsoluteTime is
	// seconds from the start of the sequence.
	RelativeTime float64
	AbsoluteTime float64

	Output OutputAction

	next *Item
}

// Next returns the following item, or nil at the end of a non-looped
// timeline. In a looped timeline the final item links back to the head.
func (it *Item) Next() *Item { return it.next }

// Timeline is the singly-linked, time-parameterised form of a sequence.
type Timeline struct {
	head   *Item
	last   *Item
	looped bool
	count  int
}

// Head returns the first item (the starting pose).
func (tl *Timeline) Head() *Item { return tl.head }

// Looped reports whether the final item closes the ring.
func (tl *Timeline) Looped() bool { return tl.looped }

// Len returns the number of items.
func (tl *Timeline) Len() int { return tl.count }

// Duration returns the absolute time of the final item.
func (tl *Timeline) Duration() float64 { return tl.last.AbsoluteTime }

// Build produces the timeline for frames against the arm configuration.
// Segment times derive from the largest per-joint travel (the slowest joint
// limits the segment), scaled by the frame's speed percentage of speedLimit
// (rad/s). Angles are clamped to joint limits. Frames after the first may
// omit joints; omitted joints hold their previous angle.
func Build(frames []Keyframe, arm *jointcfg.Arm, looped bool, speedLimit float64) (*Timeline, error) {
	if len(frames) == 0 {
		return nil, errors.New("sequence has no keyframes")
	}
	if speedLimit <= 0 {
		return nil, errors.Errorf("speed limit must be positive, got %g", speedLimit)
	}

	tl := &Timeline{looped: looped}
	prev := map[string]float64{}

	for i := range frames {
		frame := &frames[i]
		if err := frame.Validate(); err != nil {
			return nil, errors.Wrapf(err, "keyframe %d", i)
		}

		angles := map[string]float64{}
		for _, joint := range arm.Joints {
			angle, ok := frame.Angles[joint.Name]
			if !ok {
				if i == 0 {
					return nil, errors.Errorf("keyframe 0 is missing joint %q", joint.Name)
				}
				angle = prev[joint.Name]
			}
			angles[joint.Name] = joint.Clamp(angle)
		}
		for name := range frame.Angles {
			if _, ok := arm.JointByName(name); !ok {
				return nil, errors.Errorf("keyframe %d references unknown joint %q", i, name)
			}
		}

		if i == 0 {
			tl.append(newItem(angles, prev, 0, frame.Output))
		} else {
			dt := segmentTime(prev, angles, frame.Speed, speedLimit)
			tl.append(newItem(angles, prev, dt, frame.Output))
		}
		if frame.Pause > 0 {
			tl.append(newItem(angles, angles, frame.Pause, OutputIgnore))
		}
		prev = angles
	}

	if looped {
		// Close the ring back to the starting pose.
		first := tl.head.Joints
		angles := map[string]float64{}
		for name, target := range first {
			angles[name] = target.Angle
		}
		dt := segmentTime(prev, angles, frames[len(frames)-1].Speed, speedLimit)
		tl.append(newItem(angles, prev, dt, OutputIgnore))
		tl.last.next = tl.head
	}
	return tl, nil
}

func newItem(angles, from map[string]float64, dt float64, output OutputAction) *Item {
	item := &Item{
		Joints:       map[string]Target{},
		RelativeTime: dt,
		Output:       output,
	}
	for name, angle := range angles {
		velocity := 0.0
		if dt > 0 {
			velocity = math.Abs(angle-from[name]) / dt
		}
		item.Joints[name] = Target{Angle: angle, Velocity: velocity}
	}
	return item
}

func (tl *Timeline) append(item *Item) {
	if tl.head == nil {
		tl.head = item
	} else {
		item.AbsoluteTime = tl.last.AbsoluteTime + item.RelativeTime
		tl.last.next = item
	}
	tl.last = item
	tl.count++
}

// segmentTime returns the travel time between two poses: the L-inf norm of
// the joint deltas over the commanded speed.
func segmentTime(from, to map[string]float64, speedPercent int, speedLimit float64) float64 {
	distance := 0.0
	for name, angle := range to {
		if d := math.Abs(angle - from[name]); d > distance {
			distance = d
		}
	}
	return distance / (float64(speedPercent) / 100.0 * speedLimit)
}
