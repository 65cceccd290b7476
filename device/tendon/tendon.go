// Package tendon is the program each motor controller runs for its joint.
// The controller hardware closes a position loop on the motor, but the joint
// itself hangs on a compliant tendon, so the encoder and the commanded motor
// position drift apart; this program finds the mechanical zero with a Hall
// sensor and then keeps the motor leading the encoder toward the host's
// target.
package tendon

import "github.com/robolinkio/robolink/wire"

// Registers is the controller register file the joint program reads and
// writes. The pause register is the host's state request; the target
// position arrives biased by the wire position bias so negatives fit.
type Registers interface {
	Pause() int

	Encoder() int
	Demand() int
	SetTarget(target int)

	TargetTicks() int
	TargetSpeed() int

	Analog() int

	Current() int
	SetCurrent(current int)

	// ResetPositions zeroes the encoder and the motor demand, preserving
	// the microstep phase in the demand's low bits.
	ResetPositions()
}

// Mode is the reported controller state.
type Mode int

// Controller modes. Requests outside the known set halt the program.
const (
	ModeUninitialised Mode = 0
	ModeSearching     Mode = 1
	ModeIdle          Mode = 2
	ModeCompliance    Mode = 3
	ModePassive       Mode = 4
	ModeHalted        Mode = -1
)

// encoderShift converts encoder-scale deltas to motor scale; the encoder
// runs at twice the motor resolution.
const encoderShift = 1

// hallThreshold is the analog level above which the Hall sensor reads the
// zero magnet.
const (
	hallThreshold = 580
	sweepWiden    = 200
	searchCurrent = 25
)

type searchPhase int

const (
	searchStart searchPhase = iota
	searchSweep
	searchCenter
	searchDone
)

// Controller is the joint program. Step runs one cooperative loop iteration
// so the surrounding firmware can keep servicing its bus.
type Controller struct {
	hw   Registers
	mode Mode

	// Position control hold latch.
	hold        bool
	driveTarget int
	lastSign    int

	// Zero search.
	phase       searchPhase
	sweepDir    int
	sweepSpan   int
	sweepOrigin int
	inZone      bool
	edge1       int
	edge2       int
	haveEdge1   bool
	haveEdge2   bool
	middle      int
	runCurrent  int

	// Compliance integrator.
	cableTension int
	lastEncoder  int
	lastDemand   int

	// Microstep phase recovered after zeroing, preserved for later
	// commands.
	microstep int

	lastPause int
}

// New returns a controller over the given register file.
func New(hw Registers) *Controller {
	return &Controller{hw: hw, lastSign: 1}
}

// Mode reports the current controller mode.
func (c *Controller) Mode() Mode {
	return c.mode
}

// Microstep returns the low-2-bit microstep offset captured when the joint
// was zeroed.
func (c *Controller) Microstep() int {
	return c.microstep
}

// Step executes one loop iteration, dispatching on the host's pause
// register.
func (c *Controller) Step() {
	pause := c.hw.Pause()
	if pause == 3 && c.lastPause != 3 {
		c.lastEncoder = c.hw.Encoder()
		c.lastDemand = c.hw.Demand()
		c.cableTension = 0
	}
	c.lastPause = pause

	switch pause {
	case 0:
		c.mode = ModeUninitialised
		c.phase = searchStart
	case 1:
		if c.phase == searchDone {
			// Zeroed; report ready until the host moves us on.
			c.mode = ModeIdle
			return
		}
		c.mode = ModeSearching
		c.stepSearch()
	case 2:
		c.mode = ModeIdle
		c.stepPosition()
	case 3:
		c.mode = ModeCompliance
		c.stepCompliance()
	case 4:
		c.mode = ModePassive
	default:
		c.mode = ModeHalted
	}
}

// stepSearch drives the zero-finding sweep: outward at reduced current,
// widening by sweepWiden each reversal until the Hall zone has been entered
// and left, then centers on the zone and rebases both positions to zero.
func (c *Controller) stepSearch() {
	switch c.phase {
	case searchStart:
		c.runCurrent = c.hw.Current()
		c.hw.SetCurrent(searchCurrent)
		c.sweepDir = 1
		c.sweepSpan = sweepWiden
		c.sweepOrigin = c.hw.Demand()
		c.inZone = false
		c.haveEdge1 = false
		c.haveEdge2 = false
		c.phase = searchSweep

	case searchSweep:
		enc := c.hw.Encoder()
		inZone := c.hw.Analog() >= hallThreshold
		if inZone && !c.inZone {
			c.edge1 = enc
			c.haveEdge1 = true
		}
		if !inZone && c.inZone && c.haveEdge1 {
			c.edge2 = enc
			c.haveEdge2 = true
		}
		c.inZone = inZone

		if c.haveEdge1 && c.haveEdge2 {
			// One shift halves to the midpoint, the second converts
			// encoder scale to motor scale.
			c.middle = (c.edge1 + c.edge2) / 4
			c.phase = searchCenter
			return
		}

		target := c.sweepOrigin + c.sweepDir*c.sweepSpan
		if c.hw.Demand() == target {
			c.sweepDir = -c.sweepDir
			c.sweepSpan += sweepWiden
			target = c.sweepOrigin + c.sweepDir*c.sweepSpan
		}
		c.hw.SetTarget(target)

	case searchCenter:
		diff := (c.hw.Encoder() >> encoderShift) - c.middle
		if diff == 0 {
			c.microstep = c.hw.Demand() & 0x3
			c.hw.ResetPositions()
			c.hw.SetCurrent(c.runCurrent)
			c.phase = searchDone
			c.mode = ModeIdle
			return
		}
		c.hw.SetTarget(c.hw.Demand() - diff)
	}
}

// stepPosition runs the closed-loop position control with tendon
// compensation: overshoot proportionally while far, single-step when close,
// and latch a hold target inside the dead band so the joint cannot hunt.
func (c *Controller) stepPosition() {
	targetEnc := c.hw.TargetTicks() - wire.PositionBias
	enc := c.hw.Encoder()
	demand := c.hw.Demand()

	delta := (targetEnc - enc) >> encoderShift
	deltaAbs := delta
	if deltaAbs < 0 {
		deltaAbs = -deltaAbs
	}

	farShift := 0
	if (c.hw.TargetSpeed() >> 5) < deltaAbs {
		farShift = 1
	}

	if c.hold && deltaAbs >= 3 {
		c.hold = false
	}

	if deltaAbs < 2 {
		if !c.hold {
			c.driveTarget = demand + 4*c.lastSign
			c.hold = true
		}
	} else if !c.hold {
		c.driveTarget = (delta << farShift) + demand
		// Never issue a zero-delta start.
		if diff := c.driveTarget - demand; diff > -5 && diff < 5 {
			if delta > 0 {
				c.driveTarget = demand + 5
			} else {
				c.driveTarget = demand - 5
			}
		}
	}

	if delta > 0 {
		c.lastSign = 1
	} else if delta < 0 {
		c.lastSign = -1
	}

	c.hw.SetTarget(c.driveTarget)
}

// stepCompliance integrates the mismatch between encoder motion and motor
// motion so an operator can back-drive the joint; the accumulated cable
// tension feeds the target.
func (c *Controller) stepCompliance() {
	enc := c.hw.Encoder()
	demand := c.hw.Demand()

	encMotion := (enc - c.lastEncoder) * 2
	motMotion := demand - c.lastDemand
	c.cableTension += encMotion - motMotion

	c.lastEncoder = enc
	c.lastDemand = demand

	c.hw.SetTarget(demand + c.cableTension)
}
