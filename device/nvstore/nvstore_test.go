package nvstore

import (
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/robolinkio/robolink/wire"
)

func sampleSequence() (wire.Config, []wire.Keyframe) {
	cfg := wire.Config{NumKeyframes: 2, ActiveAxes: 1, Lookahead: 200}
	cfg.EncToMot[0] = 256

	first := wire.Keyframe{}
	first.Ticks[0] = wire.PositionBias
	second := wire.Keyframe{Duration: 1500, Output: wire.OutputSet}
	second.Ticks[0] = wire.PositionBias + 580
	return cfg, []wire.Keyframe{first, second}
}

func TestMemRoundTrip(t *testing.T) {
	store := NewMem()

	cfg, frames := sampleSequence()
	test.That(t, store.Commit(cfg, frames), test.ShouldBeNil)

	gotCfg, gotFrames, err := store.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotCfg, test.ShouldResemble, cfg)
	test.That(t, gotFrames, test.ShouldResemble, frames)
}

func TestMemErasedReadsAsEmpty(t *testing.T) {
	store := NewMem()
	cfg, frames, err := store.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ActiveAxes, test.ShouldEqual, uint16(0xFFFF))
	test.That(t, len(frames), test.ShouldEqual, 0)
}

func TestMemWearAware(t *testing.T) {
	store := NewMem()
	cfg, frames := sampleSequence()

	test.That(t, store.Commit(cfg, frames), test.ShouldBeNil)
	test.That(t, store.Commit(cfg, frames), test.ShouldBeNil)
	test.That(t, store.Writes(), test.ShouldEqual, 1)

	frames[1].Duration = 2000
	test.That(t, store.Commit(cfg, frames), test.ShouldBeNil)
	test.That(t, store.Writes(), test.ShouldEqual, 2)
}

func TestCorruptKeyframeCountReadsAsEmpty(t *testing.T) {
	store := NewMem()
	cfg, frames := sampleSequence()
	cfg.NumKeyframes = wire.MaxKeyframes + 1
	test.That(t, store.Commit(cfg, frames), test.ShouldBeNil)

	gotCfg, gotFrames, err := store.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotCfg.ActiveAxes, test.ShouldEqual, uint16(0xFFFF))
	test.That(t, len(gotFrames), test.ShouldEqual, 0)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sequence.bin")
	store := NewFile(path)

	// Missing file reads as erased.
	cfg, frames, err := store.Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.ActiveAxes, test.ShouldEqual, uint16(0xFFFF))
	test.That(t, len(frames), test.ShouldEqual, 0)

	wantCfg, wantFrames := sampleSequence()
	test.That(t, store.Commit(wantCfg, wantFrames), test.ShouldBeNil)

	gotCfg, gotFrames, err := NewFile(path).Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, gotCfg, test.ShouldResemble, wantCfg)
	test.That(t, gotFrames, test.ShouldResemble, wantFrames)
}
