// Package nvstore is the device's non-volatile storage for the committed
// keyframe sequence and its configuration record. Writes are wear-aware:
// backends only touch the medium when the content actually changed.
package nvstore

import (
	"bytes"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/robolinkio/robolink/wire"
)

// Store persists one configuration record and its keyframe array.
type Store interface {
	// Load returns the stored configuration and keyframes. A fresh or
	// erased medium returns an erased config (ActiveAxes 0xFFFF) and no
	// keyframes; callers apply their boot-time defaults.
	Load() (wire.Config, []wire.Keyframe, error)
	// Commit replaces the stored configuration and keyframes.
	Commit(cfg wire.Config, frames []wire.Keyframe) error
}

// Erased is the config an empty medium reads back as.
func Erased() wire.Config {
	return wire.Config{ActiveAxes: 0xFFFF}
}

func marshal(cfg wire.Config, frames []wire.Keyframe) ([]byte, error) {
	raw, err := cfg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	for i := range frames {
		kf, err := frames[i].MarshalBinary()
		if err != nil {
			return nil, errors.Wrapf(err, "keyframe %d", i)
		}
		raw = append(raw, kf...)
	}
	return raw, nil
}

func unmarshal(raw []byte) (wire.Config, []wire.Keyframe, error) {
	var cfg wire.Config
	if len(raw) < wire.ConfigSize {
		return Erased(), nil, nil
	}
	if err := cfg.UnmarshalBinary(raw[:wire.ConfigSize]); err != nil {
		return cfg, nil, err
	}
	body := raw[wire.ConfigSize:]
	n := int(cfg.NumKeyframes)
	if n > wire.MaxKeyframes || len(body) < n*wire.KeyframeSize {
		// Corrupt or erased; report as empty so the device boots clean.
		return Erased(), nil, nil
	}
	frames := make([]wire.Keyframe, n)
	for i := 0; i < n; i++ {
		if err := frames[i].UnmarshalBinary(body[i*wire.KeyframeSize : (i+1)*wire.KeyframeSize]); err != nil {
			return cfg, nil, errors.Wrapf(err, "keyframe %d", i)
		}
	}
	return cfg, frames, nil
}

// Mem is an in-memory store used by the emulated device and tests. It counts
// medium writes so wear behaviour can be asserted.
type Mem struct {
	mu     sync.Mutex
	raw    []byte
	writes int
}

// NewMem returns an erased in-memory store.
func NewMem() *Mem {
	return &Mem{}
}

// Load implements Store.
func (m *Mem) Load() (wire.Config, []wire.Keyframe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return unmarshal(m.raw)
}

// Commit implements Store.
func (m *Mem) Commit(cfg wire.Config, frames []wire.Keyframe) error {
	raw, err := marshal(cfg, frames)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if bytes.Equal(m.raw, raw) {
		return nil
	}
	m.raw = raw
	m.writes++
	return nil
}

// Writes returns how many times the medium was actually written.
func (m *Mem) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// File is a file-backed store.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a store backed by path. The file need not exist yet.
func NewFile(path string) *File {
	return &File{path: path}
}

// Load implements Store.
func (f *File) Load() (wire.Config, []wire.Keyframe, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return Erased(), nil, nil
	}
	if err != nil {
		return Erased(), nil, err
	}
	return unmarshal(raw)
}

// Commit implements Store.
func (f *File) Commit(cfg wire.Config, frames []wire.Keyframe) error {
	raw, err := marshal(cfg, frames)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, err := os.ReadFile(f.path); err == nil && bytes.Equal(existing, raw) {
		return nil
	}
	return os.WriteFile(f.path, raw, 0o644)
}
