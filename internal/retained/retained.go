// Package retained keeps the small record that survives a power cycle: the
// volume and the last played identity and frame.
package retained

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"sync"

	"teddybox/internal/content"

	"github.com/sirupsen/logrus"
)

const (
	// Magic marks an initialized record
	Magic uint32 = 0x54454444

	// RecordSize is the fixed size of the encoded record
	RecordSize = 24

	// DefaultVolume is used when no valid record exists
	DefaultVolume = 30

	checksumSeed uint32 = 0x5A5A5A5A
)

// ErrInvalid is returned when the magic or the checksum does not match
var ErrInvalid = errors.New("retained record invalid")

// State is the content of the retained record
type State struct {
	Volume   uint32
	Identity content.Identity
	Frame    uint32
}

// Defaults returns the state used after a failed validation
func Defaults() State {
	return State{Volume: DefaultVolume}
}

// Encode serializes the state into its fixed little-endian layout
func Encode(s State) [RecordSize]byte {
	var b [RecordSize]byte
	binary.LittleEndian.PutUint32(b[0:], Magic)
	binary.LittleEndian.PutUint32(b[4:], s.Volume)
	binary.LittleEndian.PutUint64(b[8:], uint64(s.Identity))
	binary.LittleEndian.PutUint32(b[16:], s.Frame)
	binary.LittleEndian.PutUint32(b[20:], checksum(b[:20]))
	return b
}

// Decode validates and deserializes a record
func Decode(b []byte) (State, error) {
	if len(b) != RecordSize {
		return State{}, fmt.Errorf("%w: %d bytes", ErrInvalid, len(b))
	}
	if binary.LittleEndian.Uint32(b[0:]) != Magic {
		return State{}, fmt.Errorf("%w: bad magic", ErrInvalid)
	}
	if binary.LittleEndian.Uint32(b[20:]) != checksum(b[:20]) {
		return State{}, fmt.Errorf("%w: bad checksum", ErrInvalid)
	}
	return State{
		Volume:   binary.LittleEndian.Uint32(b[4:]),
		Identity: content.Identity(binary.LittleEndian.Uint64(b[8:])),
		Frame:    binary.LittleEndian.Uint32(b[16:]),
	}, nil
}

// checksum folds the 32-bit words with a rotate-and-xor
func checksum(b []byte) uint32 {
	sum := checksumSeed
	for i := 0; i+4 <= len(b); i += 4 {
		sum = bits.RotateLeft32(sum, 5) ^ binary.LittleEndian.Uint32(b[i:])
	}
	return sum
}

// Store is a file-backed stand-in for the retained memory region. Reads are
// served from memory; every update is written through.
type Store struct {
	path   string
	state  State
	mutex  sync.RWMutex
	logger *logrus.Logger
}

// Open loads the record at path. A missing or invalid record is replaced by
// defaults.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	s := &Store{path: path, logger: logger, state: Defaults()}

	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.WithField("path", path).Info("No retained record, using defaults")
		return s, s.write()
	case err != nil:
		return nil, fmt.Errorf("failed to read retained record: %w", err)
	}

	state, err := Decode(raw)
	if err != nil {
		logger.WithError(err).WithField("path", path).Warn("Retained record invalid, reinitializing")
		return s, s.write()
	}

	s.state = state
	logger.WithFields(logrus.Fields{
		"identity": state.Identity,
		"frame":    state.Frame,
		"volume":   state.Volume,
	}).Debug("Loaded retained record")
	return s, nil
}

// Load returns the current state
func (s *Store) Load() State {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.state
}

// SaveResume records the last played identity and frame
func (s *Store) SaveResume(id content.Identity, frame uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.state.Identity = id
	s.state.Frame = frame
	return s.write()
}

// SaveVolume records the volume level
func (s *Store) SaveVolume(volume uint32) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.state.Volume = volume
	return s.write()
}

// write must be called with the lock held
func (s *Store) write() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create retained directory: %w", err)
	}
	b := Encode(s.state)
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b[:], 0644); err != nil {
		return fmt.Errorf("failed to write retained record: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace retained record: %w", err)
	}
	return nil
}
