package nfc

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math/rand/v2"
	"sync"

	"teddybox/internal/content"
)

var errTimeout = errors.New("no answer within frame wait time")

// VirtualTag describes an ICODE SLIX tag placed on an Emulator. A tag with
// Privacy set stays silent to INVENTORY until Password is presented.
type VirtualTag struct {
	UID      content.Identity
	Token    content.Token
	Privacy  bool
	Password uint32
}

// Emulator is a Transceiver with a single virtual tag in its field. It stands
// in for the radio front end on hosts without one.
type Emulator struct {
	mutex  sync.Mutex
	tag    *VirtualTag
	locked bool
	rnd    [2]byte
}

// NewEmulator returns an emulator with an empty field
func NewEmulator() *Emulator {
	return &Emulator{}
}

// Place puts tag in the field, replacing any previous one
func (e *Emulator) Place(tag VirtualTag) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.tag = &tag
	e.locked = tag.Privacy
}

// Remove empties the field
func (e *Emulator) Remove() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.tag = nil
	e.locked = false
}

// Present returns the identity of the tag in the field
func (e *Emulator) Present() (content.Identity, bool) {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.tag == nil {
		return 0, false
	}
	return e.tag.UID, true
}

// Reset power-cycles the field, re-locking privacy tags
func (e *Emulator) Reset(ctx context.Context) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	if e.tag != nil {
		e.locked = e.tag.Privacy
	}
	return ctx.Err()
}

func (e *Emulator) Transceive(ctx context.Context, cmd []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mutex.Lock()
	defer e.mutex.Unlock()

	tag := e.tag
	if tag == nil {
		return nil, errTimeout
	}

	switch {
	case bytes.Equal(cmd, cmdGetRandom):
		r := rand.Uint32()
		e.rnd = [2]byte{byte(r), byte(r >> 8)}
		return []byte{0, e.rnd[0], e.rnd[1], byte(r >> 16), byte(r >> 24)}, nil

	case bytes.Equal(cmd, cmdInventory):
		if e.locked {
			return nil, errTimeout
		}
		resp := make([]byte, inventoryRespLen)
		binary.LittleEndian.PutUint64(resp[2:10], uint64(tag.UID))
		return resp, nil

	case len(cmd) == len(setPasswordCmd(0, e.rnd)) && cmd[1] == cmdSetPassword:
		if !bytes.Equal(cmd, setPasswordCmd(tag.Password, e.rnd)) {
			return nil, errTimeout
		}
		e.locked = false
		return []byte{0, e.rnd[0], e.rnd[1]}, nil

	case bytes.Equal(cmd, cmdReadBlocks):
		if e.locked {
			return nil, errTimeout
		}
		return append([]byte{0}, tag.Token[:]...), nil
	}
	return nil, errTimeout
}
