package nfc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"teddybox/internal/content"
)

// ISO 15693 / ICODE SLIX command frames
var (
	cmdGetRandom  = []byte{0x02, 0xB2, 0x04}
	cmdInventory  = []byte{0x26, 0x01, 0x00}
	cmdReadBlocks = []byte{0x02, 0x23, 0x00, 0x07}
)

const (
	cmdSetPassword = 0xB3
	nxpMfgCode     = 0x04
	pwdPrivacy     = 0x04

	randomRespLen    = 5
	inventoryRespLen = 12
	setPassRespLen   = 3
	readBlocksLen    = 1 + content.TokenSize
)

// Privacy passwords tried in order when a tag does not answer INVENTORY
var passwords = []uint32{0x0F0F0F0F, 0x7FFD6E5B, 0x00000000}

var (
	ErrNoResponse  = errors.New("no response from tag")
	ErrBadResponse = errors.New("unexpected tag response")
)

// Transceiver is the radio front end. Reset power-cycles the field, which
// also re-locks privacy protected tags.
type Transceiver interface {
	Reset(ctx context.Context) error
	Transceive(ctx context.Context, cmd []byte) ([]byte, error)
}

func exchange(ctx context.Context, t Transceiver, cmd []byte, want int) ([]byte, error) {
	resp, err := t.Transceive(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoResponse, err)
	}
	if len(resp) != want || resp[0] != 0 {
		status := -1
		if len(resp) > 0 {
			status = int(resp[0])
		}
		return nil, fmt.Errorf("%w: %d bytes, status %d", ErrBadResponse, len(resp), status)
	}
	return resp, nil
}

// getRandom returns the two byte challenge used to mask the password
func getRandom(ctx context.Context, t Transceiver) ([2]byte, error) {
	resp, err := exchange(ctx, t, cmdGetRandom, randomRespLen)
	if err != nil {
		return [2]byte{}, err
	}
	return [2]byte{resp[1], resp[2]}, nil
}

// inventory returns the tag UID. The response carries it LSB first.
func inventory(ctx context.Context, t Transceiver) (content.Identity, error) {
	resp, err := exchange(ctx, t, cmdInventory, inventoryRespLen)
	if err != nil {
		return 0, err
	}
	return content.Identity(binary.LittleEndian.Uint64(resp[2:10])), nil
}

func setPasswordCmd(password uint32, rnd [2]byte) []byte {
	return []byte{
		0x02, cmdSetPassword, nxpMfgCode, pwdPrivacy,
		byte(password) ^ rnd[0],
		byte(password>>8) ^ rnd[1],
		byte(password>>16) ^ rnd[0],
		byte(password>>24) ^ rnd[1],
	}
}

func setPassword(ctx context.Context, t Transceiver, password uint32, rnd [2]byte) error {
	_, err := exchange(ctx, t, setPasswordCmd(password, rnd), setPassRespLen)
	return err
}

// readToken reads the 32 byte content token from blocks 0..7
func readToken(ctx context.Context, t Transceiver) (content.Token, error) {
	var token content.Token
	resp, err := exchange(ctx, t, cmdReadBlocks, readBlocksLen)
	if err != nil {
		return token, err
	}
	copy(token[:], resp[1:])
	return token, nil
}
