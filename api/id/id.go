package id

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync/atomic"
	"time"
)

// Id identifies an activation completed locally. The text form is 32
// lowercase hex characters, the shape the platform uses for its own
// activation ids.
type Id [16]byte

// EncodedSize is the length of a text encoded Id.
const EncodedSize = 32

var (
	machineID uint64
	counter   uint32
)

func init() {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		machineID = binary.BigEndian.Uint64(b[:])
	}
}

// SetMachineId may only be called by one thread before any id generation
// is done. Only the least significant 48 bits are used.
func SetMachineId(ID uint64) {
	machineID = ID
}

// New will generate a new Id for use. New is safe to be called from
// concurrent threads.
//
// binary format: [ [ 48 bits time ] [ 48 bits machineID ] [ 32 bits counter ] ]
func New() Id {
	return NewWithTime(time.Now())
}

// NewWithTime returns an id that uses the milliseconds from the given time.
func NewWithTime(t time.Time) Id {
	ms := uint64(t.Unix())*1000 + uint64(t.Nanosecond()/int(time.Millisecond))
	count := atomic.AddUint32(&counter, 1)
	return newID(ms, machineID, count)
}

func newID(ms, machineID uint64, count uint32) Id {
	var id Id

	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	id[6] = byte(machineID >> 40)
	id[7] = byte(machineID >> 32)
	id[8] = byte(machineID >> 24)
	id[9] = byte(machineID >> 16)
	id[10] = byte(machineID >> 8)
	id[11] = byte(machineID)

	binary.BigEndian.PutUint32(id[12:], count)
	return id
}

// String returns the hex encoded Id, e.g. 0167c5a9b4e17f0000010000000000a3
func (id Id) String() string {
	return hex.EncodeToString(id[:])
}

// MarshalText implements the encoding.TextMarshaler interface.
func (id Id) MarshalText() ([]byte, error) {
	b := make([]byte, EncodedSize)
	hex.Encode(b, id[:])
	return b, nil
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (id *Id) UnmarshalText(v []byte) error {
	if !ValidateText(v) {
		return errors.New("id to unmarshal is not 32 lowercase hex characters")
	}
	_, err := hex.Decode((*id)[:], v)
	return err
}

// ValidateText returns true if v is a valid text encoding.
func ValidateText(v []byte) bool {
	if len(v) != EncodedSize {
		return false
	}
	for _, c := range v {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// Time returns the millisecond timestamp embedded in id.
func (id Id) Time() time.Time {
	var b [8]byte
	copy(b[2:], id[:6])
	ms := int64(binary.BigEndian.Uint64(b[:]))
	return time.Unix(ms/1000, (ms%1000)*int64(time.Millisecond))
}
