// Package uid supplies the 96-bit device-unique identifier from which the
// USB serial-number string is derived.
//
// On hardware the identifier is read from factory-programmed registers. In
// the simulator it is derived from the host machine ID so that a given
// workstation always enumerates with the same serial number.
package uid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

// Words is a 96-bit identifier split into three 32-bit words.
type Words [3]uint32

// AppID scopes the hashed machine ID so that it does not leak the raw value.
const AppID = "pmausb"

// FromBytes packs the first 12 bytes of b as three big-endian words.
func FromBytes(b []byte) (Words, error) {
	var w Words
	if len(b) < 12 {
		return w, fmt.Errorf("uid: need 12 bytes, have %d", len(b))
	}
	for i := range w {
		w[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return w, nil
}

// Machine derives Words from the host machine ID.
func Machine() (Words, error) {
	id, err := machineid.ProtectedID(AppID)
	if err != nil {
		return Words{}, fmt.Errorf("uid: machine id: %w", err)
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return Words{}, fmt.Errorf("uid: machine id: %w", err)
	}
	return FromBytes(raw)
}

// Random returns Words drawn from a random UUID.
func Random() Words {
	u := uuid.New()
	w, _ := FromBytes(u[:])
	return w
}

// Default returns the machine-derived identifier, or a random one when the
// platform exposes no machine ID.
func Default() Words {
	if w, err := Machine(); err == nil {
		return w
	}
	return Random()
}
