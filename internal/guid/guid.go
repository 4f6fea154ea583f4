// Package guid decodes the mixed-endian GUIDs used by Microsoft and VirtualBox disk formats
package guid

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// FromMixedEndian decodes a 16-byte GUID whose first three fields are little-endian
func FromMixedEndian(b []byte) uuid.UUID {
	var u uuid.UUID
	if len(b) < 16 {
		return uuid.Nil
	}
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:], b[8:16])
	return u
}

// ToMixedEndian encodes u the way FromMixedEndian expects it
func ToMixedEndian(u uuid.UUID) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:], u[8:])
	return b
}
