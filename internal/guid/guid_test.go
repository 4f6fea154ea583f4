package guid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestFromMixedEndian(t *testing.T) {
	// BAT region GUID as stored on disk by VHDX
	onDisk := []byte{
		0x66, 0x77, 0xC2, 0x2D, 0x23, 0xF6, 0x00, 0x42,
		0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08,
	}
	assert.Equal(t, uuid.MustParse("2DC27766-F623-4200-9D64-115E9BFD4A08"), FromMixedEndian(onDisk))
}

func TestRoundTrip(t *testing.T) {
	u := uuid.MustParse("8B7CA206-4790-4B9A-B8FE-575F050F886E")
	assert.Equal(t, u, FromMixedEndian(ToMixedEndian(u)))
}

func TestShortInput(t *testing.T) {
	assert.Equal(t, uuid.Nil, FromMixedEndian([]byte{1, 2, 3}))
}
