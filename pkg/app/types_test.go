package app

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

func TestByteRange(t *testing.T) {
	tests := []struct {
		name     string
		r        ByteRange
		size     int64
		expected int64
		str      string
	}{
		{"whole stream", ByteRange{}, 100, 100, "[0:]"},
		{"window", ByteRange{Offset: 10, Length: 20}, 100, 20, "[10:30]"},
		{"clipped", ByteRange{Offset: 90, Length: 20}, 100, 10, "[90:110]"},
		{"past end", ByteRange{Offset: 200, Length: 20}, 100, 0, "[200:220]"},
		{"to end", ByteRange{Offset: 40}, 100, 60, "[40:]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NoError(t, tt.r.Validate())
			assert.Equal(t, tt.expected, tt.r.Resolve(tt.size))
			assert.Equal(t, tt.str, tt.r.String())
		})
	}

	bad := ByteRange{Offset: -1}
	assert.Error(t, bad.Validate())
}

func TestProgressUpdate(t *testing.T) {
	p := ProgressUpdate{Completed: 50, Total: 200, ElapsedTime: 2 * time.Second}
	assert.Equal(t, 25, p.Percent())
	assert.Equal(t, 25.0, p.Rate())

	empty := ProgressUpdate{}
	assert.Equal(t, 0, empty.Percent())
	assert.Equal(t, 0.0, empty.Rate())
}

func TestCommonError(t *testing.T) {
	cause := errors.New("permission denied")
	err := NewError(ErrCodeContainerAccess, "cannot open disk.E01", cause)

	assert.Equal(t, "cannot open disk.E01: permission denied", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "no cause", NewError(ErrCodeConfig, "no cause", nil).Error())
}

func TestClassifyOpenError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code string
	}{
		{"invalid input", fmt.Errorf("%w: nil item", container.ErrInvalidInput), ErrCodeInvalidInput},
		{"no match", &container.NoMatchError{Input: "x"}, ErrCodeNoMatch},
		{"open failure", &container.OpenError{Kind: "vhd", Input: "x", Err: errors.New("bad footer")}, ErrCodeContainerAccess},
		{"unavailable", container.Unavailable("ewf", nil), ErrCodeBackendUnavailable},
		{"io", &container.IOError{Op: "read", Err: container.ErrClosed}, ErrCodeIO},
		{"other", errors.New("boom"), ErrCodeContainerAccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, ClassifyOpenError("x", tt.err).Code)
		})
	}

	err := ClassifyOpenError("disk.vhd", &container.OpenError{Kind: "vhd", Input: "disk.vhd", Err: errors.New("bad footer")})
	assert.Equal(t, "cannot open disk.vhd as vhd: bad footer", err.Error())
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		size     int64
		expected string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024, "1.0 MiB"},
		{int64(2.5 * 1024 * 1024 * 1024), "2.5 GiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatBytes(tt.size))
	}
}
