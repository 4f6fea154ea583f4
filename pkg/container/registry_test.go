package container

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_Validation(t *testing.T) {
	alpha := Provide(&stubKind{name: "alpha", match: never})
	beta := Provide(&stubKind{name: "beta", match: never})
	raw := ProvideCatchAll(&stubKind{name: "raw", match: always})

	tests := []struct {
		name      string
		providers []Provider
		wantErr   string
	}{
		{name: "valid", providers: []Provider{alpha, beta, raw}},
		{name: "empty", wantErr: "at least one provider"},
		{name: "duplicate", providers: []Provider{alpha, alpha}, wantErr: `"alpha" registered twice`},
		{name: "unnamed", providers: []Provider{{Load: alpha.Load}}, wantErr: "has no name"},
		{name: "no load", providers: []Provider{{Name: "x"}}, wantErr: "no load function"},
		{name: "catch-all not last", providers: []Provider{alpha, raw, beta}, wantErr: "must be registered last"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.providers...)
			if tt.wantErr != "" {
				assert.ErrorContains(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []string{"alpha", "beta", "raw"}, reg.Names())
			assert.Equal(t, 3, reg.Len())
		})
	}
}

func TestRegistry_IsImmutable(t *testing.T) {
	providers := []Provider{
		Provide(&stubKind{name: "alpha", match: never}),
		Provide(&stubKind{name: "beta", match: never}),
	}
	reg := MustRegistry(providers...)
	providers[0] = Provide(&stubKind{name: "changed", match: never})

	got := reg.Providers()
	got[1] = Provider{}
	assert.Equal(t, []string{"alpha", "beta"}, reg.Names())

	p, ok := reg.Lookup("beta")
	require.True(t, ok)
	assert.Equal(t, "beta", p.Name)
	_, ok = reg.Lookup("gamma")
	assert.False(t, ok)
}

func TestMustRegistry_Panics(t *testing.T) {
	assert.Panics(t, func() { MustRegistry() })
}

func TestLazy(t *testing.T) {
	calls := 0
	load := Lazy(func() (Kind, error) {
		calls++
		return nil, Unavailable("alpha", errors.New("missing"))
	})

	for i := 0; i < 3; i++ {
		_, err := load()
		assert.True(t, IsUnavailable(err))
		assert.ErrorContains(t, err, "missing")
	}
	assert.Equal(t, 1, calls)
}

func TestErrors(t *testing.T) {
	cause := errors.New("bad magic")
	err := &OpenError{Kind: "vhd", Input: "/a.vhd", Err: cause}
	assert.EqualError(t, err, "failed to open container /a.vhd as vhd: bad magic")
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsUnavailable(err))

	unavailable := Unavailable("ewf", cause)
	assert.ErrorIs(t, unavailable, ErrBackendUnavailable)
	assert.ErrorIs(t, unavailable, cause)
	assert.EqualError(t, unavailable, "container backend unavailable: ewf: bad magic")

	assert.EqualError(t, &NoMatchError{Input: "[a, b]"}, "failed to detect container for [a, b]")
}
