// Package diskimage is the entry point for opening disk images of any supported kind.
//
//	c, err := diskimage.Open("/evidence/disk.E01")
//	if err != nil {
//		return err
//	}
//	defer c.Close()
package diskimage

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/internal/config"
	"github.com/deploymenttheory/go-diskimage/internal/formats/dmg"
	"github.com/deploymenttheory/go-diskimage/internal/formats/ewf"
	"github.com/deploymenttheory/go-diskimage/internal/formats/qcow2"
	"github.com/deploymenttheory/go-diskimage/internal/formats/raw"
	"github.com/deploymenttheory/go-diskimage/internal/formats/split"
	"github.com/deploymenttheory/go-diskimage/internal/formats/vdi"
	"github.com/deploymenttheory/go-diskimage/internal/formats/vhd"
	"github.com/deploymenttheory/go-diskimage/internal/formats/vhdx"
	"github.com/deploymenttheory/go-diskimage/internal/formats/vmdk"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Kinds returns the built-in kinds in default priority order. Self-describing formats come
// first; split and raw, which accept almost anything, come last.
func Kinds() []container.Kind {
	return []container.Kind{
		ewf.Kind{},
		vmdk.Kind{},
		vhdx.Kind{},
		vhd.Kind{},
		qcow2.Kind{},
		vdi.Kind{},
		dmg.Kind{},
		split.Kind{},
		raw.Kind{},
	}
}

// DefaultRegistry returns the built-in registry with every kind available
func DefaultRegistry() *container.Registry {
	return container.MustRegistry(providers(Kinds(), nil)...)
}

// NewRegistry builds a registry honoring the configured order and disabled kinds
func NewRegistry(cfg *config.Config) (*container.Registry, error) {
	if cfg == nil {
		return DefaultRegistry(), nil
	}

	kinds, err := reorder(Kinds(), cfg.Formats.Order)
	if err != nil {
		return nil, err
	}
	for _, name := range cfg.Formats.Disabled {
		if !known(name) {
			return nil, fmt.Errorf("formats.disabled: unknown kind %q", name)
		}
		if strings.EqualFold(strings.TrimSpace(name), raw.Name) {
			return nil, fmt.Errorf("formats.disabled: %q is the catch-all and cannot be disabled", raw.Name)
		}
	}
	return container.NewRegistry(providers(kinds, cfg.IsDisabled)...)
}

// NewOpener returns a dispatcher configured from cfg. fs may be nil for the OS filesystem.
func NewOpener(cfg *config.Config, fs afero.Fs, logger *zap.Logger) (*container.Opener, error) {
	reg, err := NewRegistry(cfg)
	if err != nil {
		return nil, err
	}
	return container.NewOpener(reg, container.WithFs(fs), container.WithOpenerLogger(logger)), nil
}

// Open opens item with the default registry. item is a path, an io.ReadSeeker, a list of
// either, or a container.Input.
func Open(item any, opts ...container.Option) (container.Container, error) {
	return container.NewOpener(DefaultRegistry()).Open(item, opts...)
}

// Options builds the per-container options implied by cfg
func Options(cfg *config.Config, logger *zap.Logger) []container.Option {
	opts := []container.Option{container.WithLogger(logger)}
	if cfg != nil && cfg.Cache.ChunkSizeMB > 0 {
		opts = append(opts, container.WithChunkCacheSize(cfg.ChunkCacheBytes()))
	}
	return opts
}

func providers(kinds []container.Kind, disabled func(string) bool) []container.Provider {
	out := make([]container.Provider, 0, len(kinds))
	for _, k := range kinds {
		p := container.Provide(k)
		if k.Name() == raw.Name {
			p = container.ProvideCatchAll(k)
		}
		if disabled != nil && disabled(k.Name()) {
			name := k.Name()
			p.Load = container.Lazy(func() (container.Kind, error) {
				return nil, container.Unavailable(name, fmt.Errorf("disabled by configuration"))
			})
		}
		out = append(out, p)
	}
	return out
}

// reorder moves the kinds named in order to the front, keeping the rest in default order.
// The catch-all cannot be moved.
func reorder(kinds []container.Kind, order []string) ([]container.Kind, error) {
	if len(order) == 0 {
		return kinds, nil
	}

	byName := make(map[string]container.Kind, len(kinds))
	for _, k := range kinds {
		byName[k.Name()] = k
	}

	out := make([]container.Kind, 0, len(kinds))
	placed := make(map[string]bool, len(order))
	for _, name := range order {
		name = strings.ToLower(strings.TrimSpace(name))
		k, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("formats.order: unknown kind %q", name)
		}
		if name == raw.Name {
			return nil, fmt.Errorf("formats.order: %q is the catch-all and always probed last", name)
		}
		if placed[name] {
			return nil, fmt.Errorf("formats.order: %q listed twice", name)
		}
		placed[name] = true
		out = append(out, k)
	}
	for _, k := range kinds {
		if !placed[k.Name()] {
			out = append(out, k)
		}
	}
	return out, nil
}

func known(name string) bool {
	for _, k := range Kinds() {
		if strings.EqualFold(k.Name(), strings.TrimSpace(name)) {
			return true
		}
	}
	return false
}
