package container

import (
	"fmt"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Opener is the detector/dispatcher: it normalizes an input, probes the registry in order
// and opens the first kind that claims it
type Opener struct {
	registry *Registry
	fs       afero.Fs
	logger   *zap.Logger
}

// OpenerOption configures an Opener
type OpenerOption func(*Opener)

// WithFs resolves path sources through fs instead of the OS filesystem
func WithFs(fs afero.Fs) OpenerOption {
	return func(o *Opener) {
		if fs != nil {
			o.fs = fs
		}
	}
}

// WithOpenerLogger sets the logger receiving unavailable-backend warnings
func WithOpenerLogger(logger *zap.Logger) OpenerOption {
	return func(o *Opener) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// NewOpener returns a dispatcher over registry
func NewOpener(registry *Registry, opts ...OpenerOption) *Opener {
	o := &Opener{
		registry: registry,
		fs:       afero.NewOsFs(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry returns the registry the opener probes
func (o *Opener) Registry() *Registry {
	return o.registry
}

// Open returns an opened container of the first kind whose detection accepts item.
//
// A kind that matches and then fails to open, or whose detection fails for any reason
// other than an unavailable backend, stops the search with an *OpenError: a corrupt
// structured image must never silently degrade to a later, looser interpretation.
func (o *Opener) Open(item any, opts ...Option) (Container, error) {
	in, err := NewInput(item, o.fs)
	if err != nil {
		return nil, err
	}

	for _, p := range o.registry.providers {
		kind, matched, err := o.detect(p, in)
		if err != nil {
			if IsUnavailable(err) {
				continue
			}
			return nil, &OpenError{Kind: p.Name, Input: in.String(), Err: err}
		}
		if !matched {
			continue
		}

		o.logger.Debug("container kind matched", zap.String("kind", p.Name), zap.Stringer("input", in))
		c, err := kind.Open(in, opts...)
		if err != nil {
			return nil, &OpenError{Kind: p.Name, Input: in.String(), Err: err}
		}
		if c == nil {
			return nil, &OpenError{Kind: p.Name, Input: in.String(), Err: fmt.Errorf("kind returned no container")}
		}
		return c, nil
	}

	return nil, &NoMatchError{Input: in.String()}
}

// detect loads the provider and runs its detection. Unavailable backends are logged here
// and returned so the caller can skip them.
func (o *Opener) detect(p Provider, in Input) (Kind, bool, error) {
	kind, err := p.Load()
	if err == nil && kind == nil {
		err = Unavailable(p.Name, fmt.Errorf("provider loaded no kind"))
	}
	if err == nil {
		var matched bool
		matched, err = Detect(kind, in)
		if err == nil {
			return kind, matched, nil
		}
	}

	if IsUnavailable(err) {
		o.logger.Warn("container backend unavailable",
			zap.String("kind", p.Name),
			zap.Stringer("input", in),
			zap.Error(err),
		)
	}
	return nil, false, err
}

// ProbeResult is the outcome of one candidate's detection
type ProbeResult struct {
	Kind        string
	Matched     bool
	Unavailable bool
	Err         error
}

// Probe runs every candidate's detection without opening anything and without stopping
// at the first match. selected is the kind Open would pick, or "" if Open would fail.
func (o *Opener) Probe(item any) (results []ProbeResult, selected string, err error) {
	in, err := NewInput(item, o.fs)
	if err != nil {
		return nil, "", err
	}

	decided := false
	for _, p := range o.registry.providers {
		_, matched, derr := o.detect(p, in)
		res := ProbeResult{Kind: p.Name, Matched: matched, Err: derr}
		if derr != nil && IsUnavailable(derr) {
			res.Unavailable = true
		}
		results = append(results, res)

		if decided {
			continue
		}
		switch {
		case res.Unavailable:
		case derr != nil:
			decided = true
		case matched:
			selected = p.Name
			decided = true
		}
	}
	return results, selected, nil
}
