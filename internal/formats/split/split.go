// Package split joins an image that was split over several segment files (image.001,
// image.002, ...) or handed over as an ordered list of sources into one logical stream.
package split

import (
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/deploymenttheory/go-diskimage/internal/source"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

// Name is the registry name of the split kind
const Name = "split"

// Kind detects split images
type Kind struct{}

// Name implements container.Kind
func (Kind) Name() string { return Name }

// DetectStream matches a list of more than one stream; a single stream carries no
// segment information
func (Kind) DetectStream(_ io.ReadSeeker, original container.Input) (bool, error) {
	return original.IsSegmented() && original.Len() > 1, nil
}

// DetectPath matches a list of more than one path, or a single path with a numeric extension
func (Kind) DetectPath(path string, original container.Input) (bool, error) {
	if original.IsSegmented() && original.Len() > 1 {
		return true, nil
	}
	return IsSegmentPath(path), nil
}

// Open implements container.Kind
func (Kind) Open(in container.Input, opts ...container.Option) (container.Container, error) {
	return Open(in, opts...)
}

// IsSegmentPath reports whether path has an all-digit extension such as .001
func IsSegmentPath(path string) bool {
	_, ok := segmentNumber(path)
	return ok
}

func segmentNumber(path string) (int, bool) {
	ext := filepath.Ext(path)
	if len(ext) < 2 {
		return 0, false
	}
	digits := ext[1:]
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FindSegments returns the siblings of path sharing its stem and carrying a numeric
// extension, ordered by segment number
func FindSegments(fs afero.Fs, path string) ([]string, error) {
	dir := filepath.Dir(path)
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.Wrapf(err, "list segments of %s", path)
	}

	type segment struct {
		path string
		num  int
	}
	var segments []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.TrimSuffix(name, filepath.Ext(name)) != stem {
			continue
		}
		num, ok := segmentNumber(name)
		if !ok {
			continue
		}
		segments = append(segments, segment{path: filepath.Join(dir, name), num: num})
	}
	sort.SliceStable(segments, func(i, j int) bool {
		if segments[i].num != segments[j].num {
			return segments[i].num < segments[j].num
		}
		return segments[i].path < segments[j].path
	})

	paths := make([]string, 0, len(segments))
	for _, s := range segments {
		paths = append(paths, s.path)
	}
	return paths, nil
}

// Container is a split image
type Container struct {
	*container.Stream
	concat *source.Concat
}

// Open opens every segment of in. A list input is used in the given order; a single path
// is expanded to all of its numbered siblings.
func Open(in container.Input, opts ...container.Option) (*Container, error) {
	o := container.NewOptions(opts...)

	segmentsIn := in
	if !in.IsSegmented() {
		first := in.First()
		if first.IsStream() {
			return nil, errors.New("a single stream cannot be opened as a split image")
		}
		paths, err := FindSegments(in.Fs(), first.Path)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return nil, errors.Errorf("no segments found for %s", first.Path)
		}
		srcs := make([]container.Source, 0, len(paths))
		for _, p := range paths {
			srcs = append(srcs, container.PathSource(p))
		}
		segmentsIn = container.Segmented(srcs...).WithFs(in.Fs())
	}

	handles, err := source.OpenAll(segmentsIn)
	if err != nil {
		return nil, errors.Wrap(err, "split")
	}

	concat := source.NewConcat(source.Handles(handles)...)
	size := concat.Size()
	if o.Size > 0 {
		size = o.Size
	}

	c := &Container{
		Stream: container.NewStream(Name, in, concat, size, source.Closer(handles)),
		concat: concat,
	}
	c.SetVolumeSystem(o.VolumeSystem)
	return c, nil
}

// Segments returns the names of the segments in order
func (c *Container) Segments() []string {
	return c.concat.Names()
}

// Describe implements container.Describer
func (c *Container) Describe() map[string]string {
	return map[string]string{
		"segments":      strconv.Itoa(c.concat.Len()),
		"segment_files": strings.Join(c.concat.Names(), ","),
	}
}
