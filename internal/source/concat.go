package source

import (
	"io"
	"sort"
)

// Part is one piece of a concatenated stream
type Part interface {
	io.ReaderAt
	Size() int64
	Name() string
}

// Concat presents ordered parts as one contiguous io.ReaderAt
type Concat struct {
	parts   []Part
	offsets []int64 // start offset of each part; len(parts)+1 entries
}

// NewConcat lays the parts out back to back
func NewConcat(parts ...Part) *Concat {
	offsets := make([]int64, len(parts)+1)
	for i, p := range parts {
		offsets[i+1] = offsets[i] + p.Size()
	}
	return &Concat{parts: parts, offsets: offsets}
}

// Handles adapts opened handles to parts
func Handles(handles []*Handle) []Part {
	parts := make([]Part, len(handles))
	for i, h := range handles {
		parts[i] = h
	}
	return parts
}

// Size is the combined size of all parts
func (c *Concat) Size() int64 {
	return c.offsets[len(c.offsets)-1]
}

// Len returns the number of parts
func (c *Concat) Len() int {
	return len(c.parts)
}

// Names returns the part names in order
func (c *Concat) Names() []string {
	names := make([]string, 0, len(c.parts))
	for _, p := range c.parts {
		names = append(names, p.Name())
	}
	return names
}

// ReadAt implements io.ReaderAt across part boundaries
func (c *Concat) ReadAt(p []byte, off int64) (int, error) {
	if off >= c.Size() {
		return 0, io.EOF
	}

	// index of the part containing off
	idx := sort.Search(len(c.parts), func(i int) bool { return c.offsets[i+1] > off })

	total := 0
	for total < len(p) && idx < len(c.parts) {
		part := c.parts[idx]
		rel := off - c.offsets[idx]
		want := len(p) - total
		if avail := part.Size() - rel; int64(want) > avail {
			want = int(avail)
		}

		n, err := part.ReadAt(p[total:total+want], rel)
		total += n
		off += int64(n)
		if n < want {
			if err == nil || err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return total, err
		}
		idx++
	}

	if total < len(p) {
		return total, io.EOF
	}
	return total, nil
}
