package inspect

import (
	"strconv"
	"time"

	"github.com/deploymenttheory/go-diskimage/pkg/app"
)

// Request names the sources of one logical image. Several sources are treated as an
// ordered list (e.g. the segments of a split image).
type Request struct {
	Sources []string
}

// CatRequest dumps a byte range of the logical stream
type CatRequest struct {
	Request
	Range app.ByteRange
	Hex   bool
}

// HashRequest digests the whole logical stream
type HashRequest struct {
	Request
	Algorithms []string
}

// InfoResponse describes an opened container
type InfoResponse struct {
	Input    string            `json:"input" yaml:"input"`
	Kind     string            `json:"kind" yaml:"kind"`
	Size     int64             `json:"size" yaml:"size"`
	Sources  []string          `json:"sources" yaml:"sources"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Candidate is one registry entry's detection outcome
type Candidate struct {
	Priority    int    `json:"priority" yaml:"priority"`
	Kind        string `json:"kind" yaml:"kind"`
	Matched     bool   `json:"matched" yaml:"matched"`
	Unavailable bool   `json:"unavailable" yaml:"unavailable"`
	Error       string `json:"error,omitempty" yaml:"error,omitempty"`
}

// DetectResponse lists every candidate's verdict in priority order
type DetectResponse struct {
	Input      string      `json:"input" yaml:"input"`
	Selected   string      `json:"selected" yaml:"selected"`
	Candidates []Candidate `json:"candidates" yaml:"candidates"`
}

// Format is one registry entry
type Format struct {
	Priority  int    `json:"priority" yaml:"priority"`
	Kind      string `json:"kind" yaml:"kind"`
	CatchAll  bool   `json:"catch_all" yaml:"catch_all"`
	Available bool   `json:"available" yaml:"available"`
	Reason    string `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// FormatsResponse is the registry in priority order
type FormatsResponse struct {
	Formats []Format `json:"formats" yaml:"formats"`
}

// HashResponse carries hex digests keyed by algorithm
type HashResponse struct {
	Input    string            `json:"input" yaml:"input"`
	Kind     string            `json:"kind" yaml:"kind"`
	Size     int64             `json:"size" yaml:"size"`
	Digests  map[string]string `json:"digests" yaml:"digests"`
	Duration time.Duration     `json:"duration" yaml:"duration"`
}

// Table is implemented by responses that render as a table
type Table interface {
	Header() []string
	Rows() [][]string
}

func (r *InfoResponse) Header() []string { return []string{"Field", "Value"} }

func (r *InfoResponse) Rows() [][]string {
	rows := [][]string{
		{"input", r.Input},
		{"kind", r.Kind},
		{"size", strconv.FormatInt(r.Size, 10) + " (" + app.FormatBytes(r.Size) + ")"},
	}
	for i, s := range r.Sources {
		rows = append(rows, []string{"source " + strconv.Itoa(i), s})
	}
	for _, k := range sortedKeys(r.Metadata) {
		rows = append(rows, []string{k, r.Metadata[k]})
	}
	return rows
}

func (r *DetectResponse) Header() []string {
	return []string{"Priority", "Kind", "Matched", "Selected", "Note"}
}

func (r *DetectResponse) Rows() [][]string {
	rows := make([][]string, 0, len(r.Candidates))
	for _, c := range r.Candidates {
		note := c.Error
		if c.Unavailable {
			note = "unavailable: " + note
		}
		rows = append(rows, []string{
			strconv.Itoa(c.Priority),
			c.Kind,
			yesNo(c.Matched),
			yesNo(c.Kind == r.Selected),
			note,
		})
	}
	return rows
}

func (r *FormatsResponse) Header() []string {
	return []string{"Priority", "Kind", "Catch-All", "Available", "Reason"}
}

func (r *FormatsResponse) Rows() [][]string {
	rows := make([][]string, 0, len(r.Formats))
	for _, f := range r.Formats {
		rows = append(rows, []string{
			strconv.Itoa(f.Priority),
			f.Kind,
			yesNo(f.CatchAll),
			yesNo(f.Available),
			f.Reason,
		})
	}
	return rows
}

func (r *HashResponse) Header() []string { return []string{"Algorithm", "Digest"} }

func (r *HashResponse) Rows() [][]string {
	rows := make([][]string, 0, len(r.Digests))
	for _, k := range sortedKeys(r.Digests) {
		rows = append(rows, []string{k, r.Digests[k]})
	}
	return rows
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
