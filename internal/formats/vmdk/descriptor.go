package vmdk

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Extent types from the descriptor
const (
	ExtentSparse     = "SPARSE"
	ExtentFlat       = "FLAT"
	ExtentZero       = "ZERO"
	ExtentVMFS       = "VMFS"
	ExtentVMFSSparse = "VMFSSPARSE"
	ExtentSESparse   = "SESPARSE"
)

// noParent is the parentCID of a disk without a parent
const noParent = "ffffffff"

var extentLine = regexp.MustCompile(`^(RW|RDONLY|NOACCESS)\s+(\d+)\s+([A-Z]+)(?:\s+"([^"]*)"(?:\s+(\d+))?)?`)

// ExtentDescriptor is one line of the extent description section
type ExtentDescriptor struct {
	Access   string
	Sectors  int64
	Type     string
	FileName string
	Offset   int64 // in sectors, flat extents only
}

// Descriptor is the parsed text descriptor
type Descriptor struct {
	Version    int
	CID        string
	ParentCID  string
	CreateType string
	Extents    []ExtentDescriptor
	DDB        map[string]string
}

// HasParent reports whether the disk depends on a parent link
func (d *Descriptor) HasParent() bool {
	return d.ParentCID != "" && !strings.EqualFold(d.ParentCID, noParent)
}

// Sectors is the combined size of every extent
func (d *Descriptor) Sectors() int64 {
	var n int64
	for _, e := range d.Extents {
		n += e.Sectors
	}
	return n
}

// ParseDescriptor parses a text descriptor. Trailing NUL padding from embedded descriptors
// is ignored.
func ParseDescriptor(text string) (*Descriptor, error) {
	if i := strings.IndexByte(text, 0); i >= 0 {
		text = text[:i]
	}

	d := &Descriptor{DDB: map[string]string{}}
	sc := bufio.NewScanner(strings.NewReader(text))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if m := extentLine.FindStringSubmatch(line); m != nil {
			sectors, _ := strconv.ParseInt(m[2], 10, 64)
			e := ExtentDescriptor{Access: m[1], Sectors: sectors, Type: m[3], FileName: m[4]}
			if m[5] != "" {
				e.Offset, _ = strconv.ParseInt(m[5], 10, 64)
			}
			if e.Type != ExtentZero && e.FileName == "" {
				return nil, errors.Errorf("line %d: %s extent has no file name", lineNo, e.Type)
			}
			d.Extents = append(d.Extents, e)
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, errors.Errorf("line %d: unrecognized descriptor line %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch {
		case strings.HasPrefix(key, "ddb."):
			d.DDB[strings.TrimPrefix(key, "ddb.")] = value
		case key == "version":
			d.Version, _ = strconv.Atoi(value)
		case key == "CID":
			d.CID = value
		case key == "parentCID":
			d.ParentCID = value
		case key == "createType":
			d.CreateType = value
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan descriptor")
	}
	return d, nil
}
