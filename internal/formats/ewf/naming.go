package ewf

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/spf13/afero"
)

// SegmentExtension returns the extension (without the dot) of segment n, given the
// extension of the first segment. Segments 1-99 are numbered, later ones continue with
// letters: E99, EAA, EAB, ... EZZ, FAA.
func SegmentExtension(first string, n int) (string, error) {
	if len(first) < 3 || n < 1 {
		return "", fmt.Errorf("invalid segment extension %q for segment %d", first, n)
	}
	prefix, digits := first[:len(first)-2], first[len(first)-2:]
	if _, err := strconv.Atoi(digits); err != nil {
		return "", fmt.Errorf("segment extension %q does not end in a number", first)
	}

	if n <= 99 {
		return fmt.Sprintf("%s%02d", prefix, n), nil
	}

	idx := n - 100
	base := byte('A')
	if unicode.IsLower(rune(prefix[0])) {
		base = 'a'
	}
	lead := prefix[len(prefix)-1] + byte(idx/(26*26))
	if !unicode.IsLetter(rune(lead)) || unicode.IsLower(rune(lead)) != unicode.IsLower(rune(prefix[len(prefix)-1])) {
		return "", fmt.Errorf("segment %d is beyond the naming scheme of %q", n, first)
	}
	return prefix[:len(prefix)-1] + string([]byte{
		lead,
		base + byte((idx/26)%26),
		base + byte(idx%26),
	}), nil
}

// FindSegments returns path and the sibling segments that follow it, in order. Only a
// first segment (numbered 01) is expanded.
func FindSegments(fs afero.Fs, path string) ([]string, error) {
	ext := filepath.Ext(path)
	if !strings.HasSuffix(ext, "01") {
		return []string{path}, nil
	}
	stem := strings.TrimSuffix(path, ext)
	first := strings.TrimPrefix(ext, ".")

	segments := []string{path}
	for n := 2; ; n++ {
		next, err := SegmentExtension(first, n)
		if err != nil {
			return segments, nil
		}
		candidate := stem + "." + next
		ok, err := afero.Exists(fs, candidate)
		if err != nil {
			return nil, err
		}
		if !ok {
			return segments, nil
		}
		segments = append(segments, candidate)
	}
}
