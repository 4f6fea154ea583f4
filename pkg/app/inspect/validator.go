package inspect

import (
	"sort"
	"strings"

	"github.com/deploymenttheory/go-diskimage/pkg/app"
)

// SupportedAlgorithms are the digests the hash handler can compute
var SupportedAlgorithms = []string{"md5", "sha1", "sha256"}

// Validate validates a request
func (r *Request) Validate() error {
	if len(r.Sources) == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "at least one source is required", nil)
	}
	for _, s := range r.Sources {
		if strings.TrimSpace(s) == "" {
			return app.NewError(app.ErrCodeInvalidInput, "source paths must not be empty", nil)
		}
	}
	return nil
}

// Validate validates a cat request
func (r *CatRequest) Validate() error {
	if err := r.Request.Validate(); err != nil {
		return err
	}
	if err := r.Range.Validate(); err != nil {
		return app.NewError(app.ErrCodeInvalidInput, "invalid byte range", err)
	}
	return nil
}

// Validate validates a hash request and normalizes the algorithm names
func (r *HashRequest) Validate() error {
	if err := r.Request.Validate(); err != nil {
		return err
	}
	if len(r.Algorithms) == 0 {
		return app.NewError(app.ErrCodeInvalidInput, "at least one hash algorithm is required", nil)
	}

	seen := make(map[string]bool, len(r.Algorithms))
	algos := make([]string, 0, len(r.Algorithms))
	for _, a := range r.Algorithms {
		a = strings.ToLower(strings.TrimSpace(a))
		if !supported(a) {
			return app.NewError(app.ErrCodeInvalidInput,
				"unsupported hash algorithm "+a+" (valid: "+strings.Join(SupportedAlgorithms, ", ")+")", nil)
		}
		if !seen[a] {
			seen[a] = true
			algos = append(algos, a)
		}
	}
	sort.Strings(algos)
	r.Algorithms = algos
	return nil
}

func supported(algo string) bool {
	for _, s := range SupportedAlgorithms {
		if s == algo {
			return true
		}
	}
	return false
}

// item turns the sources into what the dispatcher accepts: a single path, or an ordered list
func (r *Request) item() any {
	if len(r.Sources) == 1 {
		return r.Sources[0]
	}
	return append([]string(nil), r.Sources...)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
