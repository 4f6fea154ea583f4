package inspect

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/deploymenttheory/go-diskimage/pkg/app"
	"github.com/deploymenttheory/go-diskimage/pkg/container"
)

const copyBufferSize = 1024 * 1024

// HandleInfo opens the sources and describes the container
func HandleInfo(ctx *app.Context, opener *container.Opener, req *Request, opts ...container.Option) (*InfoResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := open(ctx, opener, req, opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	resp := &InfoResponse{
		Input: c.Source().String(),
		Kind:  c.Kind(),
		Size:  c.Size(),
	}
	for _, src := range c.Source().Sources() {
		resp.Sources = append(resp.Sources, src.Name())
	}
	if d, ok := c.(container.Describer); ok {
		resp.Metadata = d.Describe()
	}
	return resp, nil
}

// HandleDetect reports every candidate's verdict without opening anything
func HandleDetect(ctx *app.Context, opener *container.Opener, req *Request) (*DetectResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	in, err := container.NewInput(req.item(), nil)
	if err != nil {
		return nil, app.ClassifyOpenError(req.String(), err)
	}

	results, selected, err := opener.Probe(in)
	if err != nil {
		return nil, app.ClassifyOpenError(in.String(), err)
	}

	resp := &DetectResponse{Input: in.String(), Selected: selected}
	for i, r := range results {
		cand := Candidate{Priority: i + 1, Kind: r.Kind, Matched: r.Matched, Unavailable: r.Unavailable}
		if r.Err != nil {
			cand.Error = r.Err.Error()
		}
		resp.Candidates = append(resp.Candidates, cand)
	}
	ctx.Log("detection finished", zap.String("input", in.String()), zap.String("selected", selected))
	return resp, nil
}

// HandleFormats lists the registry and whether each backend loads
func HandleFormats(ctx *app.Context, registry *container.Registry) *FormatsResponse {
	resp := &FormatsResponse{}
	for i, p := range registry.Providers() {
		f := Format{Priority: i + 1, Kind: p.Name, CatchAll: p.CatchAll, Available: true}
		if _, err := p.Load(); err != nil {
			f.Available = false
			f.Reason = err.Error()
		}
		resp.Formats = append(resp.Formats, f)
	}
	return resp
}

// HandleCat writes a byte range of the logical stream to ctx.Out, raw or as a hex dump
func HandleCat(ctx *app.Context, opener *container.Opener, req *CatRequest, opts ...container.Option) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	c, err := open(ctx, opener, &req.Request, opts)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	length := req.Range.Resolve(c.Size())
	if length == 0 {
		return 0, nil
	}

	out := ctx.Out
	var dumper io.WriteCloser
	if req.Hex {
		dumper = hex.Dumper(out)
		out = dumper
	}

	n, err := io.Copy(out, io.NewSectionReader(c, req.Range.Offset, length))
	if dumper != nil {
		err = multierr.Append(err, dumper.Close())
	}
	if err != nil {
		return n, app.NewError(app.ErrCodeIO, "read failed", err)
	}
	return n, nil
}

// HandleHash digests the whole logical stream, reporting progress through ctx
func HandleHash(ctx *app.Context, opener *container.Opener, req *HashRequest, opts ...container.Option) (*HashResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	c, err := open(ctx, opener, &req.Request, opts)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	hashes := make(map[string]hash.Hash, len(req.Algorithms))
	writers := make([]io.Writer, 0, len(req.Algorithms))
	for _, a := range req.Algorithms {
		h := newHash(a)
		hashes[a] = h
		writers = append(writers, h)
	}
	sink := io.MultiWriter(writers...)

	start := time.Now()
	if _, err := c.Seek(0, io.SeekStart); err != nil {
		return nil, app.NewError(app.ErrCodeIO, "seek failed", err)
	}

	buf := make([]byte, copyBufferSize)
	var done int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := container.ReadInto(c, buf)
		if err != nil {
			return nil, app.NewError(app.ErrCodeIO, "read failed", err)
		}
		if n == 0 {
			break
		}
		sink.Write(buf[:n])
		done += int64(n)
		ctx.Progress(app.ProgressUpdate{
			Message:     "hashing",
			Completed:   done,
			Total:       c.Size(),
			ElapsedTime: time.Since(start),
		})
	}

	resp := &HashResponse{
		Input:    c.Source().String(),
		Kind:     c.Kind(),
		Size:     done,
		Digests:  make(map[string]string, len(hashes)),
		Duration: time.Since(start),
	}
	for a, h := range hashes {
		resp.Digests[a] = hex.EncodeToString(h.Sum(nil))
	}
	ctx.Log("hash finished", zap.String("input", resp.Input), zap.Int64("bytes", done), zap.Duration("elapsed", resp.Duration))
	return resp, nil
}

func newHash(algo string) hash.Hash {
	switch algo {
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	}
	return md5.New()
}

func open(ctx *app.Context, opener *container.Opener, req *Request, opts []container.Option) (container.Container, error) {
	c, err := opener.Open(req.item(), opts...)
	if err != nil {
		return nil, app.ClassifyOpenError(req.String(), err)
	}
	ctx.Log("container opened", zap.String("kind", c.Kind()), zap.Int64("size", c.Size()))
	return c, nil
}

// String names the request's sources
func (r *Request) String() string {
	if len(r.Sources) == 1 {
		return r.Sources[0]
	}
	return "[" + strings.Join(r.Sources, ", ") + "]"
}
