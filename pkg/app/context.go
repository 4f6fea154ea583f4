package app

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"
)

// Context holds application-wide configuration and state
type Context struct {
	context.Context

	// Output preferences
	OutputFormat string
	Verbose      bool
	Quiet        bool

	// Out receives command output, ErrOut receives progress and diagnostics
	Out    io.Writer
	ErrOut io.Writer

	Logger *zap.Logger

	// Progress reporting
	ProgressCallback func(update ProgressUpdate)
}

// NewContext creates a new application context
func NewContext() *Context {
	return &Context{
		Context:      context.Background(),
		OutputFormat: "table",
		Out:          os.Stdout,
		ErrOut:       os.Stderr,
		Logger:       zap.NewNop(),
	}
}

// WithCancel creates a cancellable context
func (c *Context) WithCancel() (*Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(c.Context)
	newCtx := *c
	newCtx.Context = ctx
	return &newCtx, cancel
}

// SetProgress sets the progress callback function
func (c *Context) SetProgress(callback func(ProgressUpdate)) {
	c.ProgressCallback = callback
}

// Progress reports progress if callback is set
func (c *Context) Progress(update ProgressUpdate) {
	if c.ProgressCallback != nil && !c.Quiet {
		c.ProgressCallback(update)
	}
}

// Log records a debug message with structured fields
func (c *Context) Log(message string, fields ...zap.Field) {
	if c.Logger != nil {
		c.Logger.Debug(message, fields...)
	}
}
