// Package taskcontext provides a context type that carries a structured
// logger alongside the standard cancellation/deadline/value semantics of
// context.Context, so that call chains don't need to thread a logger as a
// separate parameter.
package taskcontext

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Context extends context.Context with a contextual logger.
type Context struct {
	context.Context
	Log *logrus.Entry
}

// New wraps an existing context.Context with the supplied logger.
func New(ctx context.Context, log *logrus.Entry) *Context {
	return &Context{
		Context: ctx,
		Log:     log,
	}
}

// WithLogField returns a copy of parent with key/val added to the logger.
func WithLogField(parent *Context, key string, val interface{}) *Context {
	return &Context{Context: parent.Context, Log: parent.Log.WithField(key, val)}
}

// ErrGroup returns a new errgroup.Group and an associated Context derived
// from ctx, analogous to errgroup.WithContext(ctx). Cancelling the group
// (any Go func returning a non-nil error) cancels the derived Context,
// which is how the daemon's manager loop and gRPC server shut each other
// down on a sibling failure.
func ErrGroup(ctx *Context) (*errgroup.Group, *Context) {
	group, goctx := errgroup.WithContext(ctx)
	return group, &Context{Context: goctx, Log: ctx.Log}
}
