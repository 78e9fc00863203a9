// Package settle joins concurrent branches without failing fast: every
// branch runs to completion and its value or error is kept separately.
package settle

import (
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// Outcome is the settled result of one branch.
type Outcome[T any] struct {
	Value T
	Err   error
}

// OK reports whether the branch succeeded.
func (o *Outcome[T]) OK() bool {
	return o.Err == nil
}

// Group waits for a set of branches. The zero value is ready to use.
type Group struct {
	wg conc.WaitGroup
}

// Go starts fn in g. The returned Outcome is populated once Wait returns;
// a panic in fn is stored as its error.
func Go[T any](g *Group, fn func() (T, error)) *Outcome[T] {
	out := &Outcome[T]{}
	g.wg.Go(func() {
		var catcher panics.Catcher
		catcher.Try(func() {
			out.Value, out.Err = fn()
		})
		if rec := catcher.Recovered(); rec != nil {
			out.Err = rec.AsError()
		}
	})
	return out
}

// Wait blocks until every branch started with Go has returned.
func (g *Group) Wait() {
	g.wg.Wait()
}
