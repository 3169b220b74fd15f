package observability

import "context"

// Checker is a dependency reported by the readiness probe.
// Implementations must be safe for concurrent use and honor ctx deadlines.
type Checker interface {
	// Name identifies the dependency (for example "client" or "redis").
	Name() string
	// Check returns nil when the dependency is ready.
	Check(ctx context.Context) error
}

// CheckFunc adapts a function to a Checker.
func CheckFunc(name string, fn func(ctx context.Context) error) Checker {
	return funcChecker{name: name, fn: fn}
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) error
}

func (c funcChecker) Name() string { return c.name }

func (c funcChecker) Check(ctx context.Context) error { return c.fn(ctx) }
