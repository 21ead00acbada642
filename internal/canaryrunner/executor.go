package canaryrunner

import "context"

// Executor runs one test case against one provider and reports its
// outcome. Actually driving an agent CLI session is out of scope for this
// pipeline (spec.md Non-goals); production wiring supplies an Executor
// that shells out to, or otherwise drives, the named provider.
type Executor interface {
	Execute(ctx context.Context, suite TestSuite, tc TestCase, provider string) (status CaseStatus, output string, err error)
}

// ExecutorFunc adapts a plain function to the Executor interface.
type ExecutorFunc func(ctx context.Context, suite TestSuite, tc TestCase, provider string) (CaseStatus, string, error)

func (f ExecutorFunc) Execute(ctx context.Context, suite TestSuite, tc TestCase, provider string) (CaseStatus, string, error) {
	return f(ctx, suite, tc, provider)
}
