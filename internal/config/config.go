// Package config defines the opaque configuration handles the SEQ reads
// through — never a global, never a file format the core understands.
package config

// RetryParams overrides the global recover/async delays for a single
// connection or a single workflow type. A zero value means "not set"; the
// SEQ's lookup order (per-connection -> per-workflow-type -> global) skips
// zero entries and keeps scanning.
type RetryParams struct {
	Retry int64
	Async int64
}

// WorkflowParams is the second of the SEQ's two opaque configuration
// handles (spec §4.1, §6): per-connection and per-workflow-type retry/async
// overrides, with a fallback pair used when neither is set.
type WorkflowParams interface {
	// ForConnection returns the retry/async override registered for connID,
	// if any.
	ForConnection(connID string) (RetryParams, bool)
	// ForWorkflow returns the retry/async override registered for the
	// workflow type wfid, if any.
	ForWorkflow(wfid int64) (RetryParams, bool)
	// Fallback returns the top-level retry/async values used when neither
	// a per-connection nor a per-workflow override applies.
	Fallback() RetryParams
}

// SystemOptions is the first of the SEQ's two opaque configuration handles:
// the global recover/async delays and the TTL options each TDC instance is
// constructed with.
type SystemOptions interface {
	// RecoverDelay is options.recover_delay: the global dynamic-retry delay
	// in seconds.
	RecoverDelay() int64
	// AsyncDelay is options.async_delay: the global async-retry delay in
	// seconds.
	AsyncDelay() int64
	// Opt looks up an arbitrary named option (the TTL option name a TDC is
	// constructed with, e.g. "sync-delay", "order-delay"). ok is false if
	// the name is unset.
	Opt(name string) (value int64, ok bool)
}

// ResolveRetryDelay implements the SEQ's lookup order for the dynamic-retry
// delay on each wait: per-connection, then per-workflow-type, then global.
// The first positive value wins; zero/absent entries are skipped.
func ResolveRetryDelay(params WorkflowParams, opts SystemOptions, connID string, wfid int64) int64 {
	if p, ok := params.ForConnection(connID); ok && p.Retry > 0 {
		return p.Retry
	}
	if p, ok := params.ForWorkflow(wfid); ok && p.Retry > 0 {
		return p.Retry
	}
	if f := params.Fallback(); f.Retry > 0 {
		return f.Retry
	}
	return opts.RecoverDelay()
}

// ResolveAsyncDelay mirrors ResolveRetryDelay for the async-retry delay.
func ResolveAsyncDelay(params WorkflowParams, opts SystemOptions, connID string, wfid int64) int64 {
	if p, ok := params.ForConnection(connID); ok && p.Async > 0 {
		return p.Async
	}
	if p, ok := params.ForWorkflow(wfid); ok && p.Async > 0 {
		return p.Async
	}
	if f := params.Fallback(); f.Async > 0 {
		return f.Async
	}
	return opts.AsyncDelay()
}
