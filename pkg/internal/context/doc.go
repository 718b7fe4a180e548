// Package context provides internal context helpers for job execution.
//
// This package is internal and should not be imported directly.
// It carries the job being processed and the worker processing it
// into handler calls. Handlers read it through package jobctx.
package context
