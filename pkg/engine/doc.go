// Package engine runs typed operations through the flow engine process
// inside a leased sandbox.
//
// The Gateway writes the operation to input.json in the lease's private
// directory, runs the engine command under a wall-clock timeout, and reads
// the response envelope from output.json (or stdout). A flow that failed is
// a normal Result with VerdictFailure; only a gateway fault or a timeout is
// returned as an error.
package engine
