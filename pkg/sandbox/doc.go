// Package sandbox provisions and reuses the workspaces flow code runs in.
//
// A Cache keeps one workspace per execution unit, keyed by the exact piece
// versions and code archives it holds. The first Prepare for a key installs
// the workspace while later callers wait on the key's lock; every Prepare
// takes a lease that must be released. A Runner then executes the engine
// process, either directly or wrapped in an isolate box.
package sandbox
