// Package core provides the fundamental types and interfaces for the flows package.
//
// This package contains:
//   - Job, RepeatSchedule and RepeatMapping data models with GORM annotations
//   - FlowRun and FlowVersion models and the flow run state machine
//   - Storage interface defining the job persistence contract
//   - Event types for queue monitoring
//   - The error taxonomy shared by every component
//
// Most users should import the root package github.com/jdziat/durable-flows
// instead of this package directly.
package core
