// Package payload defines the versioned job payload schemas and the chained
// upcasters that move stored payloads forward to the latest version.
//
// Historical shapes are kept as explicit types (V1, V2, V3). A stored payload
// is never rewritten in place: Upcast decodes the old shape, builds the next
// one and re-encodes it, one version at a time.
//
// Handlers never see raw schemas. They receive one of the typed variants
// (OneTime, Repeating, Delayed) produced by DecodeOneTime or DecodeScheduled.
package payload
