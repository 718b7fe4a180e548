// Package security provides validation, sanitization, and limits for jobs.
//
// This package includes:
//   - Input validation for job ids, queue names and payload sizes
//   - Error message sanitization before messages are stored or shown
//   - Clamping functions for retry counts and worker widths
package security
