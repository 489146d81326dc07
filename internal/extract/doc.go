// Package extract turns raw listing and article HTML into pipeline types.
//
// Everything here is pure: no network access, no logging, no shared state.
// Callers own fetching, retries, and reporting of isolated failures.
package extract
