// Package observability builds the structured logger injected into every
// component of the backend. Log output is the diagnostic surface for cache
// hit/miss lines, circuit transitions, and loop detection alerts.
package observability
