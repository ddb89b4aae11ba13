// Package task holds the domain model shared by the registry, scheduler,
// engine and status packages: task definitions, run records, retry policy
// and the error taxonomy callers branch on.
package task
