// Package scheduler decides when registered tasks are due.
//
// The scheduler only triggers: one ticking loop compares each enabled task's
// nextRunAt with the clock and hands due tasks to the execution engine.
// Execution, retries and history belong to internal/task/engine.
package scheduler
