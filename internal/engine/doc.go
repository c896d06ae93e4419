// Package engine provides the asynchronous task engine. Collaborators build a
// Task around a Work value and submit it to a Scheduler; the scheduler drives
// the task through its lifecycle on a single designated goroutine, applies
// backend results delivered through Tokens, and fires each task's
// notification exactly once.
//
// Background goroutines touch a task only through its Tokens. Every other
// mutation of task state and collaborator caches happens inside Drive.
package engine
