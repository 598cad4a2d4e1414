// Package api defines the public types shared across the relay runtime:
// workflows, steps, schedules, job payloads, and the observer and
// notification hooks.
package api
