// Package worker consumes jobs from the queue and executes them.
//
// A worker is stateless: everything it needs to resume a workflow lives in
// the store, and the job's TaskID makes redelivery safe. Run any number of
// workers against the same queue; the store's conditional-update lock
// ensures each workflow step executes on exactly one of them.
package worker
