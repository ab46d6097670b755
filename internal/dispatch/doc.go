// Package dispatch submits launch requests to the remote platform.
//
// A single request becomes exactly one create call. A batch spec is expanded
// against the artifacts listed in its target group and every resulting
// request is submitted on its own, so one failure never blocks its
// siblings.
//
// Key features:
//   - One network call per request, never retried here
//   - Batch linkage: later submissions carry the batch id the platform gave
//     the first one
//   - Bounded parallelism for batches (Workers), per-request timeout
//   - Partial-failure reports: created tasks plus per-request errors
//
// Error handling:
//   - Request fails to finalize → the build error is returned unchanged
//   - Transport or platform failure → SubmissionError carrying the request
//   - Artifact listing failure → returned before any task is created
package dispatch
