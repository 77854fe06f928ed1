// Package batch runs a set of tasks against a shared credential pool.
//
// A Runner drives each task through
//
//	slot -> claim -> acquire credential -> run unit -> release -> complete
//
// and loops while the checkpoint store sends the task back to Pending.
// Tasks are independent; no ordering between them is guaranteed. Credential
// shortages are waited out, while a drained pool, an invalid lease or a
// checkpoint failure aborts the whole batch.
//
// Resume re-runs the same batch against its existing checkpoint records:
// Succeeded tasks are never executed again.
package batch
