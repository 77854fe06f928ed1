// Package checkpoint persists per-task state for a batch run.
//
// A Store maps (batch id, task id) to a Record. Claim is the single
// serialization point that gives a worker ownership of a task; Complete
// moves the task to Succeeded, back to Pending for a retry, or to Failed.
// BatchState is always derived from the records, never stored.
//
// Three backends share the same transition rules:
//
//	MemoryStore  in-process map, for tests and throwaway runs
//	FileStore    one JSON file per task, atomic rename, flock on the batch
//	KVStore      NATS JetStream KeyValue bucket with revision CAS
//
// The storage location is always supplied by the caller.
package checkpoint
