// Package queue is the broker side of tallyx: chunk attempts are published
// as asynq tasks, one queue per job type, and consumed by a Processor.
//
// Quick start:
//  1. Build a Client with NewClient(redis, ...) and Publish ChunkMessages.
//  2. Register handlers for each JobType.TaskType() on an asynq.ServeMux.
//  3. Create a Processor and Start it with the mux; watch Recycled() to
//     replace the process after its chunk budget.
package queue
