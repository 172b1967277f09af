package transaction

// The transaction package implements the write path of a catalog. It takes client transactions that finished
// their work in an isolated WAL and turns them into durable, versioned, immutable catalog snapshots that readers
// can see.
//
// A committed transaction travels through four stages, each running on its own worker (see util/worker):
//
//   1. conflict resolution assigns the next catalog version,
//   2. WAL appending copies the isolated WAL into the shared catalog WAL,
//   3. trunk incorporation replays the shared WAL into a new catalog snapshot,
//   4. catalog propagation swaps the snapshot into the live view.
//
// Stages are linked by bounded queues. A stage that cannot hand its work to the next one does not wait: the whole
// pipeline is torn down and rebuilt lazily by the next commit. Work that was lost that way after the WAL append is
// not lost for good, the WAL draining task replays it later.
//
// Trunk incorporation batches: when the WAL already holds several transactions that were not incorporated yet, they
// are replayed on top of one shared memory layer and materialized as a single catalog at the version of the last of
// them.
//
// The Manager owns the version counters (see VersionState). Between them they always satisfy
//
//   living <= finalized <= written <= assigned
//
// where living is the version of the catalog readers see, finalized the version of the last materialized catalog,
// written the last version in the shared WAL and assigned the last version handed out by conflict resolution.
//
// Each manager entry point that drives a stage is protected by a guard. The pipeline never calls a stage
// concurrently with itself, so a busy guard means two drivers compete (for example the pipeline and the WAL draining
// task). The caller gets a TimedOutError immediately instead of waiting.
