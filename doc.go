package tinydoc

/*
TinyDoc is the transactional write path of an embeddable document catalog. Client transactions record their
mutations in an isolated WAL; on commit they pass through a four stage pipeline that assigns them a catalog version,
appends them to the shared WAL, replays them into a new immutable catalog snapshot and publishes that snapshot as the
living one.

The `tinydoc` module is organized into the following packages:

* `mutation`: the mutation records stored in the WALs and their msgpack codec.
* `memory`: the transactional memory layer transactions keep their uncommitted changes in.
* `wal`: the isolated WAL of a client transaction and the shared catalog WAL (badger or in-memory).
* `transaction`: the transaction manager, its pipeline, the version counters and WAL draining recovery.
* `catalog`: the reference catalog, immutable snapshots of entity collections.
* `engine`: opens a catalog from its configuration and hands out client transactions.
* `config`: configuration files and logger setup.
* `cmd/tinydoc-wal`: operator tool to inspect and replay a WAL.
*/
