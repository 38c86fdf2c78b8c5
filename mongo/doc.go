// Package mongo provides a MongoDB store for the batch outbox.
//
// Batches and items live in separate collections and every write that spans documents runs in a
// multi-document transaction, so the deployment must be a replica set or sharded cluster.
// Batch sequences come from a counters collection advanced with $inc inside the ingest
// transaction. Publisher writes touch the batch document first, which serializes them with
// concurrent claims, and then verify the lease fence.
package mongo
