// Package batchoutbox provides a batch-aware transactional outbox processor.
//
// Typical flow:
//  1. A Writer validates an incoming batch of requests, assigns sequence numbers and persists the
//     batch header together with all of its items in one atomic store operation. Nothing is published here.
//  2. A Publisher repeatedly selects the oldest incomplete batch, claims it with a fenced lease and
//     drains its items in item sequence order to a Bus, recording each delivery confirmation.
//  3. When every item is delivered the batch is committed; when any item exhausts its retries the
//     batch is failed and, by default, blocks later batches until an Operator retries or skips it.
//
// A Processor wraps a Publisher with a Start/Stop lifecycle. Storage backends live in the memstore,
// mysql and mongo packages; bus clients in rabbitmq, pubsub, redis and membus.
package batchoutbox
