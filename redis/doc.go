// Package redis provides a Redis Streams message bus and a Redis pub/sub notifier for the batch outbox.
package redis
