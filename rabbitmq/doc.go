// Package rabbitmq delivers batch outbox messages over AMQP 0.9.1 with publisher confirms.
//
// Each Publish sends one persistent JSON message and waits for the broker to confirm it, so the
// publisher never records an item as sent before the broker accepted it. The item id travels as
// the AMQP message id for consumer-side de-duplication of re-deliveries.
package rabbitmq
