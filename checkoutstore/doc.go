// Package checkoutstore defines the storage-agnostic surface of the checkout store:
// the Checkout DTO, the error taxonomy shared by all engine implementations,
// the observability ports (logging, metrics, tracing), and a caller-side retry
// helper for transaction failures.
//
// The actual persistence logic lives in engine packages, see postgresengine.
package checkoutstore
