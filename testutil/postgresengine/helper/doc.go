// Package helper provides test fixtures and observability test doubles
// for checkout store tests.
package helper
