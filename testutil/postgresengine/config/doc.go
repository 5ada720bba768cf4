// Package config provides database connection configurations for tests.
package config
