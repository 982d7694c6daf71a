// Package io provides input/output adapters for transactions and alerts.
package io

import (
	"context"

	"github.com/hed1ad/txguard/pkg/alerts"
	"github.com/hed1ad/txguard/pkg/features"
)

// Reader is the interface for reading transactions from various sources.
type Reader interface {
	// Read returns the complete batch.
	Read() ([]features.Transaction, error)

	// Stream returns a channel of transactions for serving-time scoring.
	Stream(ctx context.Context) (<-chan features.Transaction, error)

	// Close releases resources.
	Close() error
}

// Writer is the interface for writing alert records.
type Writer interface {
	// Write outputs a single record.
	Write(record alerts.Record) error

	// WriteAll outputs multiple records.
	WriteAll(records []alerts.Record) error

	// Close flushes and releases resources.
	Close() error
}
