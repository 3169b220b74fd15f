// Package storage provides the persistent key/value stores that mirror the
// client's flag map between runs: an in-process otter cache, Redis and
// PostgreSQL. Every store satisfies platform.Storage and doubles as a
// readiness checker (Name and Check).
package storage

import (
	"github.com/rafaeljc/flagsync/internal/observability"
	"github.com/rafaeljc/flagsync/pkg/platform"
)

var (
	_ platform.Storage = (*Memory)(nil)
	_ platform.Storage = (*Redis)(nil)
	_ platform.Storage = (*Postgres)(nil)
)

// Operation labels.
const (
	opGet   = "get"
	opSet   = "set"
	opClear = "clear"
)

func observe(driver, op string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.StorageOps.WithLabelValues(driver, op, status).Inc()
}
