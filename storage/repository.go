// Package storage provides the record repository used for API key records
// and sealed webhook secrets. Rate windows and nonces do not live here; see
// package state.
package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrCASFailed is returned when a compare-and-swap version check fails.
	ErrCASFailed = errors.New("CAS version mismatch")
)

// Repository defines the interface for record storage. Records are grouped
// by namespace, then addressed by (recordType, recordID).
type Repository interface {
	Put(namespace, recordType, recordID string, envelope *Envelope) error
	Get(namespace, recordType, recordID string) (*Envelope, error)
	List(namespace, recordType string) ([]string, error)
	Delete(namespace, recordType, recordID string) error
	// PutCAS writes envelope only if the stored version equals
	// expectedVersion. An expectedVersion of 0 means "must not exist".
	PutCAS(namespace, recordType, recordID string, expectedVersion uint64, envelope *Envelope) error
}
