package wal

import "errors"

// Sentinel errors returned by WAL operations.
var (
	ErrCorruptedWAL     = errors.New("wal: corrupted log")
	ErrChecksumMismatch = errors.New("wal: checksum mismatch")
	ErrEmptyWAL         = errors.New("wal: empty log")
	ErrWALClosed        = errors.New("wal: closed")
)
