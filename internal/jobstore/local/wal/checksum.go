package wal

import (
	"hash/crc32"
	"strconv"

	"github.com/hexdrift/dspy-jobsvc/pkg/types"
)

// CalculateChecksum computes a CRC32-IEEE checksum over the event's
// identity fields (type, job id, sequence number). This is cheap to
// recompute and enough to detect a truncated or corrupted append; it does
// not cover the event's payload, mirroring the lightweight record-identity
// checksum the embedded store's write path already relies on.
func CalculateChecksum(eventType EventType, jobID types.JobID, seq uint64) uint32 {
	data := string(eventType) + "|" + string(jobID) + "|" + strconv.FormatUint(seq, 10)
	return crc32.ChecksumIEEE([]byte(data))
}

// VerifyChecksum reports whether event.Checksum matches its identity fields.
func VerifyChecksum(event Event) bool {
	return event.Checksum == CalculateChecksum(event.Type, event.JobID, event.Seq)
}
