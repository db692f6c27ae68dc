package queue

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// rngSeed reads a seed from crypto/rand so independently constructed
// Executors don't share math/rand's default sequence across a test run.
func rngSeed() int64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 1
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// defaultWorkerID generates a process-unique worker identity when the
// operator doesn't configure one explicitly, per spec §6.
func defaultWorkerID() string {
	return fmt.Sprintf("worker-%s", uuid.NewString())
}
