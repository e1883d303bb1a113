package session

import (
	"sync"

	"github.com/iscsi-scst/go-iscsi-core/internal/command"
	"github.com/iscsi-scst/go-iscsi-core/internal/constants"
)

// DataWaitHash maps an Initiator Task Tag to the request command waiting
// on further Data-Out PDUs for it. It is bucketed the way the original
// hashes ITT: fixed-size, chained, one lock per bucket so unrelated ITTs
// never contend.
type DataWaitHash struct {
	buckets [constants.HashSize]dataWaitBucket
}

type dataWaitBucket struct {
	mu    sync.Mutex
	byITT map[uint32]*command.Cmd
}

// NewDataWaitHash returns an empty hash with all buckets initialized.
func NewDataWaitHash() *DataWaitHash {
	h := &DataWaitHash{}
	for i := range h.buckets {
		h.buckets[i].byITT = make(map[uint32]*command.Cmd)
	}
	return h
}

func bucketFor(itt uint32) uint32 {
	// Knuth multiplicative hash, same family the original uses to spread
	// ITTs (which are frequently allocated sequentially by initiators)
	// across buckets.
	return (itt * 2654435761) % constants.HashSize
}

// Insert adds cmd under its ITT, taking a net-facing reference that is
// released by Remove. It refuses ITT == RESERVED_TAG and a duplicate ITT
// already tracked (TASK_IN_PROGRESS): either is a protocol error whose
// caller must close the connection rather than proceed.
func (h *DataWaitHash) Insert(cmd *command.Cmd) (ok bool) {
	if cmd.ITT == constants.ReservedTag {
		return false
	}
	b := &h.buckets[bucketFor(cmd.ITT)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.byITT[cmd.ITT]; exists {
		return false
	}
	b.byITT[cmd.ITT] = cmd.GetNet()
	return true
}

// Lookup finds the command waiting for data under itt without removing it,
// taking a reference valid for the caller's use (released with Put).
func (h *DataWaitHash) Lookup(itt uint32) (*command.Cmd, bool) {
	b := &h.buckets[bucketFor(itt)]
	b.mu.Lock()
	cmd, ok := b.byITT[itt]
	b.mu.Unlock()
	if !ok {
		return nil, false
	}
	return cmd.GetCheck()
}

// Remove drops the entry for itt, releasing the net-facing reference
// Insert took. It is idempotent: removing an absent ITT is a no-op.
func (h *DataWaitHash) Remove(itt uint32) {
	b := &h.buckets[bucketFor(itt)]
	b.mu.Lock()
	cmd, ok := b.byITT[itt]
	delete(b.byITT, itt)
	b.mu.Unlock()
	if ok {
		cmd.PutNet()
	}
}
