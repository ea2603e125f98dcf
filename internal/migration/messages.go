package migration

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/vinaypunrao68/fds-src-sub013/internal/placement"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
)

// ExecutorID identifies one (token, source) migration. The upper 32 bits are
// derived from the destination node id and the lower 32 bits are a counter
// local to that node, so ids are unique across destinations.
type ExecutorID uint64

func (id ExecutorID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// makeExecutorIDBase folds a node id into the upper half of an ExecutorID.
func makeExecutorIDBase(nodeID string) uint64 {
	h := xxhash.Sum64String(nodeID)
	return uint64(uint32(h>>32)^uint32(h)) << 32
}

// MsgType names a migration message.
type MsgType uint8

const (
	// MsgStartRebalance carries one filter chunk from executor to source.
	MsgStartRebalance MsgType = iota + 1
	// MsgStartRebalanceResp acknowledges a filter chunk.
	MsgStartRebalanceResp
	// MsgDeltaSet carries one batch of objects from source to executor.
	MsgDeltaSet
	// MsgDeltaSetResp acknowledges a delta set.
	MsgDeltaSetResp
	// MsgSecondRound asks the source to enable forwarding and stream the
	// gap window.
	MsgSecondRound
	// MsgForwardedWrites mirrors writes made on the source after round 2.
	MsgForwardedWrites
	// MsgFinishClient tells the source the executor is done.
	MsgFinishClient
	// MsgAbortClient tells the source the executor failed or was aborted.
	MsgAbortClient
)

var msgTypeNames = map[MsgType]string{
	MsgStartRebalance:     "start_rebalance",
	MsgStartRebalanceResp: "start_rebalance_resp",
	MsgDeltaSet:           "delta_set",
	MsgDeltaSetResp:       "delta_set_resp",
	MsgSecondRound:        "second_round",
	MsgForwardedWrites:    "forwarded_writes",
	MsgFinishClient:       "finish_client",
	MsgAbortClient:        "abort_client",
}

func (t MsgType) String() string {
	if s, ok := msgTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("msg(%d)", uint8(t))
}

// Message is the envelope of every migration message.
type Message struct {
	Type       MsgType           `json:"type"`
	ExecutorID ExecutorID        `json:"executor_id"`
	Token      placement.Token   `json:"token"`
	Version    placement.Version `json:"version"`
	// BitsPerToken is the token width the sender computed Token with.
	BitsPerToken uint   `json:"bits_per_token,omitempty"`
	From         string `json:"from"`

	Filter *FilterSet `json:"filter,omitempty"`
	Delta  *DeltaSet  `json:"delta,omitempty"`
	Ack    *Ack       `json:"ack,omitempty"`

	// Err carries a remote failure.
	Err string `json:"err,omitempty"`
}

// FilterEntry is one object the destination already holds.
type FilterEntry struct {
	ID      string `json:"id"`
	Version uint64 `json:"v"`
}

// FilterSet is one chunk of the destination's known set. It covers the
// object ids in [Start, End); empty bounds are open.
type FilterSet struct {
	Seq         uint64        `json:"seq"`
	Last        bool          `json:"last"`
	Start       string        `json:"start,omitempty"`
	End         string        `json:"end,omitempty"`
	SingleRound bool          `json:"single_round,omitempty"`
	Entries     []FilterEntry `json:"entries,omitempty"`
}

// DeltaSet is one batch of objects. FilterSeq/FilterLast number the filter
// chunk it answers, Seq/SeqLast number the batch within that chunk.
type DeltaSet struct {
	Round      int             `json:"round"`
	FilterSeq  uint64          `json:"fseq"`
	FilterLast bool            `json:"flast"`
	Seq        uint64          `json:"seq"`
	SeqLast    bool            `json:"slast"`
	LastRound  bool            `json:"last_round"`
	Entries    []DeltaSetEntry `json:"entries,omitempty"`
}

// LastInRound reports whether this batch closes both sequence axes.
func (d *DeltaSet) LastInRound() bool {
	return d.FilterLast && d.SeqLast
}

// DeltaSetEntry is one object in a delta set or forwarded write.
type DeltaSetEntry struct {
	ID   string           `json:"id"`
	Meta store.ObjectMeta `json:"meta"`
	Data []byte           `json:"data,omitempty"`
	// RawSize is set by the wire codec when Data is lz4 compressed.
	RawSize int `json:"raw,omitempty"`
}

func entryFromObject(obj store.Object) DeltaSetEntry {
	return DeltaSetEntry{ID: obj.ID, Meta: obj.Meta, Data: obj.Data}
}

func (e DeltaSetEntry) object() store.Object {
	return store.Object{ID: e.ID, Meta: e.Meta, Data: e.Data}
}

// Ack acknowledges a filter chunk or delta set.
type Ack struct {
	Round     int    `json:"round"`
	FilterSeq uint64 `json:"fseq"`
	Seq       uint64 `json:"seq"`
}
