// Package transport carries migration messages between storage nodes.
package transport

import (
	"bytes"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v4"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CompressThreshold is the object size from which data is lz4 compressed on
// the wire.
const CompressThreshold = 512

// maxRawSize bounds the decompressed size a peer may announce.
const maxRawSize = 64 << 20

var bufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Encode serializes msg. Object data at or above CompressThreshold is lz4
// compressed when that makes it smaller. msg is not modified.
func Encode(msg *migration.Message) ([]byte, error) {
	out := *msg
	if msg.Delta != nil && len(msg.Delta.Entries) > 0 {
		delta := *msg.Delta
		delta.Entries = make([]migration.DeltaSetEntry, len(msg.Delta.Entries))
		for i, e := range msg.Delta.Entries {
			if len(e.Data) >= CompressThreshold && e.RawSize == 0 {
				e.Data, e.RawSize = compress(e.Data)
			}
			delta.Entries[i] = e
		}
		out.Delta = &delta
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(&out); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return bytes.Clone(buf.Bytes()), nil
}

// Decode parses a message produced by Encode and restores compressed data.
func Decode(payload []byte) (*migration.Message, error) {
	var msg migration.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("decode migration message: %w", err)
	}
	if msg.Delta != nil {
		for i := range msg.Delta.Entries {
			e := &msg.Delta.Entries[i]
			if e.RawSize == 0 {
				continue
			}
			data, err := decompress(e.Data, e.RawSize)
			if err != nil {
				return nil, fmt.Errorf("object %s: %w", e.ID, err)
			}
			e.Data = data
			e.RawSize = 0
		}
	}
	return &msg, nil
}

// compress returns the lz4 block for data and its raw size, or data and 0
// when compression does not help.
func compress(data []byte) ([]byte, int) {
	dst := make([]byte, lz4.CompressBlockBound(len(data)))
	var c lz4.Compressor
	n, err := c.CompressBlock(data, dst)
	if err != nil || n == 0 || n >= len(data) {
		return data, 0
	}
	return dst[:n], len(data)
}

func decompress(block []byte, rawSize int) ([]byte, error) {
	if rawSize < 0 || rawSize > maxRawSize {
		return nil, fmt.Errorf("invalid raw size %d", rawSize)
	}
	dst := make([]byte, rawSize)
	n, err := lz4.UncompressBlock(block, dst)
	if err != nil {
		return nil, fmt.Errorf("lz4: %w", err)
	}
	if n != rawSize {
		return nil, fmt.Errorf("lz4: got %d bytes, want %d", n, rawSize)
	}
	return dst, nil
}
