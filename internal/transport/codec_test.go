package transport

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinaypunrao68/fds-src-sub013/internal/migration"
	"github.com/vinaypunrao68/fds-src-sub013/internal/store"
)

func deltaMessage(data ...[]byte) *migration.Message {
	msg := &migration.Message{
		Type:         migration.MsgDeltaSet,
		ExecutorID:   migration.ExecutorID(0xabc00000001),
		Token:        3,
		Version:      7,
		BitsPerToken: 4,
		From:         "node-a",
		Delta: &migration.DeltaSet{
			Round:      2,
			FilterSeq:  0,
			FilterLast: true,
			Seq:        5,
			SeqLast:    true,
			LastRound:  true,
		},
	}
	for i, d := range data {
		msg.Delta.Entries = append(msg.Delta.Entries, migration.DeltaSetEntry{
			ID:   string(rune('a' + i)),
			Meta: store.ObjectMeta{Version: uint64(100 + i), Size: int64(len(d)), Volumes: []uint64{1, 2}},
			Data: d,
		})
	}
	return msg
}

func TestCodec_RoundTrip(t *testing.T) {
	big := bytes.Repeat([]byte("compressible "), 200)
	random := make([]byte, 4096)
	rand.New(rand.NewSource(1)).Read(random)

	msg := deltaMessage([]byte("small"), big, random, nil)

	payload, err := Encode(msg)
	require.NoError(t, err)
	assert.Less(t, len(payload), len(big), "large repetitive data should be compressed")

	got, err := Decode(payload)
	require.NoError(t, err)

	assert.Equal(t, msg.Type, got.Type)
	assert.Equal(t, msg.ExecutorID, got.ExecutorID)
	assert.Equal(t, msg.Token, got.Token)
	assert.Equal(t, msg.Version, got.Version)
	assert.Equal(t, msg.From, got.From)
	require.NotNil(t, got.Delta)
	assert.True(t, got.Delta.LastInRound())
	assert.True(t, got.Delta.LastRound)
	require.Len(t, got.Delta.Entries, 4)
	for i, e := range got.Delta.Entries {
		want := msg.Delta.Entries[i]
		assert.Equal(t, want.ID, e.ID)
		assert.Equal(t, want.Meta, e.Meta)
		assert.Equal(t, len(want.Data), len(e.Data))
		assert.True(t, bytes.Equal(want.Data, e.Data))
		assert.Zero(t, e.RawSize)
	}
}

func TestCodec_DoesNotModifyInput(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 2048)
	msg := deltaMessage(big)

	_, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, big, msg.Delta.Entries[0].Data)
	assert.Zero(t, msg.Delta.Entries[0].RawSize)
}

func TestCodec_FilterSet(t *testing.T) {
	msg := &migration.Message{
		Type:       migration.MsgStartRebalance,
		ExecutorID: 1,
		Filter: &migration.FilterSet{
			Seq:     1,
			Start:   "b",
			End:     "d",
			Entries: []migration.FilterEntry{{ID: "b", Version: 1}, {ID: "c", Version: 2}},
		},
	}
	payload, err := Encode(msg)
	require.NoError(t, err)
	got, err := Decode(payload)
	require.NoError(t, err)
	assert.Equal(t, msg.Filter, got.Filter)
	assert.Nil(t, got.Delta)
}

func TestCodec_RejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)

	// A bogus raw size must not allocate unbounded memory.
	msg := deltaMessage([]byte("x"))
	msg.Delta.Entries[0].RawSize = maxRawSize + 1
	payload, err := Encode(msg)
	require.NoError(t, err)
	_, err = Decode(payload)
	assert.Error(t, err)
}
