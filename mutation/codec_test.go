package mutation

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactionMutationSurvivesCodec(t *testing.T) {
	txm := &TransactionMutation{
		TransactionID:     uuid.New(),
		CatalogVersion:    42,
		MutationCount:     3,
		MutationSizeBytes: 1024,
		CommitTimestamp:   time.Unix(1700000000, 123).UTC(),
	}
	data, err := Encode(txm)
	require.NoError(t, err)
	assert.Equal(t, byte(KindTransaction), data[0])

	decoded, err := Decode(data)
	require.NoError(t, err)
	got, ok := decoded.(*TransactionMutation)
	require.True(t, ok)
	assert.Equal(t, txm.TransactionID, got.TransactionID)
	assert.Equal(t, txm.CatalogVersion, got.CatalogVersion)
	assert.Equal(t, txm.MutationCount, got.MutationCount)
	assert.True(t, txm.CommitTimestamp.Equal(got.CommitTimestamp))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)
	_, err = Decode([]byte{0xff, 0x01})
	assert.Error(t, err)
	_, err = Encode(nil)
	assert.Error(t, err)
}

func TestLocalMutationCount(t *testing.T) {
	assert.Equal(t, 2, LocalMutationCount(&EntityUpsertMutation{
		Collection: "product",
		PrimaryKey: 1,
		Attributes: map[string]string{"name": "a", "code": "b"},
	}))
	assert.Equal(t, 1, LocalMutationCount(&EntityUpsertMutation{Collection: "product", PrimaryKey: 1}))
	assert.Equal(t, 1, LocalMutationCount(&EntityRemoveMutation{Collection: "product", PrimaryKey: 1}))
	assert.Equal(t, 1, LocalMutationCount(&ModifySchemaMutation{Collection: "product"}))
	assert.Equal(t, "entity-remove", KindEntityRemove.String())
}

func TestStreamRoundTripAndTruncation(t *testing.T) {
	var buf bytes.Buffer
	w := NewStreamWriter(&buf)
	written := []Mutation{
		&ModifySchemaMutation{Collection: "product", Description: "products"},
		&EntityUpsertMutation{Collection: "product", PrimaryKey: 7, Attributes: map[string]string{"name": "mug"}},
		&EntityRemoveMutation{Collection: "product", PrimaryKey: 7},
	}
	for _, m := range written {
		require.NoError(t, w.Write(m))
	}
	full := buf.Bytes()

	r := NewStreamReader(bytes.NewReader(full))
	for _, expected := range written {
		m, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, expected, m)
	}
	_, err := r.Next()
	assert.Equal(t, io.EOF, err)

	cut := NewStreamReader(bytes.NewReader(full[:len(full)-2]))
	var last error
	for last == nil {
		_, last = cut.Next()
	}
	assert.NotEqual(t, io.EOF, last)
}
