package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTriggerPayload(t *testing.T) {
	// Shape produced by json_build_object in the postgres triggers.
	raw := `{"table":"queue_state","op":"UPDATE","row_id":"1","at":"2026-03-01T12:00:00.123456+00:00"}`

	ev, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, TableQueueState, ev.Table)
	assert.Equal(t, OpUpdate, ev.Op)
	assert.Equal(t, "1", ev.RowID)
	assert.Equal(t, 123456000, ev.At.Nanosecond())
}

func TestEncodeDecode(t *testing.T) {
	in := Event{Seq: 7, Table: TableFlags, Op: OpInsert, RowID: "maintenance_mode", At: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"op":"UPDATE"}`))
	assert.ErrorContains(t, err, "without table")
}
