package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notiflow/pkg/logx"
)

func TestWriterDrainsOnStop(t *testing.T) {
	st := openTestFile(t, t.TempDir())
	defer st.Close()

	w := NewWriter(st, logx.Nop(), 16)
	assert.False(t, w.Delivery(DeliveryRecord{ID: "early"}), "writes before Start are dropped")

	w.Start(context.Background())
	for i, id := range []string{"a", "b", "c"} {
		require.True(t, w.Delivery(DeliveryRecord{ID: id, Revision: 1, Status: "sent", Level: i}))
	}
	require.True(t, w.Escalation(EscalationRecord{ID: "e1", RouteID: "r1", StartedAt: time.Unix(0, 0)}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w.Stop(ctx)

	recs, err := st.LoadDeliveries(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "a", recs[0].ID)

	esc, err := st.LoadEscalations(context.Background())
	require.NoError(t, err)
	assert.Len(t, esc, 1)

	written, dropped, failed := w.Stats()
	assert.Equal(t, uint64(4), written)
	assert.Equal(t, uint64(1), dropped)
	assert.Zero(t, failed)

	assert.False(t, w.Delivery(DeliveryRecord{ID: "late"}), "writes after Stop are dropped")
}

func TestNilWriterIsSafe(t *testing.T) {
	var w *Writer
	w.Start(context.Background())
	assert.False(t, w.Delivery(DeliveryRecord{ID: "x"}))
	w.Stop(context.Background())
	assert.Nil(t, w.Supervisor())
}
