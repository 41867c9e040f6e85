package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "notiflow/pkg/logx"
)

func openTestFile(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "notiflow.db")}, logx.Nop())
	require.NoError(t, err)
	require.NotNil(t, st)
	return st
}

func TestOpenDisabledAndUnknown(t *testing.T) {
	st, err := Open(Config{}, logx.Nop())
	assert.NoError(t, err)
	assert.Nil(t, st)

	_, err = Open(Config{Driver: "mongo"}, logx.Nop())
	assert.Error(t, err)

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestFileStoreDeliveryRevisionsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st := openTestFile(t, dir)

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{ID: "d1", Revision: 1, NotificationID: "n1", Method: "email", Status: "sent", Attempts: 1, LastAttempt: at}))
	require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{ID: "d2", Revision: 1, NotificationID: "n1", Method: "sms", Status: "failed", FailureReason: "down", LastAttempt: at}))
	ack := at.Add(time.Minute)
	require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{ID: "d1", Revision: 2, NotificationID: "n1", Method: "email", Status: "acknowledged", AcknowledgedAt: &ack, LastAttempt: at}))
	require.NoError(t, st.Close())

	// Simulate a torn final write.
	f, err := os.OpenFile(filepath.Join(dir, "notiflow.deliveries.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString(`{"id":"d3","rev`)
	require.NoError(t, f.Close())

	st = openTestFile(t, dir)
	defer st.Close()
	recs, err := st.LoadDeliveries(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "d1", recs[0].ID)
	assert.Equal(t, "acknowledged", recs[0].Status)
	require.NotNil(t, recs[0].AcknowledgedAt)
	assert.True(t, ack.Equal(*recs[0].AcknowledgedAt))
	assert.Equal(t, "d2", recs[1].ID)

	require.NoError(t, st.Compact(ctx))
	recs, err = st.LoadDeliveries(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	// Appends keep working after compaction reopened the log.
	require.NoError(t, st.AppendDelivery(ctx, DeliveryRecord{ID: "d4", Revision: 1, NotificationID: "n2", Method: "push", Status: "delivered", LastAttempt: at}))
	recs, err = st.LoadDeliveries(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestFileStoreEscalationsSurviveRestartAndCompaction(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	st := openTestFile(t, dir)

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.PutEscalation(ctx, EscalationRecord{ID: "e1", NotificationID: "n1", RouteID: "r1", StartedAt: start}))
	require.NoError(t, st.PutEscalation(ctx, EscalationRecord{ID: "e2", NotificationID: "n2", RouteID: "r1", StartedAt: start.Add(time.Second)}))
	require.NoError(t, st.Compact(ctx))
	resolved := start.Add(2 * time.Minute)
	require.NoError(t, st.PutEscalation(ctx, EscalationRecord{ID: "e1", NotificationID: "n1", RouteID: "r1", StartedAt: start, IsResolved: true, ResolvedAt: &resolved, ResolvedBy: "ops"}))
	require.NoError(t, st.Close())

	st = openTestFile(t, dir)
	defer st.Close()
	recs, err := st.LoadEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "e1", recs[0].ID)
	assert.True(t, recs[0].IsResolved)
	assert.Equal(t, "ops", recs[0].ResolvedBy)
	assert.False(t, recs[1].IsResolved)
}
