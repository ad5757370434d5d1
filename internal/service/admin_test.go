package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/mailpacer/internal/errors"
	"github.com/unclebandit/mailpacer/internal/model"
	"github.com/unclebandit/mailpacer/internal/repository/repotest"
)

func newTestAdmin(store *repotest.Store) *AdminService {
	a := NewAdminService(store, NewRateGauge(store, 30), nil)
	a.Now = fixedNow
	return a
}

func TestAdminService_ListMessagesPagination(t *testing.T) {
	store := repotest.NewStore()
	for i := 0; i < 25; i++ {
		store.Put(pending(0, fmt.Sprintf("user%d@example.com", i)))
	}
	a := newTestAdmin(store)

	tests := []struct {
		name        string
		page, size  int
		wantPage    int
		wantSize    int
		wantLen     int
		wantFirstID int64
		wantPages   int
	}{
		{"defaults", 0, 0, 1, DefaultPageSize, 20, 25, 2},
		{"second page", 2, 20, 2, 20, 5, 5, 2},
		{"clamped size", 1, 500, 1, MaxPageSize, 25, 25, 1},
		{"past the end", 9, 10, 9, 10, 0, 0, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := a.ListMessages(context.Background(), tt.page, tt.size, "")
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, page.Pagination.Page)
			assert.Equal(t, tt.wantSize, page.Pagination.PageSize)
			assert.Equal(t, 25, page.Pagination.TotalCount)
			assert.Equal(t, tt.wantPages, page.Pagination.TotalPages)
			require.Len(t, page.Messages, tt.wantLen)
			if tt.wantLen > 0 {
				assert.Equal(t, tt.wantFirstID, page.Messages[0].ID)
			}
		})
	}
}

func TestAdminService_ListMessagesFiltersStatus(t *testing.T) {
	store := repotest.NewStore(pending(1, "a@example.com"), failed(2, "b@example.com", 1))
	a := newTestAdmin(store)

	page, err := a.ListMessages(context.Background(), 1, 10, "failed")
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, int64(2), page.Messages[0].ID)

	_, err = a.ListMessages(context.Background(), 1, 10, "bounced")
	assert.ErrorIs(t, err, model.ErrInvalidStatus)
}

func TestAdminService_GetMessage(t *testing.T) {
	store := repotest.NewStore(pending(1, "a@example.com"))
	a := newTestAdmin(store)

	m, err := a.GetMessage(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", m.Email)

	_, err = a.GetMessage(context.Background(), 99)
	assert.True(t, appErrors.IsNotFound(err))

	store.FailOn("GetByID", errStoreDown)
	_, err = a.GetMessage(context.Background(), 1)
	var storeErr *appErrors.StoreError
	assert.ErrorAs(t, err, &storeErr)
}

func TestAdminService_StatsAndQuota(t *testing.T) {
	store := repotest.NewStore(
		pending(1, "a@example.com"),
		failed(2, "b@example.com", 1),
		sentAt(3, "c@example.com", testNow.Add(-10*time.Minute)),
		sentAt(4, "d@example.com", testNow.Add(-2*time.Hour)),
	)
	a := newTestAdmin(store)

	stats, err := a.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pending": 1, "sending": 0, "sent": 2, "failed": 1, "total": 4}, stats)

	q, err := a.Quota(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Quota{Limit: 30, Sent: 1, Available: 29, At: testNow}, q)
}

func TestAdminService_ResetByID(t *testing.T) {
	store := repotest.NewStore(failed(7, "seven@example.com", 5))
	a := newTestAdmin(store)

	require.NoError(t, a.ResetByID(context.Background(), 7))
	got := store.Get(7)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.LastError)

	err := a.ResetByID(context.Background(), 8)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestAdminService_ResetByEmail(t *testing.T) {
	store := repotest.NewStore(failed(1, "a@example.com", 3), sentAt(2, "a@example.com", testNow), pending(3, "b@example.com"))
	a := newTestAdmin(store)

	n, err := a.ResetByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, model.StatusPending, store.Get(2).Status)
	assert.Nil(t, store.Get(2).SentAt)

	_, err = a.ResetByEmail(context.Background(), "not-an-email")
	assert.Error(t, err)
	assert.Equal(t, 1, store.Calls["ResetByEmail"])
}

func TestAdminService_ImportBatchesAndRejects(t *testing.T) {
	store := repotest.NewStore()
	a := newTestAdmin(store)

	records := make([]Record, 0, 2502)
	for i := 0; i < 2500; i++ {
		records = append(records, Record{Email: fmt.Sprintf("user%d@example.com", i), Title: "Hi", Text: "Body"})
	}
	records = append(records,
		Record{Email: "broken", Title: "Hi"},
		Record{Email: "no-title@example.com"},
	)

	res, err := a.Import(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, 2500, res.Imported)
	assert.Equal(t, 3, res.Batches)
	assert.Equal(t, 3, store.Calls["UpsertBatch"])
	require.Len(t, res.Rejected, 2)
	assert.Equal(t, 2500, res.Rejected[0].Index)
	assert.Contains(t, res.Rejected[0].Reason, "email failed email")
	assert.Contains(t, res.Rejected[1].Reason, "title failed required")
}

func TestAdminService_ImportKeepsDeliveryState(t *testing.T) {
	store := repotest.NewStore(sentAt(1, "a@example.com", testNow))
	a := newTestAdmin(store)

	res, err := a.Import(context.Background(), []Record{
		{Email: " a@example.com ", Title: "New title", Text: "New body", File: strPtr("docs/a.pdf")},
		{Email: "b@example.com", Title: "Hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)

	existing := store.Get(1)
	assert.Equal(t, model.StatusSent, existing.Status)
	assert.Equal(t, "New title", existing.Title)
	require.NotNil(t, existing.File)
	assert.Equal(t, "docs/a.pdf", *existing.File)

	all, err := a.ListAll(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, model.StatusPending, all[1].Status)
}

func TestAdminService_ImportStoreError(t *testing.T) {
	store := repotest.NewStore()
	store.FailOn("UpsertBatch", errStoreDown)
	a := newTestAdmin(store)

	_, err := a.Import(context.Background(), []Record{{Email: "a@example.com", Title: "Hi"}})
	var storeErr *appErrors.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "import", storeErr.Op)
}

func TestAdminService_Export(t *testing.T) {
	store := repotest.NewStore(
		&model.Message{ID: 1, Email: "a@example.com", Title: "A", Text: "one", File: strPtr("a.pdf")},
		&model.Message{ID: 2, Email: "b@example.com", Title: "B", Text: "two"},
	)
	a := newTestAdmin(store)

	var buf bytes.Buffer
	n, err := a.Export(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var out map[string][]map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &out))
	require.Len(t, out["emails"], 2)
	assert.Equal(t, map[string]any{"email": "a@example.com", "title": "A", "text": "one", "file": "a.pdf"}, out["emails"][0])
	assert.Equal(t, map[string]any{"email": "b@example.com", "title": "B", "text": "two", "file": nil}, out["emails"][1])

	// An export file imports back as-is.
	records, err := DecodeRecords(&buf)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestDecodeRecords(t *testing.T) {
	records, err := DecodeRecords(strings.NewReader(`[{"email":"a@example.com","title":"A","text":"x","file":null}]`))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].File)

	records, err = DecodeRecords(strings.NewReader(`{"emails":[{"email":"a@example.com","title":"A"},{"email":"b@example.com","title":"B"}]}`))
	require.NoError(t, err)
	assert.Len(t, records, 2)

	records, err = DecodeRecords(strings.NewReader("  \n"))
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = DecodeRecords(strings.NewReader(`[{"email":`))
	assert.Error(t, err)
}
