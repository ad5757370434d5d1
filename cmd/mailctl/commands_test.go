package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailpacer/internal/model"
	"github.com/unclebandit/mailpacer/internal/repository/repotest"
	"github.com/unclebandit/mailpacer/internal/service"
)

func newTestCLI(t *testing.T, store *repotest.Store) (*cli, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	dir := t.TempDir()
	return &cli{
		admin:      service.NewAdminService(store, service.NewRateGauge(store, 30), nil),
		out:        &out,
		importFile: filepath.Join(dir, "import.json"),
		exportFile: filepath.Join(dir, "out", "export.json"),
		logFile:    filepath.Join(dir, "actions.log"),
	}, &out
}

func TestParsePairs(t *testing.T) {
	pairs, err := parsePairs([]string{"email=a@example.com", "id=15", "email=b@example.com", "dateFrom=2026-01-01T10:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, []pair{
		{"email", "a@example.com"},
		{"id", "15"},
		{"email", "b@example.com"},
		{"dateFrom", "2026-01-01T10:00:00Z"},
	}, pairs)

	_, err = parsePairs([]string{"email"})
	assert.Error(t, err)
	_, err = parsePairs([]string{"=x"})
	assert.Error(t, err)
}

func TestParseTime(t *testing.T) {
	got, err := parseTime("2026-05-04")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), got)

	got, err = parseTime("2026-05-04T10:30:00+02:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC), got.UTC())

	_, err = parseTime("yesterday")
	assert.Error(t, err)
}

func TestImportThenExport(t *testing.T) {
	store := repotest.NewStore()
	c, out := newTestCLI(t, store)
	require.NoError(t, os.WriteFile(c.importFile, []byte(`[
		{"email":"a@example.com","title":"A","text":"Hello","file":"docs/a.pdf"},
		{"email":"b@example.com","title":"B","text":"Hi","file":null},
		{"email":"broken","title":"C"}
	]`), 0o644))

	require.NoError(t, c.run(context.Background(), "import", nil))
	assert.Contains(t, out.String(), "Imported 2 emails")
	assert.Contains(t, out.String(), "skipped #2 broken")

	require.NoError(t, c.run(context.Background(), "export", nil))
	data, err := os.ReadFile(c.exportFile)
	require.NoError(t, err)
	var exported struct {
		Emails []service.Record `json:"emails"`
	}
	require.NoError(t, json.Unmarshal(data, &exported))
	require.Len(t, exported.Emails, 2)
	assert.Equal(t, "a@example.com", exported.Emails[0].Email)
	require.NotNil(t, exported.Emails[0].File)
	assert.Nil(t, exported.Emails[1].File)
}

func TestImportExplicitPath(t *testing.T) {
	store := repotest.NewStore()
	c, _ := newTestCLI(t, store)
	path := filepath.Join(t.TempDir(), "other.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"emails":[{"email":"x@example.com","title":"X"}]}`), 0o644))

	require.NoError(t, c.run(context.Background(), "import", []string{path}))
	assert.Equal(t, "x@example.com", store.Get(1).Email)
}

func TestResetCommand(t *testing.T) {
	store := repotest.NewStore(
		&model.Message{ID: 1, Email: "a@example.com", Status: model.StatusFailed, RetryCount: 5},
		&model.Message{ID: 15, Email: "b@example.com", Status: model.StatusFailed, RetryCount: 5},
	)
	c, out := newTestCLI(t, store)

	require.NoError(t, c.run(context.Background(), "reset", []string{"email=a@example.com", "id=15", "color=red"}))
	assert.Equal(t, model.StatusPending, store.Get(1).Status)
	assert.Equal(t, model.StatusPending, store.Get(15).Status)
	assert.Contains(t, out.String(), "Status reset for email a@example.com (1 message(s)).")
	assert.Contains(t, out.String(), "Status reset for message id 15.")
	assert.Contains(t, out.String(), "Unknown reset parameter: color")

	assert.Error(t, c.run(context.Background(), "reset", nil))
	assert.Error(t, c.run(context.Background(), "reset", []string{"id=99"}))
	assert.Error(t, c.run(context.Background(), "reset", []string{"id=abc"}))
}

func TestListCommand(t *testing.T) {
	sent := time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC)
	store := repotest.NewStore(
		&model.Message{ID: 2, Email: "b@example.com", Status: model.StatusSent, SentAt: &sent},
		&model.Message{ID: 1, Email: "a@example.com", Status: model.StatusFailed, RetryCount: 3},
	)
	c, out := newTestCLI(t, store)

	require.NoError(t, c.run(context.Background(), "list", nil))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Regexp(t, `^ID\s+EMAIL\s+STATUS\s+RETRY_COUNT\s+SENT_AT$`, lines[0])
	assert.Regexp(t, `^1\s+a@example.com\s+failed\s+3\s+-$`, lines[1])
	assert.Regexp(t, `^2\s+b@example.com\s+sent\s+0\s+2026-05-04T11:00:00Z$`, lines[2])

	c2, out2 := newTestCLI(t, repotest.NewStore())
	require.NoError(t, c2.run(context.Background(), "list", nil))
	assert.Equal(t, "No messages in the database.\n", out2.String())
}

type stubDispatcher struct{ res *service.PassResult }

func (s stubDispatcher) RunPass(context.Context) (*service.PassResult, error) { return s.res, nil }

func TestSendPrintsSummaries(t *testing.T) {
	c, out := newTestCLI(t, repotest.NewStore())
	c.scheduler = stubDispatcher{res: &service.PassResult{
		New: service.PolicySummary{Policy: service.PolicyNew, Quota: 30, Slots: 30, Results: []service.SubmitResult{
			{ID: 1, Email: "a@example.com", Outcome: service.OutcomeQueued},
		}},
		Retry: service.PolicySummary{Policy: service.PolicyRetry, Quota: 30, Slots: 29, Results: []service.SubmitResult{}},
	}}

	require.NoError(t, c.run(context.Background(), "send", nil))
	assert.Contains(t, out.String(), "=== Pending messages queued (1/30 slots) ===")
	assert.Contains(t, out.String(), "Failed messages queued for retry: no messages.")
}

func TestLogsCommand(t *testing.T) {
	c, out := newTestCLI(t, repotest.NewStore())
	lines := []string{
		`{"level":"INFO","ts":"2026-05-04T09:00:00.000Z","msg":"Queueing message"}`,
		`{"level":"ERROR","ts":"2026-05-04T10:00:00.000Z","msg":"Failed to queue message"}`,
		`{"level":"ERROR","ts":"2026-05-05T10:00:00.000Z","msg":"Message store unavailable"}`,
	}
	require.NoError(t, os.WriteFile(c.logFile, []byte(strings.Join(lines, "\n")+"\n"), 0o644))

	require.NoError(t, c.run(context.Background(), "logs", []string{"dateFrom=2026-05-04", "dateTo=2026-05-04T23:59:59Z", "status=error"}))
	assert.Equal(t, lines[1]+"\n", out.String())

	assert.Error(t, c.run(context.Background(), "logs", []string{"dateFrom=soon"}))
	assert.Error(t, c.run(context.Background(), "logs", []string{"colour=red"}))
}

func TestUnknownCommand(t *testing.T) {
	c, _ := newTestCLI(t, repotest.NewStore())
	err := c.run(context.Background(), "frobnicate", nil)
	assert.ErrorIs(t, err, errUsage)
	assert.False(t, needsStore("frobnicate"))
	assert.False(t, needsStore("logs"))
	assert.True(t, needsStore("send"))
}
