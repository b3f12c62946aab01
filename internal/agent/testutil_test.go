package agent

import (
	"archive/tar"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/klauspost/pgzip"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Conveyor/internal/callback"
	"github.com/shaiso/Conveyor/internal/domain"
	"github.com/shaiso/Conveyor/internal/operator"
	"github.com/shaiso/Conveyor/internal/repo"
)

// buildArchive собирает tar.gz из имени файла → содержимое.
func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := pgzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

// funcFactory — фабрика оператора, чьё поведение задаётся функцией.
type funcFactory struct {
	typ string
	run func(ctx context.Context, req *operator.Request) (operator.Result, error)
}

func (f *funcFactory) Type() string                            { return f.typ }
func (f *funcFactory) SecretSelectors(map[string]any) []string { return operator.DefaultSecretSelectors(f.typ) }
func (f *funcFactory) New(req *operator.Request) (operator.Operator, error) {
	return &funcOperator{req: req, run: f.run}, nil
}

type funcOperator struct {
	req *operator.Request
	run func(ctx context.Context, req *operator.Request) (operator.Result, error)
}

func (o *funcOperator) Run(ctx context.Context) (operator.Result, error) {
	return o.run(ctx, o.req)
}

type nopScheduler struct{}

func (nopScheduler) Schedule(domain.AttemptKey, time.Time) {}

type nopNotifier struct{}

func (nopNotifier) NotifyReady(context.Context, domain.AttemptKey) error { return nil }

// core — ядро в памяти с одним проектом на site 1.
type core struct {
	svc     *callback.Service
	store   *repo.MemoryStore
	clock   *clockwork.FakeClock
	project *domain.Project
}

func newCore(t *testing.T, opType string, files map[string]string) *core {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := repo.NewMemoryStore()
	project, err := store.PutProject(context.Background(), &domain.Project{
		SiteID: 1,
		Name:   "etl",
		Workflows: []domain.WorkflowDef{
			{Name: "main", Type: opType, Config: map[string]any{"query_file": "queries/main.sql"}},
		},
		UpdatedAt: clock.Now(),
	}, buildArchive(t, files))
	require.NoError(t, err)

	svc := callback.New(callback.Config{
		Store:     store,
		Scheduler: nopScheduler{},
		Notifier:  nopNotifier{},
		Clock:     clock,
	})
	return &core{svc: svc, store: store, clock: clock, project: project}
}

func (c *core) startSession(t *testing.T) uuid.UUID {
	t.Helper()
	sess, _, err := c.svc.StartSession(context.Background(), domain.SessionRequest{
		SiteID:      1,
		ProjectID:   c.project.ID,
		Workflow:    "main",
		SessionTime: c.clock.Now(),
	})
	require.NoError(t, err)
	return sess.TaskID
}

func (c *core) attempt(t *testing.T, taskID uuid.UUID) *domain.TaskAttempt {
	t.Helper()
	a, err := c.store.GetAttempt(context.Background(), 1, taskID)
	require.NoError(t, err)
	return a
}
