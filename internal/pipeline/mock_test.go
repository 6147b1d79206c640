package pipeline

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orgsync/internal/config"
	"github.com/sells-group/orgsync/internal/evidence"
	"github.com/sells-group/orgsync/internal/model"
	"github.com/sells-group/orgsync/internal/oracle"
	"github.com/sells-group/orgsync/internal/snapshot"
	"github.com/sells-group/orgsync/internal/store"
)

// --- Oracle Mock ---

type mockOracle struct {
	mock.Mock
}

func (m *mockOracle) Classify(ctx context.Context, req oracle.Request) (*oracle.Verdict, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.Verdict), args.Error(1)
}

func (m *mockOracle) Describe(ctx context.Context, names []string, ev map[string][]model.Evidence) (*oracle.Description, error) {
	args := m.Called(ctx, names, ev)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*oracle.Description), args.Error(1)
}

// --- Evidence Mock ---

type mockEvidence struct {
	mock.Mock
}

func (m *mockEvidence) Name() string { return "mock" }

func (m *mockEvidence) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	args := m.Called(ctx, name, postcode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Evidence), args.Error(1)
}

// --- Source stub ---

type staticSource struct {
	records []model.Record
	err     error
}

func (s *staticSource) Records(context.Context) ([]model.Record, error) {
	return s.records, s.err
}

// focal matches a classify request by its focal name.
func focal(name string) any {
	return mock.MatchedBy(func(req oracle.Request) bool { return req.Focal == name })
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Blocking.Threshold = 0.7
	cfg.Blocking.Neighbours = 10
	cfg.Blocking.Workers = 2
	cfg.Oracle.Concurrency = 2
	cfg.Oracle.MaxAttempts = 2
	cfg.Oracle.InitialBackoffMs = 1
	cfg.Oracle.MaxBackoffMs = 2
	cfg.Oracle.TimeoutSecs = 5
	cfg.Oracle.CircuitThreshold = 100
	return cfg
}

type testEnv struct {
	pipeline *Pipeline
	store    *store.SQLiteStore
	source   *staticSource
	baseline *snapshot.Baseline
	oracle   *mockOracle
}

func newTestEnv(t *testing.T, cfg *config.Config, ev evidence.Provider, records ...model.Record) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewSQLite(filepath.Join(dir, "orgsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	env := &testEnv{
		store:    st,
		source:   &staticSource{records: records},
		baseline: snapshot.NewBaseline(filepath.Join(dir, "baseline.json"), filepath.Join(dir, "history")),
		oracle:   &mockOracle{},
	}
	env.pipeline = New(cfg, st, env.source, env.baseline, env.oracle, ev)
	return env
}

func rec(dataset, id, name string) model.Record {
	return model.Record{Dataset: dataset, UniqueID: id, Name: name}
}

// acmeRecords is the three-record fixture: two spellings of one
// organisation and an unrelated one.
func acmeRecords() []model.Record {
	return []model.Record{
		rec("a", "1", "Acme Corporation"),
		rec("b", "2", "Acme Corp"),
		rec("a", "3", "Beta Institute"),
	}
}
