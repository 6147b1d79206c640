package evidence

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/orgsync/internal/model"
)

type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Lookup(ctx context.Context, name, postcode string) ([]model.Evidence, error) {
	args := m.Called(ctx, name, postcode)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Evidence), args.Error(1)
}

type mockCache struct {
	mock.Mock
}

func (m *mockCache) GetEvidence(ctx context.Context, provider, name string) (*model.EvidenceCache, error) {
	args := m.Called(ctx, provider, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.EvidenceCache), args.Error(1)
}

func (m *mockCache) SetEvidence(ctx context.Context, provider, name string, results []model.Evidence, ttl time.Duration) error {
	args := m.Called(ctx, provider, name, results, ttl)
	return args.Error(0)
}
