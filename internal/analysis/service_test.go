package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markmiedema/nexus-analyzer/internal/domain"
	"github.com/markmiedema/nexus-analyzer/internal/registry"
)

type memRepo struct {
	mu       sync.Mutex
	analyses map[string]*domain.Analysis
	txs      map[string][]domain.Transaction
	fail     error
}

func newMemRepo() *memRepo {
	return &memRepo{analyses: make(map[string]*domain.Analysis), txs: make(map[string][]domain.Transaction)}
}

func (r *memRepo) SaveAnalysis(_ context.Context, clientID string, a *domain.Analysis) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.analyses[clientID+"/"+a.ID] = a
	return nil
}

func (r *memRepo) GetAnalysis(_ context.Context, clientID, id string) (*domain.Analysis, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.analyses[clientID+"/"+id], nil
}

func (r *memRepo) ListAnalyses(context.Context, string, int) ([]*domain.AnalysisSummary, error) {
	return nil, nil
}

func (r *memRepo) SaveTransactions(_ context.Context, clientID, id string, txs []domain.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[clientID+"/"+id] = txs
	return nil
}

func (r *memRepo) GetTransactionsByState(context.Context, string, string, string) ([]domain.Transaction, error) {
	return nil, nil
}

func (r *memRepo) Ping(context.Context) error { return nil }
func (r *memRepo) Close() error               { return nil }

type published struct {
	clientID string
	topic    string
	payload  []byte
}

type recordingBus struct {
	mu   sync.Mutex
	msgs []published
}

func (b *recordingBus) Publish(_ context.Context, clientID, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, published{clientID, topic, payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func (b *recordingBus) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.msgs))
	for _, m := range b.msgs {
		out = append(out, m.topic)
	}
	return out
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	rs, err := registry.Default()
	require.NoError(t, err)
	return NewService(rs, domain.DefaultConfig().Analysis)
}

// ledgerRecords: CA crosses on 2023-03-15, TX stays under, one bad row and
// one state with no rule.
func ledgerRecords() []domain.RawRecord {
	return []domain.RawRecord{
		{Row: 2, Date: "2023-01-10", State: "CA", Amount: "300000"},
		{Row: 3, Date: "2023-03-15", State: "CA", Amount: "250000"},
		{Row: 4, Date: "2023-02-01", State: "TX", Amount: "1000"},
		{Row: 5, Date: "not a date", State: "TX", Amount: "10"},
		{Row: 6, Date: "2023-02-02", State: "MT", Amount: "10"},
	}
}

func TestServiceRun(t *testing.T) {
	repo := newMemRepo()
	bus := &recordingBus{}
	svc := newTestService(t).WithRepository(repo).WithEventBus(bus)

	res, err := svc.Run(context.Background(), "acme", ledgerRecords(), Options{StoreTransactions: true})
	require.NoError(t, err)

	a := res.Analysis
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "acme", a.ClientID)
	assert.Equal(t, Version, a.Version)
	require.Len(t, a.Rejected, 1)
	assert.Equal(t, 5, a.Rejected[0].Row)
	assert.Len(t, res.Transactions, 4)

	ca, ok := a.Result("CA")
	require.True(t, ok)
	assert.True(t, ca.Crossed)
	require.NotNil(t, ca.CrossingDate)
	assert.Equal(t, domain.Date(2023, time.March, 15), *ca.CrossingDate)
	assert.Equal(t, domain.MetricSales, ca.TriggeringMetric)

	tx, ok := a.Result("TX")
	require.True(t, ok)
	assert.False(t, tx.Crossed)

	_, ok = a.Result("MT")
	assert.False(t, ok)

	require.Len(t, a.VDA, 1)
	assert.Equal(t, "CA", a.VDA[0].StateCode)
	assert.True(t, a.VDA[0].Placeholder)

	assert.Equal(t, 2, a.Summary.StatesAnalyzed)
	assert.Equal(t, 1, a.Summary.StatesWithNexus)
	assert.Equal(t, 1, a.Summary.StatesSkipped)
	assert.Equal(t, "CA", a.Summary.EarliestState)

	t.Run("Persisted", func(t *testing.T) {
		stored, err := repo.GetAnalysis(context.Background(), "acme", a.ID)
		require.NoError(t, err)
		assert.Same(t, a, stored)
		assert.Len(t, repo.txs["acme/"+a.ID], 4)
	})

	t.Run("Published", func(t *testing.T) {
		assert.Equal(t, []string{domain.TopicStateCrossed, domain.TopicAnalysisCompleted}, bus.topics())

		var crossed CrossedEvent
		require.NoError(t, json.Unmarshal(bus.msgs[0].payload, &crossed))
		assert.Equal(t, a.ID, crossed.AnalysisID)
		assert.Equal(t, "CA", crossed.Result.StateCode)
		require.NotNil(t, crossed.VDA)
		assert.Equal(t, "CA", crossed.VDA.StateCode)

		var done CompletedEvent
		require.NoError(t, json.Unmarshal(bus.msgs[1].payload, &done))
		assert.Equal(t, "acme", done.ClientID)
		assert.Equal(t, 1, done.Summary.StatesWithNexus)
	})
}

func TestServiceOptions(t *testing.T) {
	svc := newTestService(t)

	t.Run("ID", func(t *testing.T) {
		res, err := svc.Run(context.Background(), "acme", ledgerRecords(), Options{ID: "run-42"})
		require.NoError(t, err)
		assert.Equal(t, "run-42", res.ID)
	})

	t.Run("AsOf", func(t *testing.T) {
		res, err := svc.Run(context.Background(), "acme", ledgerRecords(), Options{AsOf: domain.Date(2023, time.March, 1)})
		require.NoError(t, err)
		ca, ok := res.Result("CA")
		require.True(t, ok)
		assert.False(t, ca.Crossed)
		assert.Empty(t, res.VDA)
	})

	t.Run("States", func(t *testing.T) {
		res, err := svc.Run(context.Background(), "acme", ledgerRecords(), Options{States: []string{"tx"}})
		require.NoError(t, err)
		require.Len(t, res.Results, 1)
		assert.Equal(t, "TX", res.Results[0].StateCode)
	})

	t.Run("NoStoreWithoutRepository", func(t *testing.T) {
		_, err := svc.Run(context.Background(), "acme", ledgerRecords(), Options{StoreTransactions: true})
		assert.NoError(t, err)
	})
}

func TestServiceErrors(t *testing.T) {
	t.Run("NoData", func(t *testing.T) {
		_, err := newTestService(t).Run(context.Background(), "acme", []domain.RawRecord{
			{Row: 2, Date: "", State: "CA", Amount: "1"},
		}, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrNoData)
		assert.True(t, IsInputError(err))
	})

	t.Run("TooLarge", func(t *testing.T) {
		rs, err := registry.Default()
		require.NoError(t, err)
		svc := NewService(rs, domain.AnalysisConfig{Workers: 2, MaxTransactions: 2})
		_, err = svc.Run(context.Background(), "acme", ledgerRecords(), Options{})
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.True(t, IsInputError(err))
	})

	t.Run("RepositoryFailure", func(t *testing.T) {
		repo := newMemRepo()
		repo.fail = errors.New("disk full")
		bus := &recordingBus{}
		_, err := newTestService(t).WithRepository(repo).WithEventBus(bus).
			Run(context.Background(), "acme", ledgerRecords(), Options{})
		require.Error(t, err)
		assert.False(t, IsInputError(err))
		assert.Empty(t, bus.topics())
	})

	t.Run("Cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := newTestService(t).Run(ctx, "acme", ledgerRecords(), Options{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRequestDecoding(t *testing.T) {
	body := `{"id":"r1","asOf":"2023-06-30T00:00:00Z","states":["CA"],"records":[{"date":"2023-01-01","state":"CA","amount":"5"}]}`

	var req Request
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, domain.Date(2023, time.June, 30), req.AsOf)
	assert.Equal(t, []string{"CA"}, req.States)
	require.Len(t, req.Records, 1)
	assert.Equal(t, "5", req.Records[0].Amount)
}
