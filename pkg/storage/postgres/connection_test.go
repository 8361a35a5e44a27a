package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/rentbill/pkg/observability"
	"github.com/platinummonkey/rentbill/pkg/storage"
)

func newPingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestParseReplicaURLs(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected []string
	}{
		{"empty string", "", nil},
		{"single URL", "postgres://localhost:5432/db", []string{"postgres://localhost:5432/db"}},
		{
			"URLs with whitespace and empty entries",
			" postgres://host1:5432/db ,, postgres://host2:5432/db ,",
			[]string{"postgres://host1:5432/db", "postgres://host2:5432/db"},
		},
		{"only commas", " , , ", []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ParseReplicaURLs(tt.input))
		})
	}
}

func TestConnectionConfigFrom(t *testing.T) {
	cfg := storage.DefaultConfig()
	cfg.PostgresURL = "postgres://primary/rentbill"
	cfg.PostgresReplicaURLs = "postgres://r1/rentbill,postgres://r2/rentbill"

	cc := ConnectionConfigFrom(cfg)
	assert.Equal(t, "postgres://primary/rentbill", cc.PrimaryURL)
	assert.Len(t, cc.ReplicaURLs, 2)
	assert.Equal(t, cfg.PostgresMaxConns, cc.MaxConns)
	assert.Equal(t, cfg.PostgresTimeout, cc.Timeout)
}

func TestReplicaPoolSize(t *testing.T) {
	assert.Equal(t, 10, replicaPoolSize(20))
	assert.Equal(t, 2, replicaPoolSize(3))
	assert.Equal(t, 2, replicaPoolSize(0))
}

func TestConnectionManager_Replica(t *testing.T) {
	primary, _ := newPingMock(t)
	defer primary.Close()

	t.Run("falls back to primary", func(t *testing.T) {
		cm := &ConnectionManager{primary: primary}
		assert.Same(t, primary, cm.Replica())
		assert.Same(t, primary, cm.DB().Reader())
		assert.Equal(t, storage.Postgres, cm.DB().Dialect)
	})

	t.Run("round robin", func(t *testing.T) {
		r1, _ := newPingMock(t)
		r2, _ := newPingMock(t)
		defer r1.Close()
		defer r2.Close()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		first := cm.Replica()
		second := cm.Replica()
		assert.NotSame(t, first, second)
		assert.Same(t, first, cm.Replica())
	})
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	ctx := context.Background()

	t.Run("primary down", func(t *testing.T) {
		primary, mock := newPingMock(t)
		defer primary.Close()
		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: primary}
		err := cm.HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})

	t.Run("one replica down is tolerated", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		r2, m2 := newPingMock(t)
		defer primary.Close()
		defer r1.Close()
		defer r2.Close()
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("down"))
		m2.ExpectPing()

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
		assert.NoError(t, cm.HealthCheck(ctx))
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := newPingMock(t)
		r1, m1 := newPingMock(t)
		defer primary.Close()
		defer r1.Close()
		pm.ExpectPing()
		m1.ExpectPing().WillReturnError(errors.New("down"))

		cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1}}
		err := cm.HealthCheck(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "replica-0")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	primary, _ := newPingMock(t)
	r1, m1 := newPingMock(t)
	r2, m2 := newPingMock(t)
	defer primary.Close()
	defer r2.Close()
	m1.ExpectPing().WillReturnError(errors.New("down"))
	m1.ExpectClose()
	m2.ExpectPing()

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1, r2}}
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Same(t, r2, cm.Replica())
	assert.Len(t, cm.Stats().Replicas, 1)
}

func TestConnectionManager_StartHealthCheckRoutine(t *testing.T) {
	primary, _ := newPingMock(t)
	r1, m1 := newPingMock(t)
	defer primary.Close()
	m1.ExpectPing().WillReturnError(errors.New("down"))
	m1.ExpectClose()

	cm := &ConnectionManager{
		primary:  primary,
		replicas: []*sql.DB{r1},
		logger:   observability.NewNopLogger(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cm.StartHealthCheckRoutine(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		cm.mu.RLock()
		defer cm.mu.RUnlock()
		return len(cm.replicas) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionManager_Close(t *testing.T) {
	primary, pm := newPingMock(t)
	r1, m1 := newPingMock(t)
	pm.ExpectClose()
	m1.ExpectClose().WillReturnError(errors.New("close failed"))

	cm := &ConnectionManager{primary: primary, replicas: []*sql.DB{r1}}
	err := cm.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica-0 close error")
	assert.Empty(t, cm.replicas)
}
