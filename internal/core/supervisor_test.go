package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgemesh/supervisor/internal/model"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg := NewConfig(true, t.TempDir())
	sup, err := New(cfg)
	require.NoError(t, err)
	return sup
}

func TestNewWiresAllEngines(t *testing.T) {
	sup := newTestSupervisor(t)
	assert.NotNil(t, sup.Tree)
	assert.NotNil(t, sup.Bus)
	assert.NotNil(t, sup.Scheduler)
	assert.NotNil(t, sup.Merge)
	assert.NotNil(t, sup.Bootstrap)
	assert.NotNil(t, sup.Catalog)
}

func TestRunPersistsSnapshotOnShutdown(t *testing.T) {
	sup := newTestSupervisor(t)
	sup.Catalog.Register("web", "1.0.0", &model.Component{Name: "web", Version: "1.0.0"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	doc := &model.DeploymentDocument{
		DeploymentID:  "d1",
		Timestamp:     1,
		Packages:      map[string]model.PackageRequest{"web": {Version: "1.0.0"}},
		FailurePolicy: model.FailureDoNothing,
		Validation:    model.ConfigurationValidationPolicy{Timeout: time.Second},
	}
	result, err := sup.Merge.Apply(context.Background(), doc)
	require.NoError(t, err)
	assert.Equal(t, model.ResultSuccessful, result.Kind)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
