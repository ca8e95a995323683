package engine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trailengine/internal/config"
	"trailengine/internal/resolver"
	"trailengine/internal/store"
	"trailengine/internal/synchub"
	"trailengine/internal/types"
)

type fakeGraph struct {
	neighbors map[string][]types.NeighborEdge
}

func (g *fakeGraph) LookupEdge(ctx context.Context, node, edgeName string) ([]types.Node, error) {
	var dests []types.Node
	for _, ne := range g.neighbors[node] {
		if ne.EdgeName == edgeName {
			dests = append(dests, ne.Node)
		}
	}
	return dests, nil
}

func (g *fakeGraph) Neighbors(ctx context.Context, node string) ([]types.NeighborEdge, error) {
	return g.neighbors[node], nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	for key, vec := range f.vectors {
		if strings.Contains(text, key) {
			return vec, nil
		}
	}
	return []float32{0, 0}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i], _ = f.Embed(ctx, text)
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return 2 }
func (f *fakeEmbedder) Name() string    { return "fake:v1" }

type fixture struct {
	engine *Engine
	trails *store.TrailStore
	hub    *synchub.Hub
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	trails, err := store.NewTrailStore(filepath.Join(t.TempDir(), "trails.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { trails.Close() })

	graph := &fakeGraph{neighbors: map[string][]types.NeighborEdge{
		"n1": {
			{EdgeName: "cites", Node: types.Node{ID: "n2", Kind: "paper", Label: "compilers survey"}},
			{EdgeName: "cites", Node: types.Node{ID: "n3", Kind: "paper", Label: "parsing history"}},
			{EdgeName: "refutes", Node: types.Node{ID: "n4", Kind: "paper", Label: "gardening tips"}},
		},
		"n2": {
			{EdgeName: "cites", Node: types.Node{ID: "n5", Kind: "paper", Label: "type systems"}},
		},
	}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"compilers": {1, 0},
		"parsing":   {0.8, 0.6},
		"gardening": {0, 1},
	}}
	res := resolver.New(graph, embedder, nil, config.ResolverConfig{SimilarityThreshold: 0.55}, time.Second)
	hub := synchub.New(16)
	return &fixture{
		engine: New(trails, graph, res, embedder, hub),
		trails: trails,
		hub:    hub,
	}
}

func (f *fixture) newTrail(t *testing.T) *types.Trail {
	t.Helper()
	trail, err := f.trails.CreateTrail("test trail", "ada")
	require.NoError(t, err)
	return trail
}

func TestNavigateStructuralEdge(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)

	result, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID:         trail.ID,
		ExpectedVersion: 1,
		Explorer:        "ada",
		Source:          "n1",
		Edge:            "cites",
		Reasoning:       "about compilers",
	})
	require.NoError(t, err)
	assert.Equal(t, types.NavCommitted, result.State)
	assert.Equal(t, []string{"n2", "n3"}, result.Step.Destinations)
	assert.False(t, result.Step.DeadEnd)
	assert.EqualValues(t, 2, result.Trail.Version)
	assert.Equal(t, "fake:v1", result.Step.EmbeddingModel, "reasoning must be embedded on commit")
}

func TestNavigateSemanticEdge(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)

	result, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID:         trail.ID,
		ExpectedVersion: 1,
		Explorer:        "ada",
		Source:          "n1",
		Edge:            "semantic:work on compilers",
	})
	require.NoError(t, err)
	assert.Equal(t, types.NavCommitted, result.State)
	require.NotEmpty(t, result.Step.Destinations)
	assert.Equal(t, "n2", result.Step.Destinations[0], "best vector match ranks first")
	assert.NotContains(t, result.Step.Destinations, "n4", "below-threshold candidates excluded")
}

func TestNavigateDeadEndIsRecorded(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)

	result, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID:         trail.ID,
		ExpectedVersion: 1,
		Explorer:        "ada",
		Source:          "n1",
		Edge:            "contradicts",
	})
	require.NoError(t, err)
	assert.Equal(t, types.NavCommitted, result.State)
	assert.True(t, result.Step.DeadEnd)
	assert.Empty(t, result.Step.Destinations)

	// The attempt is part of the audit trail, not discarded.
	read, err := f.trails.ReadTrail(trail.ID)
	require.NoError(t, err)
	require.Len(t, read.Steps, 1)
	assert.True(t, read.Steps[0].DeadEnd)
}

func TestNavigateVersionConflict(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)

	_, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID: trail.ID, ExpectedVersion: 1, Explorer: "ada", Source: "n1", Edge: "cites",
	})
	require.NoError(t, err)

	// Second explorer raced with a stale version.
	result, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID: trail.ID, ExpectedVersion: 1, Explorer: "bob", Source: "n1", Edge: "refutes",
	})
	require.ErrorIs(t, err, types.ErrVersionConflict)
	require.NotNil(t, result)
	assert.Equal(t, types.NavConflicted, result.State)

	read, err := f.trails.ReadTrail(trail.ID)
	require.NoError(t, err)
	assert.Len(t, read.Steps, 1, "losing navigation must not commit")
	assert.EqualValues(t, 2, read.Version)
}

func TestNavigateSourceDefaultsToTrailHead(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)

	_, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID: trail.ID, ExpectedVersion: 1, Explorer: "ada", Source: "n1", Edge: "cites",
	})
	require.NoError(t, err)

	// No source given: continue from the head (first destination of the
	// last step, n2).
	result, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID: trail.ID, ExpectedVersion: 2, Explorer: "ada", Edge: "cites",
	})
	require.NoError(t, err)
	assert.Equal(t, "n2", result.Step.Source)
	assert.Equal(t, []string{"n5"}, result.Step.Destinations)
}

func TestNavigateExpiredDeadline(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err := f.engine.Navigate(ctx, NavigateRequest{
		TrailID: trail.ID, ExpectedVersion: 1, Explorer: "ada", Source: "n1", Edge: "cites",
	})
	require.ErrorIs(t, err, types.ErrTimeout)

	read, rerr := f.trails.ReadTrail(trail.ID)
	require.NoError(t, rerr)
	assert.Empty(t, read.Steps, "timed-out navigation must not commit a partial step")
	assert.EqualValues(t, 1, read.Version)
}

func TestNavigateBroadcastsCommittedStep(t *testing.T) {
	f := newFixture(t)
	trail := f.newTrail(t)
	sub := f.hub.Subscribe(trail.ID, "watcher")
	defer f.hub.Unsubscribe(sub)
	<-sub.Events // own join event

	_, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID: trail.ID, ExpectedVersion: 1, Explorer: "ada", Source: "n1", Edge: "cites",
	})
	require.NoError(t, err)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, types.EventStepAdded, ev.Type)
		assert.Equal(t, "ada", ev.Explorer)
		assert.EqualValues(t, 2, ev.Version)
		require.NotNil(t, ev.Step)
		assert.Equal(t, []string{"n2", "n3"}, ev.Step.Destinations)
	case <-time.After(time.Second):
		t.Fatal("no event broadcast after committed navigation")
	}
}

func TestNavigateUnknownTrail(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Navigate(context.Background(), NavigateRequest{
		TrailID: "ghost", ExpectedVersion: 1, Explorer: "ada", Source: "n1", Edge: "cites",
	})
	require.ErrorIs(t, err, types.ErrTrailNotFound)
}
