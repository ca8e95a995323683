package forkmerge

import (
	"context"
	"errors"
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

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string) (string, error) {
	return f.reply, f.err
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, system, user string) (string, error) {
	return f.reply, f.err
}

type fixture struct {
	manager *Manager
	trails  *store.TrailStore
	hub     *synchub.Hub
	llm     *fakeLLM
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	trails, err := store.NewTrailStore(filepath.Join(t.TempDir(), "trails.db"), false)
	require.NoError(t, err)
	t.Cleanup(func() { trails.Close() })

	graph := &fakeGraph{neighbors: map[string][]types.NeighborEdge{
		"a": {
			{EdgeName: "related", Node: types.Node{ID: "x", Kind: "concept", Label: "compilers"}},
			{EdgeName: "related", Node: types.Node{ID: "y", Kind: "concept", Label: "parsing"}},
		},
	}}
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"compilers": {1, 0},
		"parsing":   {0.8, 0.6},
	}}
	res := resolver.New(graph, embedder, nil, config.ResolverConfig{SimilarityThreshold: 0.55}, time.Second)
	hub := synchub.New(16)
	llm := &fakeLLM{}
	return &fixture{
		manager: New(trails, res, llm, hub, config.MergeConfig{RebaseThreshold: 0.85}),
		trails:  trails,
		hub:     hub,
		llm:     llm,
	}
}

func (f *fixture) trailWithSteps(t *testing.T, name string, steps ...types.TrailStep) *types.Trail {
	t.Helper()
	trail, err := f.trails.CreateTrail(name, "ada")
	require.NoError(t, err)
	for i, step := range steps {
		step.Index = i
		trail, err = f.trails.AppendStep(trail.ID, trail.Version, step)
		require.NoError(t, err)
	}
	return trail
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, sec, 0, time.UTC)
}

func stepAt(ts time.Time, explorer, source, edge string, dests ...string) types.TrailStep {
	return types.TrailStep{
		Timestamp:    ts,
		Explorer:     explorer,
		Source:       source,
		Edge:         edge,
		Destinations: dests,
	}
}

func TestForkBroadcasts(t *testing.T) {
	f := newFixture(t)
	parent := f.trailWithSteps(t, "main",
		stepAt(at(0), "ada", "n1", "cites", "n2"),
		stepAt(at(1), "ada", "n2", "cites", "n3"),
	)
	sub := f.hub.Subscribe(parent.ID, "watcher")
	defer f.hub.Unsubscribe(sub)
	<-sub.Events // own join event

	child, err := f.manager.Fork(parent.ID, 0, "bob", "branch")
	require.NoError(t, err)
	assert.Len(t, child.Steps, 1)

	select {
	case ev := <-sub.Events:
		assert.Equal(t, types.EventForkCreated, ev.Type)
		assert.Equal(t, child.ID, ev.ForkID)
		assert.Equal(t, "bob", ev.Explorer)
	case <-time.After(time.Second):
		t.Fatal("no fork event broadcast")
	}
}

func TestMergeRequiresTwoSources(t *testing.T) {
	f := newFixture(t)
	trail := f.trailWithSteps(t, "only", stepAt(at(0), "ada", "n1", "cites", "n2"))
	_, err := f.manager.Merge(context.Background(), []string{trail.ID}, types.MergeUnion, "ada", "")
	assert.Error(t, err)
}

func TestMergeUnionDedupesAndOrdersByTimestamp(t *testing.T) {
	f := newFixture(t)
	shared := stepAt(at(0), "ada", "n1", "cites", "n2")
	left := f.trailWithSteps(t, "left",
		shared,
		stepAt(at(2), "ada", "n2", "cites", "n3"),
	)
	right := f.trailWithSteps(t, "right",
		shared,
		stepAt(at(1), "bob", "n2", "refutes", "n4"),
	)

	merge, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeUnion, "ada", "combined")
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, merge.Status)
	assert.Empty(t, merge.Conflicts, "union cannot conflict by construction")
	require.NotEmpty(t, merge.TargetID)

	target, err := f.trails.ReadTrail(merge.TargetID)
	require.NoError(t, err)
	require.Len(t, target.Steps, 3, "shared step must appear once")
	assert.Equal(t, "cites", target.Steps[0].Edge)
	assert.Equal(t, "refutes", target.Steps[1].Edge, "timestamp order, not source order")
	assert.Equal(t, []string{"n3"}, target.Steps[2].Destinations)

	// Sources are marked merged into the target.
	leftNow, _ := f.trails.ReadTrail(left.ID)
	assert.Equal(t, merge.TargetID, leftNow.MergedInto)
}

func TestMergeUnionTieBreaksByExplorer(t *testing.T) {
	f := newFixture(t)
	left := f.trailWithSteps(t, "left", stepAt(at(0), "zoe", "n1", "cites", "n2"))
	right := f.trailWithSteps(t, "right", stepAt(at(0), "ada", "n1", "refutes", "n3"))

	merge, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeUnion, "ada", "")
	require.NoError(t, err)

	target, err := f.trails.ReadTrail(merge.TargetID)
	require.NoError(t, err)
	require.Len(t, target.Steps, 2)
	assert.Equal(t, "ada", target.Steps[0].Explorer, "identical timestamps order by explorer")
	assert.Equal(t, "zoe", target.Steps[1].Explorer)
}

func TestMergeIntersectionKeepsCommonTriples(t *testing.T) {
	f := newFixture(t)
	left := f.trailWithSteps(t, "left",
		stepAt(at(0), "ada", "n1", "cites", "n2"),
		stepAt(at(1), "ada", "n2", "cites", "n3"),
	)
	// Same triple, different explorer and time: still common.
	right := f.trailWithSteps(t, "right",
		stepAt(at(5), "bob", "n1", "cites", "n2"),
		stepAt(at(6), "bob", "n2", "refutes", "n9"),
	)

	merge, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeIntersection, "ada", "")
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, merge.Status)

	target, err := f.trails.ReadTrail(merge.TargetID)
	require.NoError(t, err)
	require.Len(t, target.Steps, 1)
	assert.Equal(t, "n1", target.Steps[0].Source)
	assert.Equal(t, []string{"n2"}, target.Steps[0].Destinations)
}

func TestMergeRebaseCompletesWhenResolutionStable(t *testing.T) {
	f := newFixture(t)
	base := f.trailWithSteps(t, "base", stepAt(at(0), "ada", "n1", "cites", "a"))
	// The semantic step re-resolves to the same destination set it recorded.
	branch := f.trailWithSteps(t, "branch",
		stepAt(at(1), "bob", "a", "semantic:compilers work", "x", "y"),
	)

	merge, err := f.manager.Merge(context.Background(), []string{base.ID, branch.ID}, types.MergeRebase, "ada", "")
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, merge.Status)
	assert.Empty(t, merge.Conflicts)

	target, err := f.trails.ReadTrail(merge.TargetID)
	require.NoError(t, err)
	require.Len(t, target.Steps, 2)
	assert.ElementsMatch(t, []string{"x", "y"}, target.Steps[1].Destinations)
}

func TestMergeRebaseConflictAndResolution(t *testing.T) {
	f := newFixture(t)
	base := f.trailWithSteps(t, "base", stepAt(at(0), "ada", "n1", "cites", "a"))
	// Recorded destination no longer matches what resolution yields now.
	branch := f.trailWithSteps(t, "branch",
		stepAt(at(1), "bob", "a", "semantic:compilers work", "stale-node"),
	)

	merge, err := f.manager.Merge(context.Background(), []string{base.ID, branch.ID}, types.MergeRebase, "ada", "")
	require.ErrorIs(t, err, types.ErrMergePending)
	require.NotNil(t, merge, "pending merge record accompanies the sentinel")
	assert.Equal(t, types.MergeStatusPending, merge.Status)
	require.Len(t, merge.Conflicts, 1)
	assert.True(t, merge.Pending())
	assert.Empty(t, merge.TargetID, "pending merge must not create a target")

	conflict := merge.Conflicts[0]
	assert.Equal(t, branch.ID, conflict.SourceTrailID)
	assert.Equal(t, []string{"stale-node"}, conflict.Recorded)
	assert.ElementsMatch(t, []string{"x", "y"}, conflict.Reresolved)

	// The pending record survives a reload.
	reloaded, err := f.manager.GetMerge(merge.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.Pending())

	resolved, err := f.manager.ResolveConflict(merge.ID, conflict.ID, ResolutionKeepRecorded)
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, resolved.Status)
	require.NotEmpty(t, resolved.TargetID)

	target, err := f.trails.ReadTrail(resolved.TargetID)
	require.NoError(t, err)
	require.Len(t, target.Steps, 2)
	assert.Equal(t, []string{"stale-node"}, target.Steps[1].Destinations)
}

func TestMergeSynthesisNeverAutoCommits(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = "n1 | cites | n2 | strongest shared thread\nn2 | refutes | n9 | minority view"
	left := f.trailWithSteps(t, "left", stepAt(at(0), "ada", "n1", "cites", "n2"))
	right := f.trailWithSteps(t, "right", stepAt(at(1), "bob", "n2", "refutes", "n9"))

	merge, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeSynthesis, "ada", "")
	require.ErrorIs(t, err, types.ErrMergePending)
	require.NotNil(t, merge)
	assert.Equal(t, types.MergeStatusPending, merge.Status)
	assert.Empty(t, merge.TargetID)
	require.Len(t, merge.Proposed, 2)
	require.Len(t, merge.Conflicts, 1, "synthesis always requires approval")

	approved, err := f.manager.ResolveConflict(merge.ID, merge.Conflicts[0].ID, ResolutionApprove)
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, approved.Status)
	require.NotEmpty(t, approved.TargetID)

	target, err := f.trails.ReadTrail(approved.TargetID)
	require.NoError(t, err)
	require.Len(t, target.Steps, 2)
	assert.Equal(t, "n1", target.Steps[0].Source)
	assert.Equal(t, "minority view", target.Steps[1].Reasoning)
}

func TestMergeSynthesisDiscard(t *testing.T) {
	f := newFixture(t)
	f.llm.reply = "n1 | cites | n2 | proposal"
	left := f.trailWithSteps(t, "left", stepAt(at(0), "ada", "n1", "cites", "n2"))
	right := f.trailWithSteps(t, "right", stepAt(at(1), "bob", "n2", "refutes", "n9"))

	merge, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeSynthesis, "ada", "")
	require.ErrorIs(t, err, types.ErrMergePending)

	discarded, err := f.manager.ResolveConflict(merge.ID, merge.Conflicts[0].ID, ResolutionDiscard)
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, discarded.Status)
	assert.Empty(t, discarded.TargetID, "discarded synthesis creates no trail")
}

func TestMergeSynthesisFailsWhenLLMErrors(t *testing.T) {
	f := newFixture(t)
	f.llm.err = errors.New("model unavailable")
	left := f.trailWithSteps(t, "left", stepAt(at(0), "ada", "n1", "cites", "n2"))
	right := f.trailWithSteps(t, "right", stepAt(at(1), "bob", "n2", "refutes", "n9"))

	_, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeSynthesis, "ada", "")
	assert.Error(t, err)
}

func TestResolveConflictValidation(t *testing.T) {
	f := newFixture(t)
	base := f.trailWithSteps(t, "base", stepAt(at(0), "ada", "n1", "cites", "a"))
	branch := f.trailWithSteps(t, "branch", stepAt(at(1), "bob", "a", "semantic:compilers work", "stale-node"))

	merge, err := f.manager.Merge(context.Background(), []string{base.ID, branch.ID}, types.MergeRebase, "ada", "")
	require.ErrorIs(t, err, types.ErrMergePending)
	require.True(t, merge.Pending())
	conflictID := merge.Conflicts[0].ID

	_, err = f.manager.ResolveConflict("ghost", conflictID, ResolutionKeepRecorded)
	assert.ErrorIs(t, err, types.ErrMergeNotFound)

	_, err = f.manager.ResolveConflict(merge.ID, "ghost", ResolutionKeepRecorded)
	assert.Error(t, err)

	_, err = f.manager.ResolveConflict(merge.ID, conflictID, "flip-a-coin")
	assert.Error(t, err)

	_, err = f.manager.ResolveConflict(merge.ID, conflictID, ResolutionApprove)
	assert.Error(t, err, "approve only applies to synthesis")

	// A valid resolution still works after the rejected attempts.
	resolved, err := f.manager.ResolveConflict(merge.ID, conflictID, ResolutionUseReresolved)
	require.NoError(t, err)
	assert.Equal(t, types.MergeStatusComplete, resolved.Status)
	target, err := f.trails.ReadTrail(resolved.TargetID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"x", "y"}, target.Steps[1].Destinations)
}

func TestMergeUnknownStrategyRejected(t *testing.T) {
	f := newFixture(t)
	left := f.trailWithSteps(t, "left", stepAt(at(0), "ada", "n1", "cites", "n2"))
	right := f.trailWithSteps(t, "right", stepAt(at(1), "bob", "n2", "refutes", "n9"))

	_, err := f.manager.Merge(context.Background(), []string{left.ID, right.ID}, types.MergeStrategy("cherry-pick"), "ada", "")
	assert.ErrorIs(t, err, types.ErrUnknownStrategy)
}

// hashes projects a trail onto its step content hashes, ignoring order and
// provenance.
func hashes(trail *types.Trail) []string {
	out := make([]string, len(trail.Steps))
	for i, step := range trail.Steps {
		out[i] = step.ContentHash()
	}
	return out
}

func TestMergeAssociativity(t *testing.T) {
	f := newFixture(t)
	shared := stepAt(at(0), "ada", "n1", "cites", "x")
	a := f.trailWithSteps(t, "a", shared, stepAt(at(1), "ada", "x", "cites", "p"))
	b := f.trailWithSteps(t, "b", shared, stepAt(at(2), "bob", "x", "cites", "q"))
	c := f.trailWithSteps(t, "c", shared, stepAt(at(3), "cyd", "x", "cites", "r"))

	for _, strategy := range []types.MergeStrategy{types.MergeUnion, types.MergeIntersection} {
		ab, err := f.manager.Merge(context.Background(), []string{a.ID, b.ID}, strategy, "ada", "")
		require.NoError(t, err)
		abc, err := f.manager.Merge(context.Background(), []string{ab.TargetID, c.ID}, strategy, "ada", "")
		require.NoError(t, err)

		bc, err := f.manager.Merge(context.Background(), []string{b.ID, c.ID}, strategy, "ada", "")
		require.NoError(t, err)
		acb, err := f.manager.Merge(context.Background(), []string{a.ID, bc.TargetID}, strategy, "ada", "")
		require.NoError(t, err)

		left, err := f.trails.ReadTrail(abc.TargetID)
		require.NoError(t, err)
		right, err := f.trails.ReadTrail(acb.TargetID)
		require.NoError(t, err)
		assert.ElementsMatch(t, hashes(left), hashes(right), "%s grouping changed the step set", strategy)
	}
}
