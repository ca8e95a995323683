package forkmerge

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"trailengine/internal/logging"
	"trailengine/internal/resolver"
	"trailengine/internal/types"
)

// mergeUnion concatenates all distinct steps across sources, ordered by
// timestamp. Identical timestamps (concurrent appends) break ties by
// explorer then source trail id so the merge is reproducible.
func mergeUnion(sources []*types.Trail) []types.TrailStep {
	type taggedStep struct {
		step    types.TrailStep
		trailID string
	}

	seen := make(map[string]bool)
	var tagged []taggedStep
	for _, trail := range sources {
		for _, step := range trail.Steps {
			hash := step.ContentHash()
			if seen[hash] {
				continue
			}
			seen[hash] = true
			tagged = append(tagged, taggedStep{step: step, trailID: trail.ID})
		}
	}

	sort.SliceStable(tagged, func(i, j int) bool {
		ti, tj := tagged[i].step.Timestamp, tagged[j].step.Timestamp
		if !ti.Equal(tj) {
			return ti.Before(tj)
		}
		if tagged[i].step.Explorer != tagged[j].step.Explorer {
			return tagged[i].step.Explorer < tagged[j].step.Explorer
		}
		return tagged[i].trailID < tagged[j].trailID
	})

	steps := make([]types.TrailStep, len(tagged))
	for i, t := range tagged {
		steps[i] = t.step
	}
	return steps
}

// mergeIntersection keeps only steps whose (source, edge, destination-set)
// triple appears in every source, in the first source's order.
func mergeIntersection(sources []*types.Trail) []types.TrailStep {
	counts := make(map[string]int)
	for _, trail := range sources {
		perTrail := make(map[string]bool)
		for _, step := range trail.Steps {
			hash := step.ContentHash()
			if !perTrail[hash] {
				perTrail[hash] = true
				counts[hash]++
			}
		}
	}

	var steps []types.TrailStep
	emitted := make(map[string]bool)
	for _, step := range sources[0].Steps {
		hash := step.ContentHash()
		if counts[hash] == len(sources) && !emitted[hash] {
			emitted[hash] = true
			steps = append(steps, step)
		}
	}
	return steps
}

// mergeRebase replays the second trail's steps after the first, re-resolving
// semantic edges against the current graph. Resolution is context-dependent,
// so a replayed step can land somewhere new; when the re-resolved destination
// set diverges materially from what the step recorded (Jaccard similarity
// below the configured threshold) a conflict is raised for the explorer.
func (m *Manager) mergeRebase(ctx context.Context, sources []*types.Trail) ([]types.TrailStep, []types.MergeConflict, error) {
	if len(sources) != 2 {
		return nil, nil, fmt.Errorf("rebase merges exactly two trails, got %d", len(sources))
	}
	base, replayed := sources[0], sources[1]

	proposed := append([]types.TrailStep(nil), base.Steps...)
	var conflicts []types.MergeConflict

	for _, step := range replayed.Steps {
		idx := len(proposed)
		if !types.IsSemanticEdge(step.Edge) {
			proposed = append(proposed, step)
			continue
		}

		// Vector-only re-resolution keeps the replay deterministic.
		newDests := []string{}
		res, err := m.resolver.ResolveVector(ctx, step.Source, types.SemanticQuery(step.Edge))
		if err != nil && !errors.Is(err, resolver.ErrNoCandidates) {
			return nil, nil, err
		}
		if res != nil {
			for _, c := range res.Candidates {
				newDests = append(newDests, c.Node.ID)
			}
		}

		similarity := jaccard(step.Destinations, newDests)
		rebased := step
		rebased.Destinations = newDests
		rebased.DeadEnd = len(newDests) == 0
		proposed = append(proposed, rebased)

		if similarity < m.rebaseThreshold {
			conflicts = append(conflicts, types.MergeConflict{
				ID:            uuid.NewString(),
				SourceTrailID: replayed.ID,
				StepIndex:     idx,
				Reason: fmt.Sprintf("re-resolution of %q diverged (similarity %.2f < %.2f)",
					types.SemanticQuery(step.Edge), similarity, m.rebaseThreshold),
				Recorded:   step.Destinations,
				Reresolved: newDests,
			})
			logging.MergeDebug("Rebase conflict at step %d: recorded=%v reresolved=%v", idx, step.Destinations, newDests)
		}
	}

	return proposed, conflicts, nil
}

// mergeSynthesis asks the reasoning model for a minimal step sequence that
// preserves the meaning of all sources. The proposal always surfaces as a
// pending merge with a single approval conflict; it is never committed
// without an explicit ResolveConflict("approve").
func (m *Manager) mergeSynthesis(ctx context.Context, sources []*types.Trail, explorer string) ([]types.TrailStep, []types.MergeConflict, error) {
	var sb strings.Builder
	sb.WriteString("You are merging exploration trails over a knowledge graph.\n")
	sb.WriteString("Propose a minimal step sequence that preserves the meaning of all trails without simply concatenating them.\n\n")
	for _, trail := range sources {
		fmt.Fprintf(&sb, "Trail %q:\n", trail.Name)
		for _, step := range trail.Steps {
			fmt.Fprintf(&sb, "  %s -[%s]-> %s", step.Source, step.Edge, strings.Join(step.Destinations, ","))
			if step.Reasoning != "" {
				fmt.Fprintf(&sb, "  (%s)", step.Reasoning)
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Reply with one step per line in the form:\n")
	sb.WriteString("source | edge | dest1,dest2 | reasoning\n")
	sb.WriteString("Use only nodes and edges that appear above. No other text.\n")

	reply, err := m.llm.Complete(ctx, sb.String())
	if err != nil {
		return nil, nil, fmt.Errorf("synthesis completion failed: %w", err)
	}

	steps, err := parseSynthesizedSteps(reply, explorer)
	if err != nil {
		return nil, nil, err
	}

	conflict := types.MergeConflict{
		ID:     uuid.NewString(),
		Reason: fmt.Sprintf("synthesized %d steps require explorer approval", len(steps)),
	}
	return steps, []types.MergeConflict{conflict}, nil
}

// parseSynthesizedSteps parses "source | edge | dests | reasoning" lines.
// Malformed lines are skipped; an empty proposal is an error.
func parseSynthesizedSteps(reply, explorer string) ([]types.TrailStep, error) {
	now := time.Now().UTC()
	var steps []types.TrailStep
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		source := strings.TrimSpace(parts[0])
		edge := strings.TrimSpace(parts[1])
		if source == "" || edge == "" {
			continue
		}
		var dests []string
		for _, d := range strings.Split(parts[2], ",") {
			if d = strings.TrimSpace(d); d != "" {
				dests = append(dests, d)
			}
		}
		reasoning := ""
		if len(parts) > 3 {
			reasoning = strings.TrimSpace(parts[3])
		}
		steps = append(steps, types.TrailStep{
			Index:        len(steps),
			Timestamp:    now,
			Explorer:     explorer,
			Source:       source,
			Edge:         edge,
			Destinations: dests,
			Reasoning:    reasoning,
			DeadEnd:      len(dests) == 0,
		})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("synthesis reply contained no parseable steps")
	}
	return steps, nil
}

// jaccard measures destination-set overlap. Two empty sets are identical.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	setA := make(map[string]bool, len(a))
	for _, x := range a {
		setA[x] = true
	}
	setB := make(map[string]bool, len(b))
	for _, x := range b {
		setB[x] = true
	}
	intersection := 0
	for x := range setB {
		if setA[x] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}
