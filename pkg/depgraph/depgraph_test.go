package depgraph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShouldRefreshUnknownNodeIsAlwaysDue(t *testing.T) {
	m := New()
	assert.True(t, m.ShouldRefresh("r1", time.Hour, nil, time.Now()))
}

func TestShouldRefreshNoDependenciesUsesFloorPeriod(t *testing.T) {
	m := New()
	now := time.Now()
	m.UpdateDependencies("r1", nil, false, now)

	assert.False(t, m.ShouldRefresh("r1", time.Hour, nil, now.Add(30*time.Minute)))
	assert.True(t, m.ShouldRefresh("r1", time.Hour, nil, now.Add(2*time.Hour)))
}

func TestShouldRefreshKnownDependencyModTime(t *testing.T) {
	m := New()
	now := time.Now()
	m.UpdateDependencies("r1", []string{"ds-1"}, false, now)

	modTimes := map[string]time.Time{"ds-1": now.Add(-time.Minute)}
	assert.False(t, m.ShouldRefresh("r1", time.Hour, modTimes, now.Add(time.Minute)))

	modTimes["ds-1"] = now.Add(time.Minute)
	assert.True(t, m.ShouldRefresh("r1", time.Hour, modTimes, now.Add(2*time.Minute)))
}

func TestUpdateDependenciesPrunesStaleEdges(t *testing.T) {
	m := New()
	now := time.Now()
	m.UpdateDependencies("r1", []string{"ds-1"}, false, now)
	m.UpdateDependencies("r1", []string{"ds-2"}, false, now)

	// r1 no longer depends on ds-1, so a later mtime on ds-1 alone must not
	// trigger a refresh.
	modTimes := map[string]time.Time{"ds-1": now.Add(time.Hour)}
	assert.False(t, m.ShouldRefresh("r1", time.Hour, modTimes, now.Add(time.Minute)))
}

func TestDontGiveUpCascades(t *testing.T) {
	m := New()
	now := time.Now()
	// r2 depends on r1; r2 mandates infinite retry.
	m.UpdateDependencies("r1", nil, false, now)
	m.UpdateDependencies("r2", []string{"r1"}, true, now)

	assert.True(t, m.DontGiveUp("r1"))
	assert.True(t, m.DontGiveUp("r2"))
	assert.False(t, m.DontGiveUp("r3"))
}

func TestDontGiveUpDoesNotCascadeDownstream(t *testing.T) {
	m := New()
	now := time.Now()
	m.UpdateDependencies("r1", nil, true, now)
	m.UpdateDependencies("r2", []string{"r1"}, false, now)

	// r2 does not itself mandate infinite retry, and r1's flag does not
	// propagate downstream to a reflection that depends on r1.
	assert.False(t, m.DontGiveUp("r2"))
}

func TestReflectionHasKnownDependencies(t *testing.T) {
	m := New()
	assert.False(t, m.ReflectionHasKnownDependencies("r1"))

	m.UpdateDependencies("r1", nil, false, time.Now())
	assert.False(t, m.ReflectionHasKnownDependencies("r1"), "an empty dependency set is not a known dependency set")

	m.UpdateDependencies("r1", []string{"ds-1"}, false, time.Now())
	assert.True(t, m.ReflectionHasKnownDependencies("r1"))
}

func TestDeleteRemovesNodeAndDependentsIndex(t *testing.T) {
	m := New()
	now := time.Now()
	m.UpdateDependencies("r1", []string{"ds-1"}, false, now)
	m.UpdateDependencies("r2", []string{"r1"}, true, now)

	m.Delete("r1")

	assert.True(t, m.ShouldRefresh("r1", time.Hour, nil, now), "a deleted node has no history, so it is treated as never-refreshed")
	// r2's own edges are untouched by deleting r1; its dontGiveUp flag
	// survives independently of r1's presence.
	assert.True(t, m.DontGiveUp("r2"))
}
