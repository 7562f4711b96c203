package unlock

import (
	"math/rand"
	"testing"

	"github.com/drallgood/course-progress-sync/internal/logger"
	"github.com/drallgood/course-progress-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type completionMap map[string]bool

func (c completionMap) IsCompleted(id string) bool { return c[id] }

func testModules() []models.Module {
	return []models.Module{
		{ID: "m1", Position: 0, Items: []models.ContentItem{{ID: "a"}, {ID: "b"}}},
		{ID: "m2", Position: 1, Items: []models.ContentItem{{ID: "c"}}},
		{ID: "m3", Position: 2, Items: []models.ContentItem{{ID: "d"}}},
	}
}

func TestEngine_FirstModuleAlwaysUnlocked(t *testing.T) {
	e := New(testModules(), completionMap{}, logger.Nop())
	assert.True(t, e.IsUnlocked(0))
	assert.False(t, e.IsUnlocked(1))
	assert.False(t, e.IsUnlocked(2))
	assert.False(t, e.IsUnlocked(7))

	e = New(testModules(), nil, logger.Nop())
	assert.True(t, e.IsUnlocked(0))
}

func TestEngine_EmptyModuleIsNeverComplete(t *testing.T) {
	modules := []models.Module{{ID: "empty"}, {ID: "m2", Items: []models.ContentItem{{ID: "x"}}}}
	e := New(modules, completionMap{"x": true}, logger.Nop())

	assert.False(t, e.IsCompleted(0))
	assert.False(t, e.IsUnlocked(1))
}

func TestEngine_UnlockScenario(t *testing.T) {
	done := completionMap{}
	e := New(testModules(), done, logger.Nop())

	var seen []Transition
	e.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	done["a"] = true
	assert.Empty(t, e.Recompute())
	assert.False(t, e.IsCompleted(0))
	assert.False(t, e.IsUnlocked(1))
	assert.False(t, e.Expanded(1))

	done["b"] = true
	transitions := e.Recompute()
	require.Len(t, transitions, 2)
	assert.Equal(t, Transition{ModuleIndex: 0, ModuleID: "m1", Kind: TransitionCompleted}, transitions[0])
	assert.Equal(t, Transition{ModuleIndex: 1, ModuleID: "m2", Kind: TransitionUnlocked}, transitions[1])
	assert.Equal(t, transitions, seen)

	assert.True(t, e.IsCompleted(0))
	assert.True(t, e.IsUnlocked(1))
	assert.True(t, e.Expanded(1), "next module auto-expands")
	assert.False(t, e.IsUnlocked(2))

	assert.Empty(t, e.Recompute(), "no repeated transitions")
}

func TestEngine_UncompleteLocksNextModule(t *testing.T) {
	done := completionMap{"a": true, "b": true}
	e := New(testModules(), done, logger.Nop())
	require.NoError(t, e.Expand(1))

	done["b"] = false
	transitions := e.Recompute()
	require.Len(t, transitions, 2)
	assert.Equal(t, TransitionUncompleted, transitions[0].Kind)
	assert.Equal(t, TransitionLocked, transitions[1].Kind)
	assert.False(t, e.Expanded(1))
}

func TestEngine_ToggleAndExpand(t *testing.T) {
	e := New(testModules(), completionMap{}, logger.Nop())

	open, err := e.Toggle(0)
	require.NoError(t, err)
	assert.True(t, open)
	open, err = e.Toggle(0)
	require.NoError(t, err)
	assert.False(t, open)

	_, err = e.Toggle(1)
	assert.ErrorIs(t, err, ErrModuleLocked)
	assert.ErrorIs(t, e.Expand(2), ErrModuleLocked)

	_, err = e.Toggle(9)
	assert.ErrorIs(t, err, ErrUnknownModule)
	assert.ErrorIs(t, e.Expand(-1), ErrUnknownModule)
}

func TestEngine_UnlockInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	modules := testModules()
	ids := []string{"a", "b", "c", "d"}

	for run := 0; run < 200; run++ {
		done := completionMap{}
		for _, id := range ids {
			done[id] = rng.Intn(2) == 1
		}
		e := New(modules, done, logger.Nop())
		e.Recompute()

		assert.True(t, e.IsUnlocked(0))
		for i := 1; i < len(modules); i++ {
			all := true
			for _, item := range modules[i-1].Items {
				all = all && done[item.ID]
			}
			assert.Equal(t, all, e.IsUnlocked(i), "module %d with %v", i, done)
		}
	}
}

func TestEngine_Lookups(t *testing.T) {
	e := New(testModules(), completionMap{"a": true, "b": true}, logger.Nop())

	idx, ok := e.ModuleIndex("c")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = e.ModuleIndex("zzz")
	assert.False(t, ok)

	assert.Equal(t, []string{"m1"}, e.CompletedModuleIDs())
	set := e.CompletionSet()
	require.Len(t, set, 3)
	assert.Equal(t, models.ModuleContents{ModuleID: "m1", ContentIDs: []string{"a", "b"}}, set[0])
	assert.Equal(t, 3, e.Len())

	m, ok := e.Module(2)
	assert.True(t, ok)
	assert.Equal(t, "m3", m.ID)
}
