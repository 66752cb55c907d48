package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/conveyorci/conveyor/pkg/workflow"
)

// DefaultMaxMatrixInstances caps the number of instances a single job may
// expand to when no explicit cap is configured.
const DefaultMaxMatrixInstances = 256

// MatrixExpander turns a matrix specification into concrete combinations and
// job instances. Expansion is a pure function of the specification: the same
// spec always yields the same combinations in the same order.
type MatrixExpander struct {
	// maxInstances is the per-job instance cap. Expansion beyond the cap
	// fails with an invalid-matrix error rather than silently truncating.
	maxInstances int
}

// NewMatrixExpander creates a matrix expander with the given instance cap.
// A non-positive cap selects DefaultMaxMatrixInstances.
func NewMatrixExpander(maxInstances int) *MatrixExpander {
	if maxInstances <= 0 {
		maxInstances = DefaultMaxMatrixInstances
	}
	return &MatrixExpander{maxInstances: maxInstances}
}

// Expand computes the ordered combination list for a matrix specification:
// the cartesian product of the axes in declaration order, minus exclude
// matches, plus include entries in declaration order. A nil spec yields one
// empty combination (a matrix-less job runs exactly once).
func (e *MatrixExpander) Expand(spec *workflow.MatrixSpec) ([]Combination, error) {
	if spec == nil {
		return []Combination{{Values: map[string]any{}}}, nil
	}

	base := cartesian(spec.AxisOrder, spec.Axes)

	// Exclusions are removed in place before includes are considered.
	// A partial-key exclude removes every combination agreeing on its keys.
	filtered := base[:0:0]
	for _, combo := range base {
		if !matchesAnyExclude(combo, spec.Exclude) {
			filtered = append(filtered, combo)
		}
	}

	combos, err := e.applyIncludes(filtered, spec)
	if err != nil {
		return nil, err
	}

	if len(combos) > e.maxInstances {
		return nil, NewInvalidMatrixError(fmt.Sprintf(
			"matrix expands to %d instances, exceeding the cap of %d",
			len(combos), e.maxInstances))
	}

	return combos, nil
}

// ExpandJob expands a job definition into pending job instances.
func (e *MatrixExpander) ExpandJob(job *workflow.JobDefinition, now time.Time) ([]*JobInstance, error) {
	var spec *workflow.MatrixSpec
	if job.Strategy != nil {
		spec = job.Strategy.Matrix
	}

	combos, err := e.Expand(spec)
	if err != nil {
		if engErr, ok := err.(*EngineError); ok {
			return nil, engErr.WithJob(job.ID)
		}
		return nil, err
	}

	instances := make([]*JobInstance, 0, len(combos))
	for _, combo := range combos {
		steps := make([]StepInstance, len(job.Steps))
		for i, step := range job.Steps {
			steps[i] = StepInstance{
				Index:  i,
				Name:   step.Name,
				Status: StepStatusPending,
			}
		}

		instances = append(instances, &JobInstance{
			ID:        instanceID(job.ID, combo),
			JobID:     job.ID,
			Matrix:    combo,
			Needs:     job.Needs,
			Status:    JobStatusPending,
			Steps:     steps,
			CreatedAt: now,
		})
	}

	return instances, nil
}

// cartesian computes the cartesian product of the axes in declaration order,
// with the last-declared axis varying fastest.
func cartesian(order []string, axes map[string][]any) []Combination {
	if len(order) == 0 {
		return nil
	}

	total := 1
	for _, axis := range order {
		total *= len(axes[axis])
	}
	if total == 0 {
		return nil
	}

	combos := make([]Combination, 0, total)
	indices := make([]int, len(order))

	for {
		values := make(map[string]any, len(order))
		for i, axis := range order {
			values[axis] = axes[axis][indices[i]]
		}
		combos = append(combos, Combination{Keys: append([]string(nil), order...), Values: values})

		// Advance odometer-style from the last axis.
		pos := len(order) - 1
		for pos >= 0 {
			indices[pos]++
			if indices[pos] < len(axes[order[pos]]) {
				break
			}
			indices[pos] = 0
			pos--
		}
		if pos < 0 {
			break
		}
	}

	return combos
}

// matchesAnyExclude reports whether a combination agrees with any exclude
// entry on all of that entry's keys.
func matchesAnyExclude(combo Combination, excludes []map[string]any) bool {
	for _, exc := range excludes {
		matched := true
		for key, want := range exc {
			got, ok := combo.Get(key)
			if !ok || !matrixValueEqual(got, want) {
				matched = false
				break
			}
		}
		if matched {
			return true
		}
	}
	return false
}

// applyIncludes merges include entries into the filtered base set, in
// declaration order. An entry whose axis-key values match existing base
// combinations merges its remaining keys into each of them; an entry matching
// nothing is appended as a standalone combination. Include entries never
// merge into combinations added by earlier includes.
func (e *MatrixExpander) applyIncludes(base []Combination, spec *workflow.MatrixSpec) ([]Combination, error) {
	combos := base
	baseCount := len(base)

	// With no axes, the product is one synthetic empty combination and every
	// include merges into it, later entries overriding overlapping keys.
	if len(spec.AxisOrder) == 0 {
		if len(spec.Include) == 0 {
			return []Combination{{Values: map[string]any{}}}, nil
		}
		synthetic := Combination{Values: map[string]any{}}
		for _, inc := range spec.Include {
			mergeInto(&synthetic, inc)
		}
		return []Combination{synthetic}, nil
	}

	for _, inc := range spec.Include {
		matched := false
		for i := 0; i < baseCount; i++ {
			if includeMatches(combos[i], inc, spec.Axes) {
				mergeInto(&combos[i], inc)
				matched = true
			}
		}
		if !matched {
			standalone := Combination{Values: map[string]any{}}
			mergeInto(&standalone, inc)
			combos = append(combos, standalone)
		}
	}

	return combos, nil
}

// includeMatches reports whether every axis key of the include entry agrees
// with the combination. Keys outside the declared axes never disqualify a
// match; they are the payload being merged.
func includeMatches(combo Combination, inc map[string]any, axes map[string][]any) bool {
	for key, want := range inc {
		if _, isAxis := axes[key]; !isAxis {
			continue
		}
		got, ok := combo.Get(key)
		if !ok || !matrixValueEqual(got, want) {
			return false
		}
	}
	return true
}

// mergeInto sets every include key on the combination, extending the key
// order with previously-unknown keys.
func mergeInto(combo *Combination, inc map[string]any) {
	// Deterministic key order: iterate known keys first, then new ones in
	// sorted order so repeated expansions agree.
	newKeys := make([]string, 0, len(inc))
	for key := range inc {
		if _, ok := combo.Values[key]; !ok {
			newKeys = append(newKeys, key)
		}
	}
	sort.Strings(newKeys)

	for key, val := range inc {
		combo.Values[key] = val
	}
	combo.Keys = append(combo.Keys, newKeys...)
}

// matrixValueEqual compares matrix values by their scalar form, so that the
// same YAML literal written in an axis and in an include/exclude entry
// compares equal regardless of decoded numeric width.
func matrixValueEqual(a, b any) bool {
	return FormatMatrixValue(a) == FormatMatrixValue(b)
}
