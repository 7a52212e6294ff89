// Package pipeline runs decoded contract events through an ordered chain of
// stages, each reading and extending a shared context map.
package pipeline

import (
	"context"

	"github.com/openchainlab/eventpipe/internal/domain/model"
)

// Stage is one processing step. Initialize runs once before the first event,
// Cleanup once after the last. Execute receives the accumulated context and
// returns the values it produced; it must not mutate its input.
type Stage interface {
	Name() string
	Kind() model.StageKind
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, pctx map[string]any) (map[string]any, error)
	Cleanup(ctx context.Context) error
}

// MergeAbsent copies src entries into dst for keys dst does not already
// hold. Earlier stages win on key collisions.
func MergeAbsent(dst, src map[string]any) {
	for k, v := range src {
		if _, exists := dst[k]; !exists {
			dst[k] = v
		}
	}
}
