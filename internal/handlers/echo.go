package handlers

import (
	"context"
	"encoding/json"

	"github.com/distjob/scheduler/internal/handlerregistry"
)

// Echo returns its params unchanged as the result — used in tests and the
// happy-path scenario (spec.md §8, S1).
type Echo struct{}

func (Echo) Execute(_ context.Context, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

// EchoFactory registers under the name "echo".
func EchoFactory() handlerregistry.Handler { return Echo{} }
