// Package handlers contains reference stagekit.Handler implementations,
// one per registry stage. None of them is imported by scheduler,
// store, or attribution — they exist to give the orchestrator's
// external-interface design something concrete to dispatch to, and to
// exercise the domain-specific third-party libraries a real deployment
// would reach for. A production deployment is expected to swap these
// for its own handlers registered under the same stage names.
package handlers

import (
	"fmt"

	"github.com/spf13/cast"
)

// opaqueInput is the loose, semi-structured shape a stage's input
// arrives in before a handler coerces it into its own typed request.
// Sources documented as "dynamic typing" in practice hand over
// string/float/bool/nil mixed with nested maps; cast absorbs the
// coercions a strongly typed struct would otherwise reject outright.
type opaqueInput map[string]any

func (o opaqueInput) string(key string) string {
	return cast.ToString(o[key])
}

func (o opaqueInput) stringSlice(key string) []string {
	return cast.ToStringSlice(o[key])
}

func (o opaqueInput) int(key string) int {
	return cast.ToInt(o[key])
}

func (o opaqueInput) float(key string) float64 {
	return cast.ToFloat64(o[key])
}

func (o opaqueInput) requireString(key string) (string, error) {
	v := o.string(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}
