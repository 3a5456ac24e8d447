package variant

import (
	"context"
	"fmt"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// dispatchMixtureOfN implements spec §4.4 step 2's mixture_of_n: N parallel
// candidates, then a synthesizer subcall that receives all of them and
// emits one combined output.
func (e *Engine) dispatchMixtureOfN(ctx context.Context, cfg *config.Config, functionName string, fn config.FunctionConfig, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	results := e.runCandidates(ctx, functionName, vc, in, dynamicCreds)

	var succeeded []candidateResult
	for _, r := range results {
		if r.err == nil && r.resp != nil {
			succeeded = append(succeeded, r)
		}
	}
	if len(succeeded) == 0 {
		return nil, xerrors.New(xerrors.KindAllVariantsFailed, "mixture_of_n: every candidate subcall failed")
	}

	synthArgs := map[string]any{}
	for i, r := range succeeded {
		synthArgs[fmt.Sprintf("candidate_%d", i)] = candidateText(r.resp)
	}
	synthIn := RenderInput{
		Messages: []InputMessage{{Role: value.RoleUser, Args: synthArgs}},
	}

	return e.subDispatch(ctx, functionName, vc.SynthesizerVariant, synthIn, dynamicCreds)
}
