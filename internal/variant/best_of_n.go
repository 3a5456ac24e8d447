package variant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tensorzero-go/tensorgate/internal/config"
	"github.com/tensorzero-go/tensorgate/internal/value"
	"github.com/tensorzero-go/tensorgate/internal/xerrors"
)

// candidateResult is one best_of_n/mixture_of_n candidate subcall's outcome.
type candidateResult struct {
	index int
	resp  *value.Response
	err   error
}

// runCandidates spawns vc.Candidates parallel subcalls of vc.CandidateVariant
// (spec §4.4 step 2: "spawn N parallel candidate subcalls, each is itself a
// function-level dispatch with a pinned variant"), and returns them ordered
// by index; a failed subcall's entry carries its error.
func (e *Engine) runCandidates(ctx context.Context, functionName string, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) []candidateResult {
	n := vc.Candidates
	if n <= 0 {
		n = 1
	}

	results := make([]candidateResult, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			resp, err := e.subDispatch(ctx, functionName, vc.CandidateVariant, in, dynamicCreds)
			results[i] = candidateResult{index: i, resp: resp, err: err}
		}(i)
	}
	wg.Wait()
	return results
}

func candidateText(r *value.Response) string {
	if r == nil {
		return ""
	}
	if r.Raw != "" {
		return r.Raw
	}
	var sb strings.Builder
	for _, b := range r.Content {
		if b.Kind == value.BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func firstSuccessful(results []candidateResult) *value.Response {
	for _, r := range results {
		if r.err == nil && r.resp != nil {
			return r.resp
		}
	}
	return nil
}

// judgeVerdict is the structured output a judge subcall is expected to
// produce: the zero-based index of the winning candidate.
type judgeVerdict struct {
	Winner int `json:"winner"`
}

// dispatchBestOfN implements spec §4.4 step 2's best_of_n: N parallel
// candidates, a judge subcall that picks a winner, with a first-successful
// fallback if the judge fails.
func (e *Engine) dispatchBestOfN(ctx context.Context, cfg *config.Config, functionName string, fn config.FunctionConfig, vc config.VariantConfig, in RenderInput, dynamicCreds map[string]string) (*value.Response, error) {
	results := e.runCandidates(ctx, functionName, vc, in, dynamicCreds)

	var succeeded []candidateResult
	for _, r := range results {
		if r.err == nil && r.resp != nil {
			succeeded = append(succeeded, r)
		}
	}
	if len(succeeded) == 0 {
		return nil, xerrors.New(xerrors.KindAllVariantsFailed, "best_of_n: every candidate subcall failed")
	}

	judgeArgs := map[string]any{}
	for i, r := range succeeded {
		judgeArgs[fmt.Sprintf("candidate_%d", i)] = candidateText(r.resp)
	}
	judgeIn := RenderInput{
		Messages: []InputMessage{{Role: value.RoleUser, Args: judgeArgs}},
	}

	judgeResp, err := e.subDispatch(ctx, functionName, vc.JudgeVariant, judgeIn, dynamicCreds)
	if err != nil {
		return firstSuccessful(results), nil
	}

	var verdict judgeVerdict
	if err := json.Unmarshal([]byte(candidateText(judgeResp)), &verdict); err != nil {
		return firstSuccessful(results), nil
	}
	if verdict.Winner < 0 || verdict.Winner >= len(succeeded) {
		return firstSuccessful(results), nil
	}
	return succeeded[verdict.Winner].resp, nil
}
