package metrics

import (
	"testing"
	"time"
)

// counterValue sums the counter samples of family name whose labels include
// every pair in want.
func counterValue(t *testing.T, r *Registry, name string, want map[string]string) float64 {
	t.Helper()
	families, err := r.PromRegistry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue metric
				}
			}
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return total
}

func TestRegistry_BatchAndFallbackCounters(t *testing.T) {
	r := New()

	r.RecordBatchItem("batch", "openai", "succeeded")
	r.RecordBatchItem("batch", "openai", "succeeded")
	r.RecordBatchItem("batch", "groq", "failed")
	r.RecordFallback("batch", "openai", "openrouter", 3)
	r.RecordBatchOutcome("batch", "partial_success", 2)

	if got := counterValue(t, r, "gateway_batch_items_total", map[string]string{"provider": "openai", "status": "succeeded"}); got != 2 {
		t.Errorf("batch items = %v, want 2", got)
	}
	if got := counterValue(t, r, "gateway_fallback_items_total", map[string]string{"from": "openai", "to": "openrouter"}); got != 3 {
		t.Errorf("fallback items = %v, want 3", got)
	}
	if got := counterValue(t, r, "gateway_fallback_events_total", nil); got != 1 {
		t.Errorf("fallback events = %v, want 1", got)
	}
	if got := counterValue(t, r, "gateway_batch_outcomes_total", map[string]string{"status": "partial_success"}); got != 1 {
		t.Errorf("batch outcomes = %v, want 1", got)
	}
	if got := counterValue(t, r, "gateway_batch_rounds", nil); got != 1 {
		t.Errorf("batch rounds observations = %v, want 1", got)
	}
}

func TestRegistry_CredentialLookups(t *testing.T) {
	r := New()
	r.RecordCredentialLookup("api_key", "openai", true)
	r.RecordCredentialLookup("api_key", "openai", false)
	r.RecordCredentialLookup("api_key", "openai", true)

	if got := counterValue(t, r, "gateway_credential_lookups_total", map[string]string{"result": "hit"}); got != 2 {
		t.Errorf("hits = %v, want 2", got)
	}
	if got := counterValue(t, r, "gateway_credential_lookups_total", map[string]string{"result": "miss"}); got != 1 {
		t.Errorf("misses = %v, want 1", got)
	}
}

func TestRegistry_UpstreamAndHealth(t *testing.T) {
	r := New()
	r.SetBuildInfo("test")
	r.ObserveUpstreamAttempt("vllm", "generate", "success", 150*time.Millisecond)
	r.SetProviderHealth("vllm", true)
	r.SetProviderHealth("groq", false)

	if got := counterValue(t, r, "gateway_upstream_attempts_total", map[string]string{"provider": "vllm"}); got != 1 {
		t.Errorf("upstream attempts = %v, want 1", got)
	}
	if got := counterValue(t, r, "gateway_provider_health", map[string]string{"provider": "groq"}); got != 0 {
		t.Errorf("groq health = %v, want 0", got)
	}
	if got := counterValue(t, r, "gateway_build_info", map[string]string{"version": "test"}); got != 1 {
		t.Errorf("build info = %v, want 1", got)
	}
}
