// Package testrun aggregates per-SKU outcomes of a test-mode job into a single
// verdict. The verdict is a pure function of the recorded outcomes and can be
// re-derived at any time.
package testrun

import (
	"sort"

	"scrape-coordinator/internal/models"
)

// Verdict folds per-SKU outcomes into one aggregate status:
// failed when the run produced no outcomes at all, passed when every outcome
// is success or no_result, partial otherwise. Order-independent.
func Verdict(outcomes []string) string {
	if len(outcomes) == 0 {
		return models.TestRunFailed
	}
	for _, o := range outcomes {
		if o != models.OutcomeSuccess && o != models.OutcomeNoResult {
			return models.TestRunPartial
		}
	}
	return models.TestRunPassed
}

// DeriveResults converts a callback's per-SKU scraped data into recorded
// results. A SKU whose document carries any field beyond the scrape timestamp
// counts as success; an empty document is no_result. SKUs are emitted in
// sorted order so replays produce identical rows.
func DeriveResults(data map[string]map[string]any) []models.SKUResult {
	if len(data) == 0 {
		return nil
	}
	skus := make([]string, 0, len(data))
	for sku := range data {
		skus = append(skus, sku)
	}
	sort.Strings(skus)

	results := make([]models.SKUResult, 0, len(skus))
	for _, sku := range skus {
		doc := data[sku]
		status := models.OutcomeNoResult
		for field := range doc {
			if field != "scraped_at" {
				status = models.OutcomeSuccess
				break
			}
		}
		results = append(results, models.SKUResult{
			SKU:    sku,
			Status: status,
			Data:   doc,
		})
	}
	return results
}

// Outcomes projects recorded results back to their outcome strings, the input
// Verdict expects.
func Outcomes(results []models.SKUResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Status
	}
	return out
}
