package session

import "github.com/emberline/statesync/internal/reactive"

// Reconcile merges template defaults into data additively: every template
// key missing from data is inserted with a deep copy of the default,
// recursing where both sides are mappings. Existing values are never
// overwritten and keys unknown to the template are preserved, so records
// written by newer templates survive older ones. Reconciling twice is the
// same as reconciling once.
func Reconcile(data, template map[string]any) {
	for key, def := range template {
		current, exists := data[key]
		if !exists {
			data[key] = reactive.CloneValue(def)
			continue
		}
		defMap, defIsMap := def.(map[string]any)
		curMap, curIsMap := current.(map[string]any)
		if defIsMap && curIsMap {
			Reconcile(curMap, defMap)
		}
	}
}
