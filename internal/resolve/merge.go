package resolve

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/steveyegge/offsync/internal/schema"
)

// fieldMerge merges top-level fields of JSON object payloads.
//
// A local field is a change when it differs from the base snapshot (every
// local field counts as changed when no base is known). Missing local fields
// are untouched, not deleted. Changed fields the origin left alone, or set to
// the same value, are taken from local; fields both sides changed to
// different values fall back to last-write-wins. Non-object payloads,
// deletes and tombstoned remotes fall back to last-write-wins entirely.
func fieldMerge(c *schema.Conflict) (*schema.Resolution, error) {
	if c.Kind == schema.KindDelete || c.Remote.Deleted {
		res := lastWriteWins(c)
		res.Reasons = append(res.Reasons, "field merge not applicable to deletes")
		return res, nil
	}
	local, okLocal := decodeObject(c.LocalPayload)
	remote, okRemote := decodeObject(c.Remote.Payload)
	if !okLocal || !okRemote {
		res := lastWriteWins(c)
		res.Reasons = append(res.Reasons, "payloads are not JSON objects")
		return res, nil
	}
	base, hasBase := decodeObject(c.BasePayload)

	localWins := c.LocalUpdatedAt.After(c.Remote.UpdatedAt)
	merged := make(map[string]any, len(remote)+len(local))
	for k, v := range remote {
		merged[k] = v
	}

	var reasons []string
	keys := make([]string, 0, len(local))
	for k := range local {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		lv := local[k]
		if hasBase {
			if bv, ok := base[k]; ok && reflect.DeepEqual(bv, lv) {
				continue // unchanged locally
			}
		}
		rv, inRemote := remote[k]
		remoteChanged := true
		if hasBase {
			bv, inBase := base[k]
			remoteChanged = inRemote != inBase || !reflect.DeepEqual(bv, rv)
		}
		switch {
		case inRemote && reflect.DeepEqual(lv, rv):
			// Both sides agree.
		case !remoteChanged || !inRemote:
			merged[k] = lv
		case localWins:
			merged[k] = lv
			reasons = append(reasons, fmt.Sprintf("field %s: both changed, local is newer", k))
		default:
			reasons = append(reasons, fmt.Sprintf("field %s: both changed, remote is not older", k))
		}
	}

	if reflect.DeepEqual(merged, remote) {
		res := keepRemote(c, "merge result equals remote state")
		res.Reasons = append(res.Reasons, reasons...)
		return res, nil
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged payload: %w", err)
	}
	if !hasBase {
		reasons = append(reasons, "no base snapshot, two-way merge")
	}
	return &schema.Resolution{
		ConflictID:  c.ID,
		OperationID: c.OperationID,
		Decision:    schema.DecisionMerged,
		Payload:     payload,
		BaseVersion: c.Remote.Version,
		Reasons:     append([]string{"merged disjoint fields"}, reasons...),
	}, nil
}

func decodeObject(p schema.Payload) (map[string]any, bool) {
	if len(p) == 0 {
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(p, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func validJSON(p schema.Payload) error {
	if !json.Valid(p) {
		return fmt.Errorf("payload must be valid JSON")
	}
	return nil
}
