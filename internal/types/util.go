package types

import "encoding/json"

func jsonUnmarshal(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

// JSONMap decodes an arbitrary JSON object column; nil-safe.
func JSONMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
