package payload

import (
	"encoding/json"

	"github.com/jdziat/durable-flows/pkg/core"
)

// upcaster moves an encoded payload from one version to the next.
type upcaster func(raw []byte, src Source) ([]byte, error)

// upcasters[v] converts version v into version v+1.
var upcasters = map[int]upcaster{
	1: func(raw []byte, src Source) ([]byte, error) {
		var v V1
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, core.Wrap(core.CodeValidation, err, "decode v1 payload")
		}
		return json.Marshal(v.upcast(src))
	},
	2: func(raw []byte, src Source) ([]byte, error) {
		var v V2
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, core.Wrap(core.CodeValidation, err, "decode v2 payload")
		}
		next, err := v.upcast(src)
		if err != nil {
			return nil, err
		}
		return json.Marshal(next)
	},
}

// Upcast brings raw, stored at version, to LatestVersion. A payload already
// at LatestVersion is returned as-is, so running Upcast twice is a no-op.
// raw is never modified.
func Upcast(version int, raw []byte, src Source) ([]byte, int, error) {
	if version < 1 || version > LatestVersion {
		return nil, version, core.Errorf(core.CodeValidation, "unsupported payload schema version %d", version)
	}
	out := raw
	for v := version; v < LatestVersion; v++ {
		next, err := upcasters[v](out, src)
		if err != nil {
			return nil, version, err
		}
		out = next
	}
	return out, LatestVersion, nil
}

// NeedsUpcast reports whether a payload stored at version is behind.
func NeedsUpcast(version int) bool {
	return version < LatestVersion
}
