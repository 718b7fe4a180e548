package sandbox

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strings"

	"github.com/jdziat/durable-flows/pkg/core"
)

// Key derives the cache key for a set of pieces and code archives. Pieces
// contribute name and exact version, archives their content id, so two units
// share a workspace only when their contents are identical. Order does not
// matter.
func Key(pieces []core.PieceRef, archives []core.CodeArtifact) string {
	parts := make([]string, 0, len(pieces)+len(archives))
	for _, p := range pieces {
		parts = append(parts, "piece:"+p.Name+"@"+p.Version)
	}
	for _, a := range archives {
		parts = append(parts, "code:"+a.ContentID)
	}
	slices.Sort(parts)
	parts = slices.Compact(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:16])
}
