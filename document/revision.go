package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/zeebo/xxh3"
)

// NewRevision derives the child revision of parent for the given content.
// An empty parent starts a new revision history at generation 1.
//
// Tokens have the form "<generation>-<digest>" where digest is the xxh3-64
// hash of the parent token and the canonical JSON of the document body, so
// identical edits made independently on two replicas collide on purpose.
func NewRevision(parent string, d *Document) (string, error) {
	gen := 1
	if parent != "" {
		g, _, err := ParseRevision(parent)
		if err != nil {
			return "", err
		}
		gen = g + 1
	}
	// encoding/json sorts map keys, which makes the body canonical.
	body, err := json.Marshal(d.Body())
	if err != nil {
		return "", fmt.Errorf("document: encode body for revision: %w", err)
	}
	h := xxh3.New()
	_, _ = h.WriteString(parent)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(body)
	return fmt.Sprintf("%d-%016x", gen, h.Sum64()), nil
}

// ParseRevision splits a revision token into generation and digest.
func ParseRevision(rev string) (int, string, error) {
	genStr, digest, ok := strings.Cut(rev, "-")
	if !ok || digest == "" {
		return 0, "", fmt.Errorf("document: malformed revision %q", rev)
	}
	gen, err := strconv.Atoi(genStr)
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("document: malformed revision generation %q", rev)
	}
	return gen, digest, nil
}

// CompareRevisions orders revision tokens by generation, then by digest.
// Malformed tokens sort before well-formed ones and compare lexically
// among themselves. It returns -1, 0 or 1.
func CompareRevisions(a, b string) int {
	ga, da, errA := ParseRevision(a)
	gb, db, errB := ParseRevision(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	case ga != gb:
		if ga < gb {
			return -1
		}
		return 1
	default:
		return strings.Compare(da, db)
	}
}

// Generation returns the generation of rev, or 0 if it is malformed.
func Generation(rev string) int {
	g, _, err := ParseRevision(rev)
	if err != nil {
		return 0
	}
	return g
}

// SortRevisionsDesc sorts tokens from the winning (greatest) revision down.
func SortRevisionsDesc(revs []string) {
	sort.Slice(revs, func(i, j int) bool {
		return CompareRevisions(revs[i], revs[j]) > 0
	})
}

// Winner picks the store's current revision among leaf documents: the
// greatest revision by CompareRevisions. It returns the winner and the
// remaining leaves' revisions, sorted descending.
func Winner(leaves []*Document) (*Document, []string) {
	if len(leaves) == 0 {
		return nil, nil
	}
	best := leaves[0]
	for _, l := range leaves[1:] {
		if CompareRevisions(l.Revision, best.Revision) > 0 {
			best = l
		}
	}
	others := make([]string, 0, len(leaves)-1)
	for _, l := range leaves {
		if l != best {
			others = append(others, l.Revision)
		}
	}
	SortRevisionsDesc(others)
	return best, others
}
