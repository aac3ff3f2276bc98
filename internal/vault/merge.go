package vault

import (
	"fmt"
	"slices"

	"github.com/and161185/vaultbridge/internal/errs"
)

// SameHistory reports whether both vaults carry the identical operation log.
func SameHistory(a, b *Vault) bool {
	ha, hb := a.History(), b.History()
	if a.ID() != b.ID() || len(ha) != len(hb) {
		return false
	}
	for i := range ha {
		if ha[i].ID != hb[i].ID {
			return false
		}
	}
	return true
}

// Merge reconciles two copies of the same archive.
//
// The result is the common history prefix, then the remote-only tail, then the
// local-only tail. When both tails are non-empty, destructive ops are dropped from
// both so no entry present on either side disappears. The result depends only on
// the inputs.
func Merge(local, remote *Vault) (*Vault, error) {
	if local.ID() != remote.ID() {
		return nil, fmt.Errorf("archive ids differ (%s vs %s): %w", local.ID(), remote.ID(), errs.ErrMergeConflict)
	}
	lh, rh := local.History(), remote.History()

	n := 0
	for n < len(lh) && n < len(rh) && lh[n].ID == rh[n].ID {
		n++
	}
	localTail, remoteTail := lh[n:], rh[n:]

	var merged []Op
	switch {
	case len(remoteTail) == 0:
		merged = lh
	case len(localTail) == 0:
		merged = rh
	default:
		seen := make(map[string]bool, len(remoteTail))
		merged = slices.Clone(lh[:n])
		for _, op := range remoteTail {
			if !op.Destructive() {
				merged = append(merged, op)
				seen[op.ID] = true
			}
		}
		for _, op := range localTail {
			if !op.Destructive() && !seen[op.ID] {
				merged = append(merged, op)
			}
		}
	}

	out, err := FromHistory(local.ID(), merged)
	if err != nil {
		return nil, fmt.Errorf("replay merged history: %v: %w", err, errs.ErrMergeConflict)
	}
	return out, nil
}
