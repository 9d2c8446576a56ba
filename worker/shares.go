package worker

import (
	"errors"
	"fmt"

	"github.com/mohans/tallyx/engine"
)

// ErrQuorumNotMet is returned (wrapped as fatal) when the shares on hand can
// not decrypt the tally.
var ErrQuorumNotMet = errors.New("quorum not met")

// SelectShares picks the shares a combine step may use. Every available
// guardian contributes its own direct share. Compensated shares are used only
// for missing guardians and only when computed by an available guardian;
// compensated shares for available guardians are dropped. Each missing
// guardian needs compensated shares from at least quorum distinct sources.
func SelectShares(available, missing []string, shares []engine.Share, quorum int) ([]engine.Share, error) {
	if quorum < 1 {
		return nil, engine.Fatalf("quorum must be positive, got %d", quorum)
	}
	avail := make(map[string]bool, len(available))
	for _, g := range available {
		if avail[g] {
			return nil, engine.Fatalf("guardian %s listed twice as available", g)
		}
		avail[g] = true
	}
	miss := make(map[string]bool, len(missing))
	for _, g := range missing {
		if avail[g] {
			return nil, engine.Fatalf("guardian %s listed as both available and missing", g)
		}
		if miss[g] {
			return nil, engine.Fatalf("guardian %s listed twice as missing", g)
		}
		miss[g] = true
	}
	if len(avail) < quorum {
		return nil, engine.Fatal(fmt.Errorf("%w: %d available guardians, quorum %d", ErrQuorumNotMet, len(avail), quorum))
	}

	direct := make(map[string]engine.Share, len(avail))
	compensated := make(map[string][]engine.Share, len(miss))
	seen := make(map[[2]string]bool)
	for _, s := range shares {
		if !s.Compensated {
			if _, dup := direct[s.GuardianID]; avail[s.GuardianID] && !dup {
				direct[s.GuardianID] = s
			}
			continue
		}
		if !miss[s.GuardianID] || !avail[s.SourceGuardianID] {
			continue
		}
		k := [2]string{s.GuardianID, s.SourceGuardianID}
		if seen[k] {
			continue
		}
		seen[k] = true
		compensated[s.GuardianID] = append(compensated[s.GuardianID], s)
	}

	out := make([]engine.Share, 0, len(direct)+len(seen))
	for _, g := range available {
		s, ok := direct[g]
		if !ok {
			return nil, engine.Fatalf("available guardian %s has no direct share", g)
		}
		out = append(out, s)
	}
	for _, g := range missing {
		if n := len(compensated[g]); n < quorum {
			return nil, engine.Fatal(fmt.Errorf("%w: missing guardian %s has %d compensated shares, quorum %d",
				ErrQuorumNotMet, g, n, quorum))
		}
		out = append(out, compensated[g]...)
	}
	return out, nil
}
