package worker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mohans/tallyx/engine"
)

func share(guardian, source string, compensated bool, data string) engine.Share {
	return engine.Share{GuardianID: guardian, SourceGuardianID: source, Compensated: compensated, Data: json.RawMessage(`"` + data + `"`)}
}

// G is available, M is missing; a redundant compensated share for G must be
// ignored in favour of G's direct share.
func TestSelectShares_IgnoresRedundantCompensatedShare(t *testing.T) {
	shares := []engine.Share{
		share("G", "", false, "direct-g"),
		share("M", "G", true, "comp-m"),
		share("G", "M", true, "redundant-g"),
	}
	got, err := SelectShares([]string{"G"}, []string{"M"}, shares, 1)
	if err != nil {
		t.Fatalf("SelectShares: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 shares, got %#v", got)
	}
	if got[0].GuardianID != "G" || got[0].Compensated {
		t.Fatalf("want G's direct share first, got %#v", got[0])
	}
	if got[1].GuardianID != "M" || !got[1].Compensated || got[1].SourceGuardianID != "G" {
		t.Fatalf("want M's compensated share, got %#v", got[1])
	}
}

func TestSelectShares_Quorum(t *testing.T) {
	shares := []engine.Share{
		share("A", "", false, "a"),
		share("B", "", false, "b"),
		share("M", "A", true, "ma"),
		share("M", "B", true, "mb"),
		share("M", "B", true, "mb-dup"),
		share("M", "Z", true, "from-unavailable"),
	}
	got, err := SelectShares([]string{"A", "B"}, []string{"M"}, shares, 2)
	if err != nil {
		t.Fatalf("SelectShares: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("want 2 direct + 2 compensated shares, got %d: %#v", len(got), got)
	}

	_, err = SelectShares([]string{"A"}, []string{"M"}, shares, 2)
	if !errors.Is(err, ErrQuorumNotMet) || !engine.IsFatal(err) {
		t.Fatalf("too few available guardians: want fatal quorum error, got %v", err)
	}

	_, err = SelectShares([]string{"A", "B"}, []string{"M"}, shares[:3], 2)
	if !errors.Is(err, ErrQuorumNotMet) {
		t.Fatalf("too few compensated sources: want quorum error, got %v", err)
	}
}

func TestSelectShares_RequiresDirectShares(t *testing.T) {
	shares := []engine.Share{share("A", "", false, "a")}
	if _, err := SelectShares([]string{"A", "B"}, nil, shares, 1); !engine.IsFatal(err) {
		t.Fatalf("missing direct share must be fatal, got %v", err)
	}
	if _, err := SelectShares([]string{"A"}, []string{"A"}, shares, 1); !engine.IsFatal(err) {
		t.Fatalf("guardian both available and missing must be fatal, got %v", err)
	}
	if _, err := SelectShares([]string{"A"}, nil, shares, 0); !engine.IsFatal(err) {
		t.Fatalf("zero quorum must be fatal, got %v", err)
	}
}

func TestSelectShares_RejectsRepeatedGuardians(t *testing.T) {
	shares := []engine.Share{
		share("g1", "", false, "g1"),
		share("g2", "", false, "g2"),
		share("m", "g1", true, "m-g1"),
	}
	if _, err := SelectShares([]string{"g1", "g1", "g2"}, []string{"m"}, shares, 1); !engine.IsFatal(err) {
		t.Fatalf("repeated available guardian must be fatal, got %v", err)
	}
	if _, err := SelectShares([]string{"g1", "g2"}, []string{"m", "m"}, shares, 1); !engine.IsFatal(err) {
		t.Fatalf("repeated missing guardian must be fatal, got %v", err)
	}
	got, err := SelectShares([]string{"g1", "g2"}, []string{"m"}, shares, 1)
	if err != nil {
		t.Fatalf("SelectShares: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("want each share once, got %d: %#v", len(got), got)
	}
}
