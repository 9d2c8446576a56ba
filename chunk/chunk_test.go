package chunk

import (
	"errors"
	"testing"
)

func TestChunkTransition_Graph(t *testing.T) {
	states := []State{StatePending, StateQueued, StateProcessing, StateCompleted, StateFailed}
	legal := map[[2]State]bool{
		{StatePending, StateQueued}:       true,
		{StateQueued, StateProcessing}:    true,
		{StateProcessing, StateCompleted}: true,
		{StateProcessing, StateFailed}:    true,
		{StateFailed, StateQueued}:        true,
		{StateQueued, StatePending}:       true,
	}
	for _, from := range states {
		for _, to := range states {
			c := &Chunk{ID: "c", State: from, MaxRetries: 3}
			err := c.Transition(to)
			if legal[[2]State{from, to}] {
				if err != nil {
					t.Fatalf("%s -> %s: unexpected error %v", from, to, err)
				}
				if c.State != to {
					t.Fatalf("%s -> %s: state=%s", from, to, c.State)
				}
				continue
			}
			if !errors.Is(err, ErrInvalidStateTransition) {
				t.Fatalf("%s -> %s: want ErrInvalidStateTransition, got %v", from, to, err)
			}
			if c.State != from {
				t.Fatalf("%s -> %s: rejected transition changed state to %s", from, to, c.State)
			}
		}
	}
}

func TestChunkCanBeQueued(t *testing.T) {
	cases := []struct {
		name string
		c    Chunk
		want bool
	}{
		{"pending", Chunk{State: StatePending}, true},
		{"queued", Chunk{State: StateQueued, MaxRetries: 3}, false},
		{"processing", Chunk{State: StateProcessing, MaxRetries: 3}, false},
		{"completed", Chunk{State: StateCompleted, MaxRetries: 3}, false},
		{"failed with budget", Chunk{State: StateFailed, RetryCount: 1, MaxRetries: 3}, true},
		{"failed exhausted", Chunk{State: StateFailed, RetryCount: 3, MaxRetries: 3}, false},
		{"failed fatal", Chunk{State: StateFailed, Fatal: true, MaxRetries: 3}, false},
	}
	for _, tc := range cases {
		if got := tc.c.CanBeQueued(); got != tc.want {
			t.Fatalf("%s: CanBeQueued=%v want %v", tc.name, got, tc.want)
		}
	}
}

func TestChunkRetryConsumesBudget(t *testing.T) {
	c := &Chunk{ID: "c1", State: StatePending, MaxRetries: 1}
	path := []State{StateQueued, StateProcessing}
	for _, s := range path {
		if err := c.Transition(s); err != nil {
			t.Fatalf("transition %s: %v", s, err)
		}
	}
	if err := c.Fail("timeout", false); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !c.CanBeQueued() {
		t.Fatalf("expected retryable chunk")
	}
	if err := c.Transition(StateQueued); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if c.RetryCount != 1 {
		t.Fatalf("want retry count 1, got %d", c.RetryCount)
	}
	_ = c.Transition(StateProcessing)
	_ = c.Fail("timeout again", false)
	if !c.Terminal() {
		t.Fatalf("exhausted chunk must be terminal")
	}
	if err := c.Transition(StateQueued); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("retry past budget: want ErrInvalidStateTransition, got %v", err)
	}
}

func TestChunkFatalIsAbsorbing(t *testing.T) {
	c := &Chunk{ID: "c1", State: StateProcessing, MaxRetries: 5}
	if err := c.Fail("malformed key", true); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if !c.Terminal() || c.CanBeQueued() {
		t.Fatalf("fatal failure must be terminal")
	}
	if err := c.Transition(StateQueued); err == nil {
		t.Fatalf("expected fatal chunk to refuse requeue")
	}
}

func TestChunkCancel(t *testing.T) {
	c := &Chunk{ID: "c1", State: StateQueued, MaxRetries: 2}
	if !c.Cancel("cancelled") {
		t.Fatalf("expected cancel to apply")
	}
	if c.State != StateFailed || !c.Fatal || !c.Terminal() {
		t.Fatalf("unexpected cancelled chunk: %+v", c)
	}
	done := &Chunk{ID: "c2", State: StateCompleted}
	if done.Cancel("cancelled") {
		t.Fatalf("completed chunk must not be cancelled")
	}
}

func TestGuardianRefsValidate(t *testing.T) {
	cases := []struct {
		job  JobType
		refs GuardianRefs
		ok   bool
	}{
		{JobTallyCreation, GuardianRefs{}, true},
		{JobTallyCreation, GuardianRefs{GuardianID: "g1"}, false},
		{JobPartialDecryption, GuardianRefs{GuardianID: "g1"}, true},
		{JobPartialDecryption, GuardianRefs{}, false},
		{JobPartialDecryption, GuardianRefs{GuardianID: "g1", TargetGuardianID: "g2"}, false},
		{JobCompensatedDecryption, GuardianRefs{SourceGuardianID: "g1", TargetGuardianID: "g2"}, true},
		{JobCompensatedDecryption, GuardianRefs{SourceGuardianID: "g1", TargetGuardianID: "g1"}, false},
		{JobCompensatedDecryption, GuardianRefs{SourceGuardianID: "g1"}, false},
		{JobCombineDecryption, GuardianRefs{}, true},
		{JobType("bogus"), GuardianRefs{}, false},
	}
	for _, tc := range cases {
		err := tc.refs.Validate(tc.job)
		if tc.ok && err != nil {
			t.Fatalf("%s %+v: unexpected error %v", tc.job, tc.refs, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidJobSpec) {
			t.Fatalf("%s %+v: want ErrInvalidJobSpec, got %v", tc.job, tc.refs, err)
		}
	}
}

func TestParseJobType(t *testing.T) {
	j, err := ParseJobType("COMPENSATED_DECRYPTION")
	if err != nil || j != JobCompensatedDecryption {
		t.Fatalf("got %q, %v", j, err)
	}
	if _, err := ParseJobType("nope"); !errors.Is(err, ErrInvalidJobSpec) {
		t.Fatalf("want ErrInvalidJobSpec, got %v", err)
	}
}
