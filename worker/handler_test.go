package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/tallyx/chunk"
	"github.com/mohans/tallyx/engine"
	"github.com/mohans/tallyx/notify"
	"github.com/mohans/tallyx/queue"
	"github.com/mohans/tallyx/store"
	"github.com/mohans/tallyx/store/storetest"
)

type fakeEngine struct {
	mu      sync.Mutex
	calls   int
	tally   func(ctx context.Context, req engine.TallyRequest) (engine.TallyResult, error)
	combine func(ctx context.Context, req engine.CombineRequest) (engine.CombineResult, error)
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeEngine) hit() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

func (f *fakeEngine) Tally(ctx context.Context, req engine.TallyRequest) (engine.TallyResult, error) {
	f.hit()
	if f.tally != nil {
		return f.tally(ctx, req)
	}
	return engine.TallyResult{ChunkNumber: req.ChunkNumber, BallotCount: len(req.BallotIDs), EncryptedTally: json.RawMessage(`{"sum":"c"}`)}, nil
}

func (f *fakeEngine) PartialDecrypt(ctx context.Context, req engine.PartialDecryptionRequest) (engine.ShareResult, error) {
	f.hit()
	return engine.ShareResult{ChunkNumber: req.ChunkNumber, Share: engine.Share{GuardianID: req.GuardianID, Data: json.RawMessage(`"s"`)}}, nil
}

func (f *fakeEngine) CompensatedDecrypt(ctx context.Context, req engine.CompensatedDecryptionRequest) (engine.ShareResult, error) {
	f.hit()
	return engine.ShareResult{ChunkNumber: req.ChunkNumber, Share: engine.Share{Data: json.RawMessage(`"cs"`)}}, nil
}

func (f *fakeEngine) Combine(ctx context.Context, req engine.CombineRequest) (engine.CombineResult, error) {
	f.hit()
	if f.combine != nil {
		return f.combine(ctx, req)
	}
	return engine.CombineResult{ChunkNumber: req.ChunkNumber, Plaintext: json.RawMessage(`{"yes":1}`)}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingNotifier) ChunkSettled(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

const tallyPayload = `{"ballot_ids":["b1","b2"],"encrypted_ballots":[{"c":1},{"c":2}]}`

type fixture struct {
	store    *store.SQLStore
	engine   *fakeEngine
	notifier *recordingNotifier
	handler  *Handler
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{store: storetest.Open(t), engine: &fakeEngine{}, notifier: &recordingNotifier{}}
	h, err := NewHandler(f.store, f.engine, cfg, WithNotifier(f.notifier))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.handler = h
	return f
}

// seedChunk persists one QUEUED chunk published as attempt `attempts`.
func (f *fixture) seedChunk(t *testing.T, jt chunk.JobType, refs chunk.GuardianRefs, payload string, attempts int) queue.ChunkMessage {
	t.Helper()
	now := time.Now().UTC()
	inst := store.InstanceRecord{
		ID: "inst-1", JobType: string(jt), ElectionID: "e1", MaxRetries: 2, CreatedAt: now,
		GuardianID: refs.GuardianID, SourceGuardianID: refs.SourceGuardianID, TargetGuardianID: refs.TargetGuardianID,
	}
	c := store.ChunkRecord{ID: "chunk-1", Number: 0, State: string(chunk.StateQueued), Attempts: attempts, PayloadJSON: payload, UpdatedAt: now}
	if err := f.store.CreateInstance(context.Background(), inst, []store.ChunkRecord{c}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	return queue.ChunkMessage{
		InstanceID: inst.ID, ChunkID: c.ID, ChunkNumber: 0, Attempt: attempts, JobType: jt,
		ElectionID: "e1", Guardians: refs, Payload: json.RawMessage(payload),
	}
}

func (f *fixture) deliver(t *testing.T, msg queue.ChunkMessage) error {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return f.handler.ProcessTask(context.Background(), asynq.NewTask(msg.JobType.TaskType(), body))
}

func (f *fixture) attempts(t *testing.T) []store.WorkerLogRecord {
	t.Helper()
	rows, err := f.store.ListAttempts(context.Background(), "chunk-1")
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	return rows
}

func TestHandler_CompletesAndIgnoresDuplicates(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)

	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Status != store.StatusCompleted || rows[0].ResultJSON == nil {
		t.Fatalf("unexpected attempt rows: %#v", rows)
	}
	var res engine.TallyResult
	if err := json.Unmarshal([]byte(*rows[0].ResultJSON), &res); err != nil || res.BallotCount != 2 {
		t.Fatalf("unexpected result %q: %v", *rows[0].ResultJSON, err)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].Status != string(store.StatusCompleted) {
		t.Fatalf("expected one completion event, got %#v", f.notifier.events)
	}

	// Redelivery of the same attempt, and a later attempt, are both no-ops.
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	msg.Attempt = 2
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("later attempt: %v", err)
	}
	// A fresh process has an empty cache and must consult the store.
	other, _ := NewHandler(f.store, f.engine, Config{})
	body, _ := json.Marshal(msg)
	if err := other.ProcessTask(context.Background(), asynq.NewTask(msg.JobType.TaskType(), body)); err != nil {
		t.Fatalf("fresh handler: %v", err)
	}
	if n := f.engine.count(); n != 1 {
		t.Fatalf("engine called %d times, want 1", n)
	}
	if rows := f.attempts(t); len(rows) != 1 {
		t.Fatalf("duplicates must not append rows, got %d", len(rows))
	}
}

func TestHandler_TransientFailureNacks(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.tally = func(context.Context, engine.TallyRequest) (engine.TallyResult, error) {
		return engine.TallyResult{}, engine.Transient(errors.New("engine overloaded"))
	}
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)

	err := f.deliver(t, msg)
	if !errors.Is(err, engine.ErrTransient) {
		t.Fatalf("want transient error returned to the broker, got %v", err)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Status != store.StatusFailed || rows[0].Fatal {
		t.Fatalf("want retryable failed row, got %#v", rows)
	}
	if rows[0].ErrorMessage == nil || *rows[0].ErrorMessage == "" {
		t.Fatalf("error message not recorded")
	}
}

func TestHandler_FatalFailureAcks(t *testing.T) {
	f := newFixture(t, Config{})
	f.engine.tally = func(context.Context, engine.TallyRequest) (engine.TallyResult, error) {
		return engine.TallyResult{}, engine.Fatalf("malformed joint public key")
	}
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)

	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("fatal failures are acknowledged, got %v", err)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Status != store.StatusFailed || !rows[0].Fatal {
		t.Fatalf("want fatal failed row, got %#v", rows)
	}
	if ev := f.notifier.events; len(ev) != 1 || !ev[0].Fatal {
		t.Fatalf("want one fatal event, got %#v", ev)
	}
}

func TestHandler_TimeoutIsTransient(t *testing.T) {
	f := newFixture(t, Config{OperationTimeout: 50 * time.Millisecond})
	f.engine.tally = func(ctx context.Context, _ engine.TallyRequest) (engine.TallyResult, error) {
		<-ctx.Done()
		return engine.TallyResult{}, ctx.Err()
	}
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)

	if err := f.deliver(t, msg); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
	if rows := f.attempts(t); len(rows) != 1 || rows[0].Status != store.StatusFailed || rows[0].Fatal {
		t.Fatalf("timeout must be a retryable failure, got %#v", rows)
	}
}

func TestHandler_DiscardsStaleAndCancelled(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 2)

	stale := msg
	stale.Attempt = 1
	if err := f.deliver(t, stale); err != nil {
		t.Fatalf("stale delivery: %v", err)
	}
	if f.engine.count() != 0 || len(f.attempts(t)) != 0 {
		t.Fatalf("stale delivery must not run")
	}

	rec, _ := f.store.GetChunk(context.Background(), msg.ChunkID)
	reason := "cancelled"
	rec.State, rec.Fatal, rec.LastError = string(chunk.StateFailed), true, &reason
	if err := f.store.SaveChunk(context.Background(), *rec); err != nil {
		t.Fatalf("SaveChunk: %v", err)
	}
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("cancelled delivery: %v", err)
	}
	if f.engine.count() != 0 || len(f.attempts(t)) != 0 {
		t.Fatalf("cancelled chunk must not run")
	}
}

func TestHandler_CancelledWhileRunningDropsResult(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)
	f.engine.tally = func(ctx context.Context, req engine.TallyRequest) (engine.TallyResult, error) {
		rec, err := f.store.GetChunk(ctx, msg.ChunkID)
		if err != nil {
			return engine.TallyResult{}, err
		}
		rec.State, rec.Fatal = string(chunk.StateFailed), true
		if err := f.store.SaveChunk(ctx, *rec); err != nil {
			return engine.TallyResult{}, err
		}
		return engine.TallyResult{BallotCount: 2}, nil
	}

	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Status != store.StatusFailed || !rows[0].Fatal {
		t.Fatalf("result of a cancelled chunk must not be recorded as completed: %#v", rows)
	}
	if done, _ := f.store.HasCompletedAttempt(context.Background(), msg.ChunkID); done {
		t.Fatalf("chunk must not count as completed")
	}
}

func TestHandler_ChunkClosedAtCompletionDropsResult(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)

	// The second clock read stamps the completion, after the handler has
	// re-checked the chunk; closing it there loses the race to the cancel.
	var reads int
	clock := func() time.Time {
		reads++
		if reads == 2 {
			rec, err := f.store.GetChunk(context.Background(), msg.ChunkID)
			if err != nil {
				t.Errorf("GetChunk: %v", err)
			} else {
				rec.State, rec.Fatal = string(chunk.StateFailed), true
				if err := f.store.SaveChunk(context.Background(), *rec); err != nil {
					t.Errorf("SaveChunk: %v", err)
				}
			}
		}
		return time.Now().UTC()
	}
	h, err := NewHandler(f.store, f.engine, Config{}, WithNotifier(f.notifier), WithClock(clock))
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	f.handler = h

	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	rows := f.attempts(t)
	if len(rows) != 1 || rows[0].Status != store.StatusFailed || !rows[0].Fatal {
		t.Fatalf("completion of a closed chunk must settle as failed: %#v", rows)
	}
	if done, _ := f.store.HasCompletedAttempt(context.Background(), msg.ChunkID); done {
		t.Fatalf("chunk must not count as completed")
	}
	if len(f.notifier.events) != 0 {
		t.Fatalf("no completion may be announced: %#v", f.notifier.events)
	}
}

func TestHandler_ExistingAttemptRowIsDuplicate(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)
	err := f.store.StartAttempt(context.Background(), store.WorkerLogRecord{
		LogID: "other-worker", JobType: string(msg.JobType), ElectionID: "e1", InstanceID: msg.InstanceID,
		ChunkID: msg.ChunkID, Attempt: 1, StartTime: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("StartAttempt: %v", err)
	}
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if f.engine.count() != 0 {
		t.Fatalf("a concurrent delivery of the same attempt must not run")
	}
}

func TestHandler_RejectsUndecodableMessages(t *testing.T) {
	f := newFixture(t, Config{})
	err := f.handler.ProcessTask(context.Background(), asynq.NewTask(chunk.JobTallyCreation.TaskType(), []byte("{")))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("want SkipRetry, got %v", err)
	}

	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, tallyPayload, 1)
	body, _ := json.Marshal(msg)
	err = f.handler.ProcessTask(context.Background(), asynq.NewTask(chunk.JobCombineDecryption.TaskType(), body))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("mismatched task type: want SkipRetry, got %v", err)
	}
}

func TestHandler_BadPayloadIsFatal(t *testing.T) {
	f := newFixture(t, Config{})
	msg := f.seedChunk(t, chunk.JobTallyCreation, chunk.GuardianRefs{}, `{"ballot_ids":["b1"],"encrypted_ballots":[]}`, 1)
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if rows := f.attempts(t); len(rows) != 1 || !rows[0].Fatal {
		t.Fatalf("want fatal row for inconsistent payload, got %#v", rows)
	}
	if f.engine.count() != 0 {
		t.Fatalf("engine must not be called for a malformed payload")
	}
}

func TestHandler_CompensatedShareIsLabelled(t *testing.T) {
	f := newFixture(t, Config{})
	refs := chunk.GuardianRefs{SourceGuardianID: "g1", TargetGuardianID: "m1"}
	msg := f.seedChunk(t, chunk.JobCompensatedDecryption, refs, `{"encrypted_tally":{"c":1}}`, 1)
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	rows := f.attempts(t)
	var res engine.ShareResult
	if err := json.Unmarshal([]byte(*rows[0].ResultJSON), &res); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if !res.Share.Compensated || res.Share.GuardianID != "m1" || res.Share.SourceGuardianID != "g1" {
		t.Fatalf("compensated share not labelled: %#v", res.Share)
	}
	if rows[0].SourceGuardianID != "g1" || rows[0].TargetGuardianID != "m1" {
		t.Fatalf("guardian refs not logged: %#v", rows[0])
	}
}

func TestHandler_CombineUsesSelectedShares(t *testing.T) {
	f := newFixture(t, Config{})
	var got []engine.Share
	f.engine.combine = func(_ context.Context, req engine.CombineRequest) (engine.CombineResult, error) {
		got = req.Shares
		return engine.CombineResult{Plaintext: json.RawMessage(`{}`)}, nil
	}
	payload := `{
		"context": {"quorum": 1},
		"available_guardians": ["G"],
		"missing_guardians": ["M"],
		"shares": [
			{"guardian_id": "G", "data": "direct-g"},
			{"guardian_id": "M", "source_guardian_id": "G", "compensated": true, "data": "comp-m"},
			{"guardian_id": "G", "source_guardian_id": "X", "compensated": true, "data": "redundant-g"}
		]
	}`
	msg := f.seedChunk(t, chunk.JobCombineDecryption, chunk.GuardianRefs{}, payload, 1)
	if err := f.deliver(t, msg); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if len(got) != 2 || string(got[0].Data) != `"direct-g"` || string(got[1].Data) != `"comp-m"` {
		t.Fatalf("unexpected shares sent to engine: %#v", got)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{engine.Fatalf("bad key"), ClassFatal},
		{engine.Transient(errors.New("timeout")), ClassTransient},
		{context.DeadlineExceeded, ClassTransient},
		{errors.New("unknown"), ClassTransient},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
