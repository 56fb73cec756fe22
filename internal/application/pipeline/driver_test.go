package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
	"locpipe/internal/port/outbound"
)

// scriptedTranslator answers requests by echoing each row's source text with a
// translation prefix, so placeholder tokens survive by construction. Scripted
// misbehavior simulates the failure modes the driver must absorb.
type scriptedTranslator struct {
	mu       sync.Mutex
	calls    int
	requests []outbound.TranslationRequest

	omitOnce  map[string]bool // omit these ids from the next response mentioning them
	poisonIDs map[string]bool // answer these ids with placeholder-dropping text
	failFirst int             // fail this many leading calls with a retryable server error

	started atomic.Int32
	block   chan struct{} // when non-nil, Translate waits until closed
}

func (s *scriptedTranslator) Translate(
	ctx context.Context,
	request outbound.TranslationRequest,
) (*outbound.TranslationResult, error) {
	s.started.Add(1)
	if s.block != nil {
		<-s.block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, request)

	if s.calls <= s.failFirst {
		return nil, &outbound.TranslationError{
			Code:      "SERVER_ERROR",
			Message:   "upstream returned 503",
			Type:      outbound.TranslationErrorTypeServer,
			Retryable: true,
		}
	}

	var payload struct {
		Rows []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"rows"`
	}
	if err := json.Unmarshal([]byte(request.UserPrompt), &payload); err != nil {
		return nil, &outbound.TranslationError{
			Code: "BAD_PAYLOAD", Message: err.Error(),
			Type: outbound.TranslationErrorTypeValidation,
		}
	}

	type item struct {
		ID   string `json:"id"`
		Text string `json:"text"`
	}
	items := make([]item, 0, len(payload.Rows))
	for _, row := range payload.Rows {
		if s.omitOnce[row.ID] {
			delete(s.omitOnce, row.ID)
			continue
		}
		text := "RU: " + row.Text
		if s.poisonIDs[row.ID] {
			text = "broken translation"
		}
		items = append(items, item{ID: row.ID, Text: text})
	}
	data, err := json.Marshal(map[string]any{"translations": items})
	if err != nil {
		return nil, err
	}

	return &outbound.TranslationResult{
		Text:      string(data),
		Model:     request.Model,
		Usage:     entity.TokenUsage{PromptTokens: 50, CompletionTokens: 30, TotalTokens: 80},
		Latency:   time.Millisecond,
		RequestID: request.RequestID,
	}, nil
}

func (s *scriptedTranslator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// fakeCheckpointStore persists serialized snapshots in memory, mirroring the
// copy-on-persist behavior of the file store.
type fakeCheckpointStore struct {
	mu              sync.Mutex
	saved           []byte
	persists        int
	loadRecord      *entity.CheckpointRecord
	loadErr         error
	persistErrAfter int // fail persists numbered >= this (0 disables)
}

func (s *fakeCheckpointStore) Load(_ context.Context, _ string) (*entity.CheckpointRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.saved != nil {
		record := entity.NewCheckpointRecord()
		if err := json.Unmarshal(s.saved, record); err != nil {
			return nil, err
		}
		return record, nil
	}
	if s.loadRecord != nil {
		return s.loadRecord, nil
	}
	return entity.NewCheckpointRecord(), nil
}

func (s *fakeCheckpointStore) Persist(_ context.Context, record *entity.CheckpointRecord, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persists++
	if s.persistErrAfter > 0 && s.persists >= s.persistErrAfter {
		return fmt.Errorf("disk full")
	}
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	s.saved = data
	return nil
}

func (s *fakeCheckpointStore) savedRecord(t *testing.T) *entity.CheckpointRecord {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.saved, "no checkpoint was persisted")
	record := entity.NewCheckpointRecord()
	require.NoError(t, json.Unmarshal(s.saved, record))
	return record
}

type fakeRowStore struct {
	rows         []*entity.Row
	loadErr      error
	mu           sync.Mutex
	wroteOutput  bool
	translations map[string]string
}

func (s *fakeRowStore) LoadRows(_ context.Context, _ string) ([]*entity.Row, error) {
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.rows, nil
}

func (s *fakeRowStore) WriteOutput(_ context.Context, _, _ string, translations map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wroteOutput = true
	s.translations = make(map[string]string, len(translations))
	for id, text := range translations {
		s.translations[id] = text
	}
	return nil
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []outbound.JournalEntry
	failing bool
}

func (j *fakeJournal) Append(_ context.Context, entries []outbound.JournalEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failing {
		return fmt.Errorf("journal write failed")
	}
	j.entries = append(j.entries, entries...)
	return nil
}

func (j *fakeJournal) ReadAll(_ context.Context) ([]outbound.JournalEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]outbound.JournalEntry, len(j.entries))
	copy(out, j.entries)
	return out, nil
}

func (j *fakeJournal) Close() error { return nil }

type fakeEscalations struct {
	mu      sync.Mutex
	records []outbound.EscalationRecord
}

func (e *fakeEscalations) Record(_ context.Context, record outbound.EscalationRecord) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.records = append(e.records, record)
	return nil
}

func (e *fakeEscalations) Close() error { return nil }

type fakeMemory struct {
	mu      sync.Mutex
	hits    map[string]string
	stored  []outbound.MemoryEntry
	lookErr error
}

func (m *fakeMemory) Lookup(_ context.Context, _ []string, _ string) (map[string]string, error) {
	if m.lookErr != nil {
		return nil, m.lookErr
	}
	return m.hits, nil
}

func (m *fakeMemory) Store(_ context.Context, entries []outbound.MemoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, entries...)
	return nil
}

func (m *fakeMemory) Close() error { return nil }

type driverFixture struct {
	translator  *scriptedTranslator
	checkpoints *fakeCheckpointStore
	rows        *fakeRowStore
	journal     *fakeJournal
	escalations *fakeEscalations
	memory      *fakeMemory
	recorder    *captureRecorder
	driver      *Driver
}

type fixtureOptions struct {
	maxBatch      int
	concurrency   int
	retries       int
	partialAccept bool
	memory        *fakeMemory
}

func newDriverFixture(t *testing.T, rows []*entity.Row, opts fixtureOptions) *driverFixture {
	t.Helper()

	if opts.maxBatch == 0 {
		opts.maxBatch = 4
	}
	if opts.concurrency == 0 {
		opts.concurrency = 1
	}

	policy := config.ModelPolicy{
		MaxBatchSize:         opts.maxBatch,
		MaxBatchSizeLongText: 1,
		TimeoutNormal:        time.Second,
		TimeoutLongText:      2 * time.Second,
		Status:               config.ModelStatusActive,
	}
	policies := config.ModelPolicies{"gpt-4o-mini": policy}

	fx := &driverFixture{
		translator:  &scriptedTranslator{},
		checkpoints: &fakeCheckpointStore{},
		journal:     &fakeJournal{},
		escalations: &fakeEscalations{},
		recorder:    &captureRecorder{},
		memory:      opts.memory,
	}
	fx.rows = &fakeRowStore{rows: rows}

	metrics, err := NewPipelineMetricsWithProvider(
		PipelineMetricsConfig{ServiceName: "locpipe-test"},
		createTestMeterProvider(t),
	)
	require.NoError(t, err)

	validator := mustValidator(t, DefaultPlaceholderPattern)

	gateway, err := NewGateway(
		GatewayConfig{
			PrimaryModel: "gpt-4o-mini",
			RunID:        "run-driver-test",
			Retry:        fastRetry(opts.retries),
		},
		policies,
		fx.translator,
		NewPromptBuilder("ru", nil),
		metrics,
		fx.recorder,
	)
	require.NoError(t, err)

	deps := DriverDeps{
		Gateway:     gateway,
		Reconciler:  NewReconciler(validator, opts.partialAccept),
		Validator:   validator,
		Checkpoints: fx.checkpoints,
		Rows:        fx.rows,
		Journal:     fx.journal,
		Escalations: fx.escalations,
		Recorder:    fx.recorder,
		Metrics:     metrics,
	}
	if opts.memory != nil {
		deps.Memory = opts.memory
	}

	driver, err := NewDriver(
		DriverConfig{
			RunID:          "run-driver-test",
			InputPath:      "input.csv",
			OutputPath:     "output.csv",
			CheckpointPath: "checkpoint.json",
			TargetLang:     "ru",
			Concurrency:    opts.concurrency,
		},
		policy,
		deps,
	)
	require.NoError(t, err)
	fx.driver = driver
	return fx
}

func seqRows(t *testing.T, n int) []*entity.Row {
	t.Helper()
	rows := make([]*entity.Row, 0, n)
	for i := 0; i < n; i++ {
		row, err := entity.NewRow(
			fmt.Sprintf("r%d", i),
			fmt.Sprintf("第%d行", i),
			valueobject.ContentTypeNormal,
		)
		require.NoError(t, err)
		rows = append(rows, row)
	}
	return rows
}

func TestDriverRunTranslatesAllRows(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 10), fixtureOptions{maxBatch: 4})

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 10, summary.TotalRows)
	assert.Equal(t, 10, summary.Translated)
	assert.Equal(t, 3, summary.BatchesSent)
	assert.Equal(t, 0, summary.Failed)
	assert.True(t, summary.Completed())

	saved := fx.checkpoints.savedRecord(t)
	assert.Equal(t, 10, saved.DoneCount())
	assert.Equal(t, 10, saved.Stats().OK)

	require.True(t, fx.rows.wroteOutput)
	assert.Len(t, fx.rows.translations, 10)
	assert.Equal(t, "RU: 第0行", fx.rows.translations["r0"])
	assert.Len(t, fx.journal.entries, 10)
}

func TestDriverRequeuesMissingIDsAsSingleton(t *testing.T) {
	// Ten rows at max batch four yield batches of 4, 4, and 2. The middle
	// batch answers only three of its four ids; the missing one is requeued
	// alone and succeeds on retry.
	fx := newDriverFixture(t, seqRows(t, 10), fixtureOptions{maxBatch: 4, partialAccept: true})
	fx.translator.omitOnce = map[string]bool{"r5": true}

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 10, summary.Translated)
	assert.Equal(t, 4, summary.BatchesSent)
	assert.Equal(t, 0, summary.Bisections)
	assert.Equal(t, 0, summary.Failed)

	saved := fx.checkpoints.savedRecord(t)
	assert.Equal(t, 10, saved.DoneCount())
	assert.Equal(t, 10, saved.Stats().OK)
	assert.True(t, saved.IsDone("r5"))

	// The requeued singleton is its own dispatch.
	dispatches := fx.recorder.byType(entity.EventBatchDispatch)
	require.Len(t, dispatches, 4)
	assert.Equal(t, 1, dispatches[3].Fields["rows"])
}

func TestDriverResumeSkipsDoneRows(t *testing.T) {
	rows := seqRows(t, 10)
	prior := entity.NewCheckpointRecord()
	for i := 0; i < 10; i++ {
		prior.MarkDone(fmt.Sprintf("r%d", i))
		prior.IncrementOK()
	}
	prior.SetBatchIndex(3)

	fx := newDriverFixture(t, rows, fixtureOptions{maxBatch: 4})
	fx.checkpoints.loadRecord = prior
	for i := 0; i < 10; i++ {
		fx.journal.entries = append(fx.journal.entries, outbound.JournalEntry{
			ID: fmt.Sprintf("r%d", i), Text: fmt.Sprintf("RU: 第%d行", i), Model: "gpt-4o-mini",
		})
	}

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 10, summary.DoneAtStart)
	assert.Equal(t, 0, summary.Translated)
	assert.Equal(t, 0, summary.BatchesSent)
	assert.True(t, summary.Completed())
	assert.Zero(t, fx.translator.callCount(), "resume must not re-translate done rows")

	// Output still regenerates from the journal.
	require.True(t, fx.rows.wroteOutput)
	assert.Len(t, fx.rows.translations, 10)
}

func TestDriverBisectionIsolatesPoisonRow(t *testing.T) {
	rows := make([]*entity.Row, 0, 8)
	for i := 0; i < 8; i++ {
		row, err := entity.NewRow(
			fmt.Sprintf("r%d", i),
			fmt.Sprintf("按 {key%d} 打开", i),
			valueobject.ContentTypeNormal,
		)
		require.NoError(t, err)
		rows = append(rows, row)
	}

	fx := newDriverFixture(t, rows, fixtureOptions{maxBatch: 8})
	fx.translator.poisonIDs = map[string]bool{"r3": true}

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 7, summary.Translated)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Bisections)
	assert.Equal(t, 8, summary.Escalated, "every row of the failing batch entered escalation")
	assert.True(t, summary.Completed())

	saved := fx.checkpoints.savedRecord(t)
	assert.Equal(t, 7, saved.DoneCount())
	assert.False(t, saved.IsDone("r3"), "failed row must stay pending for explicit re-runs")
	assert.Equal(t, 7, saved.Stats().OK)
	assert.Equal(t, 1, saved.Stats().Failed)

	require.Len(t, fx.escalations.records, 1)
	assert.Equal(t, "r3", fx.escalations.records[0].ID)
	assert.Equal(t, string(valueobject.FailurePlaceholderViolation), fx.escalations.records[0].FailureClass)
}

func TestDriverTransportFailureBisectsToPermanentFailures(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 2), fixtureOptions{maxBatch: 2})
	fx.translator.failFirst = 100

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.Translated)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 1, summary.Bisections)
	assert.True(t, summary.Completed())
	assert.Equal(t, 3, fx.translator.callCount())

	saved := fx.checkpoints.savedRecord(t)
	assert.Equal(t, 0, saved.DoneCount())
	assert.Equal(t, 2, saved.Stats().Failed)
	assert.Len(t, fx.escalations.records, 2)
}

func TestDriverRetriesTransportErrorWithinGateway(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 2), fixtureOptions{maxBatch: 2, retries: 1})
	fx.translator.failFirst = 1

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, summary.Translated)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 2, fx.translator.callCount())
}

func TestDriverCorruptCheckpointIsFatalBeforeAnyCall(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 4), fixtureOptions{})
	fx.checkpoints.loadErr = fmt.Errorf("%w: unexpected end of JSON input", domainerrors.ErrCorruptCheckpoint)

	summary, err := fx.driver.Run(context.Background())

	require.ErrorIs(t, err, domainerrors.ErrCorruptCheckpoint)
	assert.Nil(t, summary)
	assert.Zero(t, fx.translator.callCount(), "no model calls may be billed after a fatal load")
	assert.Len(t, fx.recorder.byType(entity.EventRunFatal), 1)
}

func TestDriverPersistFailureStopsDispatch(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 10), fixtureOptions{maxBatch: 4})
	fx.checkpoints.persistErrAfter = 1

	summary, err := fx.driver.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "persisting checkpoint")
	assert.Nil(t, summary)
	assert.Equal(t, 1, fx.translator.callCount(), "no further batches after a failed persist")
}

func TestDriverCancellationDrainsInFlight(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 10), fixtureOptions{maxBatch: 4, concurrency: 2})
	fx.translator.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	var summary *entity.RunSummary
	var runErr error
	done := make(chan struct{})
	go func() {
		summary, runErr = fx.driver.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return fx.translator.started.Load() == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	close(fx.translator.block)
	<-done

	require.ErrorIs(t, runErr, context.Canceled)
	require.NotNil(t, summary)
	assert.Equal(t, 8, summary.Translated, "both in-flight batches commit")
	assert.Equal(t, 2, summary.BatchesSent)

	saved := fx.checkpoints.savedRecord(t)
	assert.Equal(t, 8, saved.DoneCount())
}

func TestDriverMemoryPrefillSkipsModelCalls(t *testing.T) {
	memory := &fakeMemory{hits: map[string]string{"第0行": "Строка 0"}}
	fx := newDriverFixture(t, seqRows(t, 5), fixtureOptions{maxBatch: 5, memory: memory})

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, summary.MemoryHits)
	assert.Equal(t, 4, summary.Translated)
	assert.True(t, summary.Completed())

	// The prefilled row never reaches the model.
	for _, request := range fx.translator.requests {
		assert.NotContains(t, request.UserPrompt, "r0")
	}

	// Committed rows flow back into the memory.
	memory.mu.Lock()
	stored := len(memory.stored)
	memory.mu.Unlock()
	assert.Equal(t, 4, stored)

	saved := fx.checkpoints.savedRecord(t)
	assert.Equal(t, 5, saved.DoneCount())
	assert.True(t, saved.IsDone("r0"))
}

func TestDriverMemoryLookupFailureDegradesToFullRun(t *testing.T) {
	memory := &fakeMemory{lookErr: fmt.Errorf("connection refused")}
	fx := newDriverFixture(t, seqRows(t, 3), fixtureOptions{maxBatch: 5, memory: memory})

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.MemoryHits)
	assert.Equal(t, 3, summary.Translated)
}

func TestDriverEmptyInputCompletesImmediately(t *testing.T) {
	fx := newDriverFixture(t, nil, fixtureOptions{})

	summary, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 0, summary.TotalRows)
	assert.Equal(t, 0, summary.BatchesSent)
	assert.True(t, summary.Completed())
	assert.Zero(t, fx.translator.callCount())
	assert.True(t, fx.rows.wroteOutput)
}

func TestDriverEmitsLifecycleTraceEvents(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 4), fixtureOptions{maxBatch: 4})

	_, err := fx.driver.Run(context.Background())

	require.NoError(t, err)
	assert.Len(t, fx.recorder.byType(entity.EventRunStarted), 1)
	assert.Len(t, fx.recorder.byType(entity.EventCheckpointLoad), 1)
	assert.Len(t, fx.recorder.byType(entity.EventPartitioned), 1)
	assert.Len(t, fx.recorder.byType(entity.EventBatchDispatch), 1)
	assert.Len(t, fx.recorder.byType(entity.EventCallAttempt), 1)
	assert.Len(t, fx.recorder.byType(entity.EventBatchReconcile), 1)
	assert.Len(t, fx.recorder.byType(entity.EventBatchCommit), 1)
	assert.Len(t, fx.recorder.byType(entity.EventRunCompleted), 1)
}

func TestDriverJournalFailureIsFatal(t *testing.T) {
	fx := newDriverFixture(t, seqRows(t, 4), fixtureOptions{maxBatch: 4})
	fx.journal.failing = true

	summary, err := fx.driver.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "result journal")
	assert.Nil(t, summary)
	assert.Equal(t, 1, fx.translator.callCount())
}
