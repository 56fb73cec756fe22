package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/config"
	"locpipe/internal/domain/entity"
	domainerrors "locpipe/internal/domain/errors/domain"
	"locpipe/internal/domain/valueobject"
	"locpipe/internal/port/inbound"
	"locpipe/internal/port/outbound"
)

// DriverConfig holds the run-scoped settings of one pipeline execution.
type DriverConfig struct {
	RunID          string
	InputPath      string
	OutputPath     string
	CheckpointPath string
	TargetLang     string
	Concurrency    int
}

// DriverDeps bundles the collaborators the driver orchestrates.
type DriverDeps struct {
	Gateway     *Gateway
	Reconciler  *Reconciler
	Validator   *PlaceholderValidator
	Checkpoints outbound.CheckpointStore
	Rows        outbound.RowStore
	Journal     outbound.ResultJournal
	Escalations outbound.EscalationSink
	Memory      outbound.TranslationMemory
	Recorder    outbound.TraceRecorder
	Metrics     *PipelineMetrics
}

// batchOutcome is what a worker hands back to the dispatch loop. Exactly one
// of the failure fields is set on a failed batch; a clean batch carries the
// reconciled translations.
type batchOutcome struct {
	batch        *entity.Batch
	result       *entity.CallResult
	accepted     []RowTranslation
	rejected     []string
	reconcileErr error
	callErr      error
}

// Driver runs the batch processing loop: load checkpoint, partition pending
// rows, dispatch batches through the gateway with bounded concurrency,
// reconcile, and commit results incrementally.
//
// Workers own their batch exclusively while it is in flight; the queue, the
// checkpoint record, the journal, and the stats are touched only by the
// dispatch loop goroutine, which serializes all persistence.
//
// A Driver runs once; construct a fresh one per run.
type Driver struct {
	config      DriverConfig
	policy      config.ModelPolicy
	gateway     *Gateway
	reconciler  *Reconciler
	validator   *PlaceholderValidator
	checkpoints outbound.CheckpointStore
	rows        outbound.RowStore
	journal     outbound.ResultJournal
	escalations outbound.EscalationSink
	memory      outbound.TranslationMemory
	recorder    outbound.TraceRecorder
	metrics     *PipelineMetrics

	// Dispatch-loop state. Only the Run goroutine touches these.
	nextIndex    int
	escalatedIDs map[string]bool
	failedIDs    map[string]bool
	summary      entity.RunSummary
}

var _ inbound.TranslationPipeline = (*Driver)(nil)

// NewDriver validates the wiring. Memory and Recorder are optional; every
// other collaborator is required. The partition policy is the primary model's.
func NewDriver(cfg DriverConfig, policy config.ModelPolicy, deps DriverDeps) (*Driver, error) {
	if deps.Gateway == nil || deps.Reconciler == nil || deps.Validator == nil {
		return nil, errors.New("driver requires gateway, reconciler, and validator")
	}
	if deps.Checkpoints == nil || deps.Rows == nil || deps.Journal == nil || deps.Escalations == nil {
		return nil, errors.New("driver requires checkpoint store, row store, journal, and escalation sink")
	}
	if deps.Metrics == nil {
		return nil, errors.New("driver requires metrics")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	return &Driver{
		config:       cfg,
		policy:       policy,
		gateway:      deps.Gateway,
		reconciler:   deps.Reconciler,
		validator:    deps.Validator,
		checkpoints:  deps.Checkpoints,
		rows:         deps.Rows,
		journal:      deps.Journal,
		escalations:  deps.Escalations,
		memory:       deps.Memory,
		recorder:     deps.Recorder,
		metrics:      deps.Metrics,
		escalatedIDs: make(map[string]bool),
		failedIDs:    make(map[string]bool),
	}, nil
}

// Run executes the pipeline to completion, cancellation, or fatal error.
// On cancellation, in-flight batches complete and their results are committed
// before Run returns ctx's error alongside the partial summary; a fatal error
// (corrupt checkpoint, unwritable journal or checkpoint) halts dispatch so no
// further model calls are billed for results that cannot be recorded.
func (d *Driver) Run(ctx context.Context) (*entity.RunSummary, error) {
	start := time.Now()
	d.summary = entity.RunSummary{RunID: d.config.RunID}

	d.record(ctx, entity.StepLoadingCheckpoint, entity.EventRunStarted, map[string]any{
		"input":       d.config.InputPath,
		"output":      d.config.OutputPath,
		"checkpoint":  d.config.CheckpointPath,
		"target_lang": d.config.TargetLang,
		"concurrency": d.config.Concurrency,
		"model_chain": d.gateway.Chain(),
	})

	record, err := d.checkpoints.Load(ctx, d.config.CheckpointPath)
	if err != nil {
		return d.fatal(ctx, fmt.Errorf("loading checkpoint: %w", err))
	}
	d.record(ctx, entity.StepLoadingCheckpoint, entity.EventCheckpointLoad, map[string]any{
		"done":      record.DoneCount(),
		"batch_idx": record.BatchIndex(),
		"ok":        record.Stats().OK,
		"escalated": record.Stats().Escalated,
		"failed":    record.Stats().Failed,
	})

	allRows, err := d.rows.LoadRows(ctx, d.config.InputPath)
	if err != nil {
		return d.fatal(ctx, fmt.Errorf("loading dataset: %w", err))
	}
	d.summary.TotalRows = len(allRows)
	for _, row := range allRows {
		if record.IsDone(row.ID()) {
			d.summary.DoneAtStart++
		}
	}

	pending := d.pendingRows(record, allRows)
	slogger.Info(ctx, "Pipeline run starting", slogger.Fields3(
		"run_id", d.config.RunID,
		"total_rows", len(allRows),
		"pending_rows", len(pending),
	))

	if d.memory != nil && len(pending) > 0 {
		pending, err = d.prefillFromMemory(ctx, record, pending)
		if err != nil {
			return d.fatal(ctx, err)
		}
	}

	d.nextIndex = record.BatchIndex()
	batches, err := PartitionRows(pending, d.policy, d.nextIndex)
	if err != nil {
		return d.fatal(ctx, err)
	}
	d.nextIndex += len(batches)
	d.record(ctx, entity.StepPartitioning, entity.EventPartitioned, map[string]any{
		"pending_rows": len(pending),
		"batches":      len(batches),
	})

	if len(batches) > 0 {
		if err := d.dispatchAll(ctx, record, batches); err != nil {
			return d.fatal(ctx, err)
		}
	}

	if err := d.writeOutput(ctx); err != nil {
		return d.fatal(ctx, err)
	}

	d.summary.Duration = time.Since(start)
	d.record(ctx, entity.StepDone, entity.EventRunCompleted, map[string]any{
		"translated":  d.summary.Translated,
		"memory_hits": d.summary.MemoryHits,
		"escalated":   d.summary.Escalated,
		"failed":      d.summary.Failed,
		"batches":     d.summary.BatchesSent,
		"bisections":  d.summary.Bisections,
		"duration_ms": d.summary.Duration.Milliseconds(),
		"completed":   d.summary.Completed(),
	})
	slogger.Info(ctx, "Pipeline run finished", slogger.Fields3(
		"run_id", d.config.RunID,
		"translated", d.summary.Translated,
		"failed", d.summary.Failed,
	))

	summary := d.summary
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &summary, ctxErr
	}
	return &summary, nil
}

// dispatchAll drains the batch queue through the bounded worker pool. Workers
// only call the gateway and reconcile; every mutation of the checkpoint,
// journal, queue, and stats happens here, one outcome at a time.
func (d *Driver) dispatchAll(ctx context.Context, record *entity.CheckpointRecord, initial []*entity.Batch) error {
	queue := make([]*entity.Batch, len(initial))
	copy(queue, initial)

	// In-flight calls finish on their own context so an operator stop never
	// discards a response that was already paid for.
	callCtx := context.WithoutCancel(ctx)

	var workers errgroup.Group
	outcomes := make(chan batchOutcome)
	inflight := 0
	var fatalErr error

	for {
		for fatalErr == nil && ctx.Err() == nil && inflight < d.config.Concurrency && len(queue) > 0 {
			batch := queue[0]
			queue = queue[1:]
			inflight++
			d.summary.BatchesSent++
			d.record(ctx, entity.StepDispatching, entity.EventBatchDispatch, map[string]any{
				"batch_idx":    batch.Index(),
				"rows":         batch.Size(),
				"content_type": string(batch.ContentType()),
			})
			workers.Go(func() error {
				outcomes <- d.processBatch(callCtx, batch)
				return nil
			})
		}

		if inflight == 0 {
			break
		}

		outcome := <-outcomes
		inflight--

		requeued, err := d.handleOutcome(ctx, record, outcome)
		if err != nil {
			if fatalErr == nil {
				fatalErr = err
			}
			continue
		}
		queue = append(queue, requeued...)
	}

	if err := workers.Wait(); err != nil && fatalErr == nil {
		fatalErr = err
	}
	if fatalErr != nil {
		return fatalErr
	}
	if err := ctx.Err(); err != nil {
		slogger.Warn(ctx, "Dispatch stopped before the queue drained", slogger.Fields2(
			"run_id", d.config.RunID,
			"undispatched", len(queue),
		))
	}
	return nil
}

// processBatch runs in a worker goroutine. It owns the batch exclusively and
// touches no shared driver state.
func (d *Driver) processBatch(ctx context.Context, batch *entity.Batch) batchOutcome {
	outcome := batchOutcome{batch: batch}

	result, err := d.gateway.Call(ctx, batch)
	if err != nil {
		outcome.callErr = err
		return outcome
	}
	outcome.result = result
	if result.Failed() {
		return outcome
	}

	outcome.accepted, outcome.rejected, outcome.reconcileErr = d.reconciler.Reconcile(ctx, result, batch)
	d.record(ctx, entity.StepReconciling, entity.EventBatchReconcile, map[string]any{
		"batch_idx": batch.Index(),
		"accepted":  len(outcome.accepted),
		"rejected":  len(outcome.rejected),
		"model":     result.ModelUsed(),
	})
	return outcome
}

// handleOutcome advances the state machine for one completed batch: commit,
// partial commit plus requeue, bisect, or permanent failure. A returned error
// is fatal for the run.
func (d *Driver) handleOutcome(ctx context.Context, record *entity.CheckpointRecord, outcome batchOutcome) ([]*entity.Batch, error) {
	rejectedOutright := outcome.callErr != nil ||
		(outcome.result != nil && outcome.result.Failed()) ||
		outcome.reconcileErr != nil
	if rejectedOutright {
		return d.escalate(ctx, record, outcome)
	}

	if len(outcome.accepted) > 0 {
		if err := d.commit(ctx, record, outcome); err != nil {
			return nil, err
		}
	}

	if len(outcome.rejected) > 0 {
		requeue, err := d.subsetBatch(outcome.batch, outcome.rejected)
		if err != nil {
			return nil, err
		}
		return []*entity.Batch{requeue}, nil
	}
	return nil, nil
}

// commit makes a batch's accepted translations durable: journal first, then
// checkpoint. A failure of either is fatal because continuing would risk
// billing calls whose results cannot be recorded.
func (d *Driver) commit(ctx context.Context, record *entity.CheckpointRecord, outcome batchOutcome) error {
	batch := outcome.batch
	now := time.Now().UTC()
	entries := make([]outbound.JournalEntry, 0, len(outcome.accepted))
	for _, translation := range outcome.accepted {
		entries = append(entries, outbound.JournalEntry{
			ID:         translation.RowID,
			Text:       translation.Text,
			Model:      outcome.result.ModelUsed(),
			BatchIndex: batch.Index(),
			Timestamp:  now,
		})
	}
	if err := d.journal.Append(ctx, entries); err != nil {
		return fmt.Errorf("appending result journal: %w", err)
	}

	newly := 0
	for _, translation := range outcome.accepted {
		if record.MarkDone(translation.RowID) {
			record.IncrementOK()
			newly++
		}
	}
	record.SetBatchIndex(batch.Index() + 1)

	persistStart := time.Now()
	if err := d.checkpoints.Persist(ctx, record, d.config.CheckpointPath); err != nil {
		return fmt.Errorf("persisting checkpoint: %w", err)
	}
	d.metrics.RecordCheckpointPersist(ctx, time.Since(persistStart))

	d.summary.Translated += newly
	d.metrics.RecordRow(ctx, OutcomeOK, int64(newly))
	d.metrics.RecordBatch(ctx, OutcomeCommitted, batch.Size(), string(batch.ContentType()))
	d.record(ctx, entity.StepCommitting, entity.EventBatchCommit, map[string]any{
		"batch_idx":  batch.Index(),
		"accepted":   len(outcome.accepted),
		"rejected":   len(outcome.rejected),
		"model":      outcome.result.ModelUsed(),
		"done_total": record.DoneCount(),
	})

	if d.memory != nil {
		d.storeMemory(ctx, outcome)
	}
	return nil
}

// escalate handles a fully rejected batch: bisect when it can still shrink,
// otherwise record the lone row as permanently failed and move on.
func (d *Driver) escalate(ctx context.Context, record *entity.CheckpointRecord, outcome batchOutcome) ([]*entity.Batch, error) {
	batch := outcome.batch
	class, reason := failureInfo(outcome)

	for _, id := range batch.IDs() {
		if !d.escalatedIDs[id] {
			d.escalatedIDs[id] = true
			record.IncrementEscalated()
			d.summary.Escalated++
		}
	}

	if batch.Size() > 1 {
		first, second, err := batch.SplitHalves(d.takeIndex(), d.takeIndex())
		if err != nil {
			return nil, err
		}
		d.summary.Bisections++
		d.metrics.RecordBisection(ctx, string(class))
		d.metrics.RecordBatch(ctx, OutcomeBisected, batch.Size(), string(batch.ContentType()))
		d.record(ctx, entity.StepReconciling, entity.EventBatchBisect, map[string]any{
			"batch_idx":     batch.Index(),
			"rows":          batch.Size(),
			"first_idx":     first.Index(),
			"second_idx":    second.Index(),
			"failure_class": string(class),
			"reason":        reason,
		})
		slogger.Warn(ctx, "Batch rejected, bisecting", slogger.Fields3(
			"batch_idx", batch.Index(),
			"rows", batch.Size(),
			"failure_class", string(class),
		))
		return []*entity.Batch{first, second}, nil
	}

	row := batch.Rows()[0]
	if !d.failedIDs[row.ID()] {
		d.failedIDs[row.ID()] = true
		record.IncrementFailed()
		d.summary.Failed++
	}
	d.metrics.RecordRow(ctx, OutcomeFailed, 1)
	d.metrics.RecordBatch(ctx, OutcomeFailed, 1, string(batch.ContentType()))
	d.record(ctx, entity.StepReconciling, entity.EventRowEscalated, map[string]any{
		"batch_idx":     batch.Index(),
		"row_id":        row.ID(),
		"failure_class": string(class),
		"reason":        reason,
	})
	slogger.Error(ctx, "Row failed at batch size one, escalating", slogger.Fields3(
		"row_id", row.ID(),
		"failure_class", string(class),
		"reason", reason,
	))

	// The escalation artifact is advisory: losing one entry only means the
	// row is retried on the next run, so a write failure is not fatal.
	if err := d.escalations.Record(ctx, outbound.EscalationRecord{
		ID:           row.ID(),
		SourceText:   row.SourceText(),
		Reason:       reason,
		FailureClass: string(class),
		Timestamp:    time.Now().UTC(),
	}); err != nil {
		slogger.ErrorWithError(ctx, err, "Failed to record escalation", slogger.Field("row_id", row.ID()))
	}

	record.SetBatchIndex(batch.Index() + 1)
	if err := d.checkpoints.Persist(ctx, record, d.config.CheckpointPath); err != nil {
		return nil, fmt.Errorf("persisting checkpoint: %w", err)
	}
	return nil, nil
}

// prefillFromMemory commits verbatim translation-memory hits before any model
// call. Lookup failures degrade to a full run; journal or checkpoint failures
// are fatal as in the main commit path.
func (d *Driver) prefillFromMemory(ctx context.Context, record *entity.CheckpointRecord, pending []*entity.Row) ([]*entity.Row, error) {
	sources := make([]string, 0, len(pending))
	for _, row := range pending {
		sources = append(sources, row.SourceText())
	}

	hits, err := d.memory.Lookup(ctx, sources, d.config.TargetLang)
	if err != nil {
		slogger.Warn(ctx, "Translation memory lookup failed, continuing without prefill",
			slogger.Field("error", err.Error()))
		return pending, nil
	}
	if len(hits) == 0 {
		return pending, nil
	}

	now := time.Now().UTC()
	entries := make([]outbound.JournalEntry, 0, len(hits))
	prefilled := make([]string, 0, len(hits))
	remaining := make([]*entity.Row, 0, len(pending))
	for _, row := range pending {
		text, ok := hits[row.SourceText()]
		if !ok || text == "" {
			remaining = append(remaining, row)
			continue
		}
		if err := d.validator.Validate(row.SourceText(), text); err != nil {
			slogger.Warn(ctx, "Memory hit failed placeholder check, retranslating", slogger.Fields2(
				"row_id", row.ID(),
				"reason", err.Error(),
			))
			remaining = append(remaining, row)
			continue
		}
		entries = append(entries, outbound.JournalEntry{
			ID:         row.ID(),
			Text:       text,
			Model:      "memory",
			BatchIndex: -1,
			Timestamp:  now,
		})
		prefilled = append(prefilled, row.ID())
	}
	if len(entries) == 0 {
		return remaining, nil
	}

	if err := d.journal.Append(ctx, entries); err != nil {
		return nil, fmt.Errorf("appending memory prefill to journal: %w", err)
	}
	for _, id := range prefilled {
		if record.MarkDone(id) {
			record.IncrementOK()
			d.summary.MemoryHits++
		}
	}
	if err := d.checkpoints.Persist(ctx, record, d.config.CheckpointPath); err != nil {
		return nil, fmt.Errorf("persisting checkpoint after memory prefill: %w", err)
	}

	d.metrics.RecordRow(ctx, OutcomeMemoryHit, int64(len(prefilled)))
	d.record(ctx, entity.StepLoadingCheckpoint, entity.EventMemoryPrefill, map[string]any{
		"hits": len(prefilled),
	})
	slogger.Info(ctx, "Prefilled rows from translation memory", slogger.Field("hits", len(prefilled)))
	return remaining, nil
}

// storeMemory upserts committed translations into the translation memory.
func (d *Driver) storeMemory(ctx context.Context, outcome batchOutcome) {
	entries := make([]outbound.MemoryEntry, 0, len(outcome.accepted))
	for _, translation := range outcome.accepted {
		row := outcome.batch.RowByID(translation.RowID)
		if row == nil {
			continue
		}
		entries = append(entries, outbound.MemoryEntry{
			SourceText: row.SourceText(),
			TargetText: translation.Text,
			TargetLang: d.config.TargetLang,
			Model:      outcome.result.ModelUsed(),
		})
	}
	if err := d.memory.Store(ctx, entries); err != nil {
		slogger.Warn(ctx, "Translation memory store failed", slogger.Field("error", err.Error()))
	}
}

// writeOutput replays the journal and writes the output table. Duplicate
// journal ids from crash replays resolve last-wins.
func (d *Driver) writeOutput(ctx context.Context) error {
	entries, err := d.journal.ReadAll(ctx)
	if err != nil {
		return fmt.Errorf("replaying result journal: %w", err)
	}
	translations := make(map[string]string, len(entries))
	for _, entry := range entries {
		translations[entry.ID] = entry.Text
	}
	if err := d.rows.WriteOutput(ctx, d.config.InputPath, d.config.OutputPath, translations); err != nil {
		return fmt.Errorf("writing output: %w", err)
	}
	return nil
}

// subsetBatch builds the requeue batch for partially accepted ids, keeping
// the rows' original order.
func (d *Driver) subsetBatch(batch *entity.Batch, ids []string) (*entity.Batch, error) {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	rows := make([]*entity.Row, 0, len(ids))
	for _, row := range batch.Rows() {
		if wanted[row.ID()] {
			rows = append(rows, row)
		}
	}
	return entity.NewBatch(d.takeIndex(), rows)
}

func (d *Driver) pendingRows(record *entity.CheckpointRecord, rows []*entity.Row) []*entity.Row {
	pending := make([]*entity.Row, 0, len(rows))
	for _, row := range rows {
		if !record.IsDone(row.ID()) {
			pending = append(pending, row)
		}
	}
	return pending
}

func (d *Driver) takeIndex() int {
	idx := d.nextIndex
	d.nextIndex++
	return idx
}

func (d *Driver) fatal(ctx context.Context, err error) (*entity.RunSummary, error) {
	d.record(ctx, entity.StepFatal, entity.EventRunFatal, map[string]any{
		"error": err.Error(),
	})
	slogger.ErrorWithError(ctx, err, "Pipeline run halted", slogger.Field("run_id", d.config.RunID))
	return nil, err
}

func (d *Driver) record(ctx context.Context, step, eventType string, fields map[string]any) {
	if d.recorder == nil {
		return
	}
	event := entity.NewTraceEvent(d.config.RunID, step, eventType, fields)
	if err := d.recorder.Record(ctx, event); err != nil {
		slogger.Warn(ctx, "Failed to record trace event", slogger.Fields2(
			"event", eventType,
			"error", err.Error(),
		))
	}
}

// failureInfo extracts the failure classification driving the escalation
// decision for a rejected batch.
func failureInfo(outcome batchOutcome) (valueobject.FailureClass, string) {
	switch {
	case outcome.callErr != nil:
		return valueobject.FailureUnknown, outcome.callErr.Error()
	case outcome.result != nil && outcome.result.Failed():
		return outcome.result.Failure().Class, outcome.result.Failure().Message
	case outcome.reconcileErr != nil:
		return reconcileFailureClass(outcome.reconcileErr), outcome.reconcileErr.Error()
	default:
		return valueobject.FailureUnknown, "unknown failure"
	}
}

func reconcileFailureClass(err error) valueobject.FailureClass {
	switch {
	case errors.Is(err, domainerrors.ErrMalformedResponse):
		return valueobject.FailureMalformedResponse
	case errors.Is(err, domainerrors.ErrIDMismatch):
		return valueobject.FailureIDMismatch
	case errors.Is(err, domainerrors.ErrPlaceholderViolation):
		return valueobject.FailurePlaceholderViolation
	default:
		return valueobject.FailureUnknown
	}
}
