package audit

import "sync"

// Run-level events.
const (
	EventRunStart    = "run.start"
	EventRunResume   = "run.resume"
	EventRunComplete = "run.complete"
	EventRunStop     = "run.stop"
	EventPlanCreated = "plan.created"

	EventBatchStart    = "batch.start"
	EventBatchComplete = "batch.complete"
	EventBatchFailed   = "batch.failed"

	EventMergeStart          = "batch.merge.start"
	EventMergeConflict       = "merge.conflict"
	EventMergeFastForward    = "batch.merge.fast_forward"
	EventMergeBlocked        = "batch.merge.blocked"
	EventIntegrationDoctor   = "doctor.integration"
	EventComplianceBlock     = "manifest.compliance.block"
	EventComplianceWarn      = "manifest.compliance.warn"
	EventCompliancePass      = "manifest.compliance.pass"
	EventAccessRequested     = "access.requested"
	EventRescopeFailed       = "manifest.rescope.failed"
	EventTaskSkipped         = "task.skipped"
	EventTaskReset           = "task.reset"
	EventWorkersStopped      = "workers.stopped"
	EventWorkersLeftRunning  = "workers.left_running"
	EventTaskHumanReview     = "task.needs_human_review"
	EventWorkspacePrepared   = "workspace.prepared"
	EventWorkspaceReused     = "workspace.reused"
	EventWorkspaceRemoved    = "workspace.removed"
	EventStateTransition     = "task.transition"
	EventUsageRecorded       = "usage.recorded"
	EventPlanningFailed      = "plan.failed"
	EventMainAdvancedRetried = "batch.merge.retry"
)

// Task attempt events.
const (
	EventWorkerStart      = "worker.start"
	EventBootstrapStart   = "bootstrap.start"
	EventBootstrapCmd     = "bootstrap.cmd.complete"
	EventBootstrapCmdFail = "bootstrap.cmd.fail"
	EventBootstrapDone    = "bootstrap.complete"
	EventTurnStart        = "turn.start"
	EventTurnComplete     = "turn.complete"
	EventAgentEvent       = "agent.event"
	EventThreadStarted    = "agent.thread.started"
	EventThreadResumed    = "agent.thread.resumed"
	EventTaskStage        = "task.stage"
	EventTDDStageStart    = "tdd.stage.start"
	EventTDDStagePass     = "tdd.stage.pass"
	EventTDDStageFail     = "tdd.stage.fail"
	EventTDDStageSkip     = "tdd.stage.skip"
	EventLintPass         = "verify.lint.pass"
	EventLintFail         = "verify.lint.fail"
	EventDoctorPass       = "verify.doctor.pass"
	EventDoctorFail       = "verify.doctor.fail"
	EventCheckpoint       = "git.checkpoint"
	EventCheckpointSkip   = "git.checkpoint.skip"
	EventCommit           = "git.commit"
	EventCommitSkip       = "git.commit.skip"
	EventRevertFailed     = "git.revert.fail"
	EventScopeDivergence  = "scope.divergence"
	EventTaskRetry        = "task.retry"
	EventTaskComplete     = "task.complete"
	EventTaskFailed       = "task.failed"
	EventTaskStopped      = "task.stopped"
)

// Discard drops every entry.
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Entry) {}

// Recorder keeps entries in memory. It is safe for concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries []Entry
}

// Emit appends the entry.
func (recorder *Recorder) Emit(entry Entry) {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	recorder.entries = append(recorder.entries, entry)
}

// Entries returns a copy of the recorded entries.
func (recorder *Recorder) Entries() []Entry {
	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	return append([]Entry(nil), recorder.entries...)
}

// Events returns recorded event names, optionally limited to one task.
func (recorder *Recorder) Events(taskID string) []string {
	var events []string
	for _, entry := range recorder.Entries() {
		if taskID == "" || entry.TaskID == taskID {
			events = append(events, entry.Event)
		}
	}
	return events
}

// Find returns the first entry with the event name.
func (recorder *Recorder) Find(event string) (Entry, bool) {
	for _, entry := range recorder.Entries() {
		if entry.Event == event {
			return entry, true
		}
	}
	return Entry{}, false
}

// Value returns a field value from the entry.
func (entry Entry) Value(key string) string {
	for _, field := range entry.Fields {
		if field.Key == key {
			return field.Value
		}
	}
	return ""
}

// Multi fans entries out to several sinks.
func Multi(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return multi(filtered)
}

type multi []Sink

func (sinks multi) Emit(entry Entry) {
	for _, sink := range sinks {
		sink.Emit(entry)
	}
}
