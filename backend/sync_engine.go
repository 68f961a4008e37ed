package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"
)

// SyncEnginePhase is one state of the sync cycle state machine: Idle ->
// Draining -> Pulling -> Writing -> Idle.
type SyncEnginePhase string

const (
	PhaseIdle     SyncEnginePhase = "idle"
	PhaseDraining SyncEnginePhase = "draining"
	PhasePulling  SyncEnginePhase = "pulling"
	PhaseWriting  SyncEnginePhase = "writing"
)

// mutationPayload is the wire shape MutationQueue payloads are marshalled
// to/from. It carries enough of the note to push without a second local read.
type mutationPayload struct {
	Note *Note `json:"note,omitempty"`
}

// SyncEngine owns the single active sync cycle: it drains the
// MutationQueue against the remote, then pulls the remote note list and runs
// it through the Reconciler. Only one cycle runs at a time; a trigger that
// arrives mid-cycle is coalesced into a single pending rerun, never a queue
// of queued cycles.
type SyncEngine struct {
	mu           sync.Mutex
	phase        SyncEnginePhase
	running      bool
	pendingRerun bool
	suspended    bool // true while a collaboration session owns autosave

	ctx        context.Context
	appDataDir string
	deviceID   string
	isTestMode func() bool

	queue   *MutationQueue
	shadows *SyncShadowStore
	tombs   *TombstoneStore
	noteSvc NoteService
	sync    DriveSyncService
	drive   DriveService
	logger  DriveLogger
	reauth  func() error // single re-auth attempt on AuthExpired; nil disables it
	logout  func()       // invoked when the re-auth attempt itself fails; nil disables it
}

func NewSyncEngine(
	ctx context.Context,
	appDataDir string,
	deviceID string,
	queue *MutationQueue,
	shadows *SyncShadowStore,
	tombs *TombstoneStore,
	noteSvc NoteService,
	sync DriveSyncService,
	drive DriveService,
	logger DriveLogger,
	reauth func() error,
	logout func(),
) *SyncEngine {
	e := &SyncEngine{
		ctx:        ctx,
		appDataDir: appDataDir,
		deviceID:   deviceID,
		queue:      queue,
		shadows:    shadows,
		tombs:      tombs,
		noteSvc:    noteSvc,
		sync:       sync,
		drive:      drive,
		logger:     logger,
		reauth:     reauth,
		logout:     logout,
		phase:      PhaseIdle,
	}
	queue.SetDirtyHook(e.Kick)
	return e
}

// Suspend pauses automatic cycle triggers while a collaboration session is
// active — the session owns the note for its duration, so background sync
// must not race it. Queued mutations still accumulate; Resume drains them.
func (e *SyncEngine) Suspend() {
	e.mu.Lock()
	e.suspended = true
	e.mu.Unlock()
}

func (e *SyncEngine) Resume() {
	e.mu.Lock()
	e.suspended = false
	e.mu.Unlock()
	go e.Kick()
}

// Kick requests a cycle. If one is already running, the request is coalesced
// into a single pending rerun, never a backlog of queued cycles.
func (e *SyncEngine) Kick() {
	e.mu.Lock()
	if e.suspended {
		e.mu.Unlock()
		return
	}
	if e.running {
		e.pendingRerun = true
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.runLoop()
}

func (e *SyncEngine) runLoop() {
	for {
		e.runCycle()

		e.mu.Lock()
		if e.pendingRerun {
			e.pendingRerun = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.phase = PhaseIdle
		e.mu.Unlock()
		return
	}
}

func (e *SyncEngine) setPhase(p SyncEnginePhase) {
	e.mu.Lock()
	e.phase = p
	e.mu.Unlock()
}

func (e *SyncEngine) Phase() SyncEnginePhase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *SyncEngine) emit(event string, data ...interface{}) {
	if e.isTestMode != nil && e.isTestMode() {
		return
	}
	var payload interface{}
	if len(data) > 0 {
		payload = data[0]
	}
	if e.logger != nil {
		e.logger.NotifySyncEvent(event, payload)
		return
	}
	if payload == nil {
		wailsRuntime.EventsEmit(e.ctx, event)
		return
	}
	wailsRuntime.EventsEmit(e.ctx, event, payload)
}

func (e *SyncEngine) runCycle() {
	if e.drive == nil || e.sync == nil || !e.drive.IsConnected() {
		return
	}

	e.emit("sync:started", nil)
	e.setPhase(PhaseDraining)
	if authLost := e.drainQueue(); authLost {
		// The single refresh attempt failed: the cycle halts here with the
		// remaining ops still queued, and the session is logged out.
		e.emit("sync:error", map[string]interface{}{"code": string(ErrAuthExpired), "message": "token refresh failed"})
		if e.logout != nil {
			e.logout()
		}
		return
	}

	e.setPhase(PhasePulling)
	plan, err := e.pullPlan()
	if err != nil {
		e.emit("sync:error", err.Error())
		return
	}

	e.setPhase(PhaseWriting)
	if err := e.applyPullPlan(plan); err != nil {
		e.emit("sync:error", err.Error())
		return
	}

	e.emit("sync:finished", nil)
}

// drainQueue pushes every queued mutation to Drive. AuthExpired triggers a
// single re-auth attempt; on success the op is retried within the same
// drain. If the refresh attempt itself fails, the drain stops with every
// unprocessed op left queued untouched, and authLost=true tells the caller
// to halt the cycle and log the session out. NotFound on a delete is
// treated as success (already gone).
func (e *SyncEngine) drainQueue() (authLost bool) {
	reauthedThisCycle := false

	terminal, retried, err := e.queue.Drain(func(op QueuedOp) (DrainOutcome, error) {
		outcome, handlerErr := e.applyOp(op)
		if handlerErr == nil {
			return outcome, nil
		}

		var re *RemoteError
		if asRE, ok := handlerErr.(*RemoteError); ok {
			re = asRE
		}
		if re != nil && re.Kind == ErrAuthExpired {
			if reauthedThisCycle || e.reauth == nil {
				authLost = true
				return DrainStop, handlerErr
			}
			reauthedThisCycle = true
			if authErr := e.reauth(); authErr != nil {
				authLost = true
				return DrainStop, handlerErr
			}
			outcome, handlerErr = e.applyOp(op)
			if handlerErr == nil {
				return outcome, nil
			}
			if asRE, ok := handlerErr.(*RemoteError); ok {
				re = asRE
			}
		}

		if re != nil && re.Retryable() {
			if op.Attempts > 0 {
				time.Sleep(BackoffSchedule(op.Attempts))
			}
			return DrainRetry, handlerErr
		}
		return DrainTerminal, handlerErr
	})
	if err != nil && e.logger != nil {
		e.logger.Console("mutation queue drain failed to persist: %v", err)
	}
	for _, op := range retried {
		e.emit("sync:op-retried", map[string]interface{}{"opId": op.OpID, "attempts": op.Attempts, "lastError": op.LastError})
	}
	for _, op := range terminal {
		e.emit("sync:error", fmt.Sprintf("giving up on %s %s %s: %s", op.Type, op.EntityType, op.EntityID, op.LastError))
		if op.EntityType == EntityNote && op.Type != QueuedOpDelete {
			if markErr := e.noteSvc.UpdateNoteSyncState(op.EntityID, SyncStatusError, ""); markErr != nil && e.logger != nil {
				e.logger.Console("could not mark note %s errored: %v", op.EntityID, markErr)
			}
		}
	}
	return authLost
}

func (e *SyncEngine) applyOp(op QueuedOp) (DrainOutcome, error) {
	switch op.EntityType {
	case EntityNote:
		return e.applyNoteOp(op)
	case EntityFolder:
		// Folders are migrated away under M1; once migrationVersion>=1 no new
		// folder ops are enqueued. Older queued folder ops are simply dropped.
		return DrainCompleted, nil
	default:
		return DrainCompleted, nil
	}
}

func (e *SyncEngine) applyNoteOp(op QueuedOp) (DrainOutcome, error) {
	ctx := e.ctx

	switch op.Type {
	case QueuedOpDelete:
		err := e.sync.DeleteNote(ctx, op.EntityID)
		if err == nil {
			e.confirmRemoteDelete(op.EntityID)
			return DrainCompleted, nil
		}
		wrapped := NewRemoteError("delete note", err)
		if re, ok := wrapped.(*RemoteError); ok && re.Kind == ErrNotFound {
			e.confirmRemoteDelete(op.EntityID)
			return DrainCompleted, nil
		}
		return DrainRetry, wrapped

	case QueuedOpCreate, QueuedOpUpdate:
		var payload mutationPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil || payload.Note == nil {
			return DrainTerminal, fmt.Errorf("corrupt queued payload for %s: %w", op.EntityID, err)
		}
		note := payload.Note

		var err error
		if op.Type == QueuedOpCreate {
			err = e.sync.CreateNote(ctx, note)
		} else {
			var ifMatch string
			if shadow, ok := e.shadows.Get(note.ID); ok && shadow != nil {
				ifMatch = shadow.RemoteModifyTag
			}
			err = e.sync.UpdateNoteWithPrecondition(ctx, note, ifMatch)
		}
		if err != nil {
			wrapped := NewRemoteError(string(op.Type)+" note", err)
			return DrainRetry, wrapped
		}

		e.shadows.Set(&SyncShadow{
			NoteID:          note.ID,
			Version:         note.Version,
			RemoteUpdatedAt: note.ModifiedTime,
			ContentHash:     ContentHash(note.Content),
			RemoteModifyTag: note.ModifiedTime,
		})

		// プッシュ完了をノート行へ反映する: syncStatusをsyncedへ進め、初回
		// アップロードならDriveが採番したファイルIDを書き戻す。一度書いた
		// RemoteFileIDは以後上書きしない。
		var remoteFileID string
		if op.Type == QueuedOpCreate {
			if id, idErr := e.sync.GetNoteID(ctx, note.ID); idErr == nil {
				remoteFileID = id
			} else if e.logger != nil {
				e.logger.Console("could not resolve remote file id for %s: %v", note.ID, idErr)
			}
		}
		if err := e.noteSvc.UpdateNoteSyncState(note.ID, SyncStatusSynced, remoteFileID); err != nil && e.logger != nil {
			e.logger.Console("could not mark note %s synced: %v", note.ID, err)
		}
		return DrainCompleted, nil
	}
	return DrainCompleted, nil
}

// confirmRemoteDelete は確定したリモート削除の後始末: シャドウを消し、
// tombstoneをパージする。残しておく理由が消えた時点で消す。
func (e *SyncEngine) confirmRemoteDelete(noteID string) {
	e.shadows.Delete(noteID)
	if err := e.tombs.Clear(noteID); err != nil && e.logger != nil {
		e.logger.Console("could not clear tombstone for %s: %v", noteID, err)
	}
}

// pullPlanItem is one Reconciler decision awaiting application. Building the
// full plan is pure fetch-and-decide (no local writes, no queue pushes) so
// PhasePulling covers the actual remote round trip and PhaseWriting covers
// applying its outcome, rather than the phase transition being instantaneous.
type pullPlanItem struct {
	noteID string
	local  *Note
	result ReconcileResult
}

// pullPlan downloads the remote note list (if changed) and runs every note id
// present on either side through the Reconciler, returning the
// decisions without applying any of them yet.
func (e *SyncEngine) pullPlan() ([]pullPlanItem, error) {
	noteListID := e.drive.NoteListID()
	if noteListID == "" {
		return nil, nil // not yet connected/initialized; nothing to pull
	}

	remoteList, changed, err := e.sync.DownloadNoteListIfChanged(e.ctx, noteListID)
	if err != nil {
		return nil, NewRemoteError("download note list", err)
	}
	if !changed || remoteList == nil {
		return nil, nil
	}

	localNotes, err := e.noteSvc.ListNotes()
	if err != nil {
		return nil, fmt.Errorf("listing local notes: %w", err)
	}
	localByID := make(map[string]*Note, len(localNotes))
	for i := range localNotes {
		localByID[localNotes[i].ID] = &localNotes[i]
	}

	var plan []pullPlanItem

	seen := make(map[string]bool, len(remoteList.Notes))
	for _, meta := range remoteList.Notes {
		seen[meta.ID] = true
		local := localByID[meta.ID]
		shadow, _ := e.shadows.Get(meta.ID)
		tombAt := e.tombs.DeletedAt(meta.ID)

		remoteNote := &Note{
			ID:           meta.ID,
			Title:        meta.Title,
			ModifiedTime: meta.ModifiedTime,
			Order:        meta.Order,
			FolderID:     meta.FolderID,
			Archived:     meta.Archived,
			Version:      meta.Version,
			IsDeleted:    meta.IsDeleted,
			DeviceID:     meta.DeviceID,
		}

		result := Reconcile(local, remoteNote, shadow, tombAt, e.deviceID, meta.DeviceID)
		plan = append(plan, pullPlanItem{noteID: meta.ID, local: local, result: result})
	}

	// Notes present locally but absent from the remote list: either a fresh
	// local create (no shadow yet) or a remote-side deletion to mirror. There
	// is no remote counterpart here, so remoteDeviceID stays empty.
	for id, local := range localByID {
		if seen[id] {
			continue
		}
		shadow, _ := e.shadows.Get(id)
		tombAt := e.tombs.DeletedAt(id)
		result := Reconcile(local, nil, shadow, tombAt, e.deviceID, "")
		plan = append(plan, pullPlanItem{noteID: id, local: local, result: result})
	}

	return plan, nil
}

// applyPullPlan applies every queued Reconciler decision: PullInsert/
// PullUpdate/DeleteLocally locally, PushCreate/PushUpdate/PushDelete onto the
// mutation queue for the next drain rather than pushing inline (keeps push
// ordering single-pathed through the mutation queue).
func (e *SyncEngine) applyPullPlan(plan []pullPlanItem) error {
	for _, item := range plan {
		if err := e.applyReconcileResult(item.noteID, item.local, item.result); err != nil {
			return err
		}
	}
	return nil
}

func (e *SyncEngine) applyReconcileResult(noteID string, local *Note, result ReconcileResult) error {
	switch result.Action {
	case ActionNone, ActionSkipCollection, ActionConflict:
		if result.NewShadow != nil {
			e.shadows.Set(result.NewShadow)
		}
		return nil

	case ActionPullInsert, ActionPullUpdate:
		if result.Winner == nil {
			return nil
		}
		full, err := e.sync.DownloadNote(e.ctx, noteID)
		if err != nil {
			return NewRemoteError("download note", err)
		}
		full.Order = result.Winner.Order
		full.FolderID = result.Winner.FolderID
		full.SyncStatus = SyncStatusSynced // リモート初出のノートはsyncedで着地する
		if err := e.noteSvc.SaveNote(full); err != nil {
			return fmt.Errorf("saving pulled note %s: %w", noteID, err)
		}
		if result.NewShadow != nil {
			e.shadows.Set(result.NewShadow)
		}
		e.emit("notes:updated", nil)
		return nil

	case ActionDeleteLocally:
		if err := e.noteSvc.DeleteNote(noteID); err != nil {
			return fmt.Errorf("deleting local note %s: %w", noteID, err)
		}
		// リモートは既に消えているので、この削除はこのパスで確定する
		e.confirmRemoteDelete(noteID)
		e.emit("notes:updated", nil)
		return nil

	case ActionPushCreate, ActionPushUpdate:
		if local == nil {
			return nil
		}
		payload, err := json.Marshal(mutationPayload{Note: local})
		if err != nil {
			return fmt.Errorf("marshalling push payload for %s: %w", noteID, err)
		}
		opType := QueuedOpUpdate
		if result.Action == ActionPushCreate {
			opType = QueuedOpCreate
		}
		if _, err := e.queue.EnqueueCoalesced(opType, EntityNote, noteID, payload); err != nil {
			return fmt.Errorf("enqueueing push for %s: %w", noteID, err)
		}
		if result.NewShadow != nil {
			e.shadows.Set(result.NewShadow)
		}
		return nil

	case ActionPushDelete:
		// tombstoneはまだ消さない: リモート削除が確認されるまで復活抑止が
		// 要る。次のdrainでapplyNoteOpが成功した時点でconfirmRemoteDeleteが
		// パージする。
		if _, err := e.queue.EnqueueCoalesced(QueuedOpDelete, EntityNote, noteID, nil); err != nil {
			return fmt.Errorf("enqueueing delete for %s: %w", noteID, err)
		}
		return nil
	}
	return nil
}
