package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// migrationM1 is the single migration this engine knows: folders (the
// legacy "collection" concept) are removed, every note's FolderID is
// cleared, and a delete op is queued for each folder (the Sync Engine's drain
// completes folder ops without a remote call). It is one-shot and
// irreversible once its migration log is discarded.
const migrationM1 = 1

// MigrationProgress mirrors the migrationProgress frontend event payload.
type MigrationProgress struct {
	NotesProcessed     int     `json:"notesProcessed"`
	CollectionsRemoved int     `json:"collectionsRemoved"`
	DriveFilesDeleted  int     `json:"driveFilesDeleted"`
	ElapsedSeconds     float64 `json:"elapsedSeconds"`
	DryRun             bool    `json:"dryRun"`
	Done               bool    `json:"done"`
	Error              string  `json:"error,omitempty"`
}

// migrationLogEntry records, for one note, the FolderID it had before M1
// cleared it — the minimum needed to roll back a failed run.
type migrationLogEntry struct {
	NoteID         string `json:"noteId"`
	PreviousFolder string `json:"previousFolderId"`
}

type migrationLog struct {
	StartedAt string              `json:"startedAt"`
	Entries   []migrationLogEntry `json:"entries"`
	Folders   []Folder            `json:"folders"` // snapshot, for rollback
	Completed bool                `json:"completed"`
}

// MigrationEngine runs the M1 "remove collections" migration: it
// clears FolderID on every note, deletes local Folder rows and tombstones
// each one (so a pull racing the migration, or a pre-M1 peer's stale index
// entry, can't resurrect it), queues a delete op for each folder (completed by
// the Sync Engine's drain without a remote call), and records
// settings.migrationVersion.
//
// The app runs in read-only mode (callers should check InProgress()) for the
// migration's duration; on a terminal failure RollbackFromLog restores every
// note's prior FolderID from the log written at the start of the run.
type MigrationEngine struct {
	mu         sync.Mutex
	inProgress bool

	appDataDir string
	logPath    string
	noteSvc    *noteService
	queue      *MutationQueue
	tombs      *TombstoneStore
	settings   *settingsService
	logger     DriveLogger
}

func NewMigrationEngine(appDataDir string, noteSvc *noteService, queue *MutationQueue, tombs *TombstoneStore, settings *settingsService, logger DriveLogger) *MigrationEngine {
	return &MigrationEngine{
		appDataDir: appDataDir,
		logPath:    filepath.Join(appDataDir, "migration_m1.log.json"),
		noteSvc:    noteSvc,
		queue:      queue,
		tombs:      tombs,
		settings:   settings,
		logger:     logger,
	}
}

func (m *MigrationEngine) InProgress() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inProgress
}

// NeedsM1 reports whether the stored settings are behind migration M1.
func (m *MigrationEngine) NeedsM1() bool {
	settings, err := m.settings.LoadSettings()
	if err != nil || settings == nil {
		return false
	}
	return settings.MigrationVersion < migrationM1
}

func (m *MigrationEngine) emit(event string, progress MigrationProgress) {
	// App wires wailsRuntime directly (see RunM1's emitFn callback) since
	// MigrationEngine has no Wails context of its own.
	if m.logger != nil {
		m.logger.Console("migration m1: %+v", progress)
	}
	_ = event
}

// RunM1 executes the migration. dryRun computes and reports the plan without
// writing anything. emitFn, if non-nil, is called with each progress update
// (App wires this to wailsRuntime.EventsEmit("migrationProgress", ...)).
func (m *MigrationEngine) RunM1(dryRun bool, emitFn func(MigrationProgress)) error {
	m.mu.Lock()
	if m.inProgress {
		m.mu.Unlock()
		return fmt.Errorf("migration already in progress")
	}
	m.inProgress = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.inProgress = false
		m.mu.Unlock()
	}()

	start := time.Now()
	notes, err := m.noteSvc.ListNotes()
	if err != nil {
		return fmt.Errorf("listing notes for migration: %w", err)
	}
	folders := m.noteSvc.ListFolders()

	logEntry := migrationLog{
		StartedAt: start.UTC().Format(time.RFC3339Nano),
		Folders:   folders,
	}
	for _, note := range notes {
		if note.FolderID == "" {
			continue
		}
		logEntry.Entries = append(logEntry.Entries, migrationLogEntry{NoteID: note.ID, PreviousFolder: note.FolderID})
	}

	// Written before any mutation runs: RollbackFromLog needs this on disk
	// to restore from a genuine mid-migration failure, not just one that
	// happens to occur after both loops already finished.
	if !dryRun {
		if err := m.writeLog(logEntry); err != nil {
			return fmt.Errorf("writing migration rollback log: %w", err)
		}
	}

	progress := MigrationProgress{DryRun: dryRun}
	report := func(done bool, errMsg string) {
		progress.ElapsedSeconds = time.Since(start).Seconds()
		progress.Done = done
		progress.Error = errMsg
		if emitFn != nil {
			emitFn(progress)
		}
		m.emit("migrationProgress", progress)
	}

	for _, note := range notes {
		if note.FolderID == "" {
			continue
		}
		progress.NotesProcessed++
		if !dryRun {
			// FolderID is owned by the note list metadata, not the note file
			// itself (SaveNote deliberately leaves an existing note's FolderID
			// untouched — membership changes only ever go through
			// MoveNoteToFolder), so clearing it has to go through that path.
			if err := m.noteSvc.MoveNoteToFolder(note.ID, ""); err != nil {
				return m.failAndRollback(report, fmt.Errorf("clearing folder on note %s: %w", note.ID, err))
			}
			n := note
			n.FolderID = ""
			n.Version++
			if err := m.noteSvc.SaveNote(&n); err != nil {
				return m.failAndRollback(report, fmt.Errorf("bumping version on note %s: %w", note.ID, err))
			}
			payload, _ := json.Marshal(mutationPayload{Note: &n})
			if m.queue != nil {
				m.queue.EnqueueCoalesced(QueuedOpUpdate, EntityNote, n.ID, payload)
			}
		}
		report(false, "")
	}

	for _, folder := range folders {
		progress.CollectionsRemoved++
		if !dryRun {
			if err := m.noteSvc.DeleteFolder(folder.ID); err != nil {
				// Non-fatal: folder may already be non-empty due to a
				// concurrent create; leave it for the user to retry later.
				if m.logger != nil {
					m.logger.Console("migration m1: could not remove folder %s: %v", folder.ID, err)
				}
				continue
			}
			// Tombstone the collection so a later pull (pre-M1 peer, stale
			// index entry) can't resurrect it.
			if m.tombs != nil {
				if err := m.tombs.Mark(EntityFolder, folder.ID, time.Now().UTC().Format(time.RFC3339Nano)); err != nil && m.logger != nil {
					m.logger.Console("migration m1: failed to tombstone folder %s: %v", folder.ID, err)
				}
			}
			if m.queue != nil {
				m.queue.EnqueueCoalesced(QueuedOpDelete, EntityFolder, folder.ID, nil)
			}
			progress.DriveFilesDeleted++
		}
		report(false, "")
	}

	if dryRun {
		report(true, "")
		return nil
	}

	logEntry.Completed = true
	if err := m.writeLog(logEntry); err != nil && m.logger != nil {
		m.logger.Console("migration m1: failed to persist rollback log: %v", err)
	}

	settings, err := m.settings.LoadSettings()
	if err != nil || settings == nil {
		settings = DefaultSettings()
	}
	settings.MigrationVersion = migrationM1
	if err := m.settings.SaveSettings(settings); err != nil {
		return m.failAndRollback(report, fmt.Errorf("persisting migration version: %w", err))
	}

	report(true, "")
	return nil
}

// failAndRollback は変異開始後の致命的失敗の終端処理: 失敗を報告し、開始時に
// 書いたログから状態を巻き戻してからエラーを返す。巻き戻しに成功すれば
// マイグレーションは失敗として報告され、再実行できる。巻き戻し自体が失敗した
// 場合はログファイルが残るので、RollbackCollectionMigrationで手動再試行できる。
func (m *MigrationEngine) failAndRollback(report func(bool, string), err error) error {
	report(true, err.Error())
	if rbErr := m.RollbackFromLog(); rbErr != nil && m.logger != nil {
		m.logger.Console("migration m1: automatic rollback failed: %v", rbErr)
	}
	return err
}

func (m *MigrationEngine) writeLog(l migrationLog) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.logPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.logPath)
}

// RollbackFromLog restores every note's prior FolderID and folder rows from
// the last run's log. Used after a terminal failure mid-migration; it does
// not resurrect remote folder files already deleted.
func (m *MigrationEngine) RollbackFromLog() error {
	data, err := os.ReadFile(m.logPath)
	if err != nil {
		return fmt.Errorf("no migration log to roll back from: %w", err)
	}
	var l migrationLog
	if err := json.Unmarshal(data, &l); err != nil {
		return fmt.Errorf("corrupt migration log: %w", err)
	}

	// フォルダ行を元のIDのまま先に復元する。CreateFolderはIDを採番し直す
	// ので使えない — ノートの再リンク先はログに残った元のIDそのもの。
	// RunM1が立てたtombstoneも外し、復元したフォルダが次のpullで消されない
	// ようにする。
	for _, folder := range l.Folders {
		if err := m.noteSvc.RestoreFolder(folder); err != nil && m.logger != nil {
			m.logger.Console("rollback: could not restore folder %s: %v", folder.ID, err)
		}
		if m.tombs != nil {
			if err := m.tombs.Clear(folder.ID); err != nil && m.logger != nil {
				m.logger.Console("rollback: could not clear tombstone for folder %s: %v", folder.ID, err)
			}
		}
	}
	// フォルダ所属はnoteListメタデータの持ち物なので、再リンクは
	// MoveNoteToFolder経由で行う（SaveNoteは既存ノートのFolderIDに触らない）。
	for _, entry := range l.Entries {
		note, err := m.noteSvc.LoadNote(entry.NoteID)
		if err != nil {
			continue
		}
		note.Version++
		m.noteSvc.SaveNote(note)
		if err := m.noteSvc.MoveNoteToFolder(entry.NoteID, entry.PreviousFolder); err != nil && m.logger != nil {
			m.logger.Console("rollback: could not relink note %s: %v", entry.NoteID, err)
		}
	}
	return os.Remove(m.logPath)
}
