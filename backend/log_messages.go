package backend

import (
	"fmt"
	"strings"
)

// ログメッセージコード。フロントエンドはこのコードをキーに表示言語へ翻訳する。
// バックエンド側のログファイル・コンソールにはlogMessageTextの英語文面で残す。
const (
	MsgDriveConnected          = "drive.connected"
	MsgDriveReconnected        = "drive.reconnected"
	MsgDrivePollingStarted     = "drive.polling.started"
	MsgDriveCheckingCloudFiles = "drive.checkingCloudFiles"
	MsgDriveCheckingDuplicates = "drive.checkingDuplicates"

	MsgDriveUploading    = "drive.uploading"
	MsgDriveUploaded     = "drive.uploaded"
	MsgDriveUpdating     = "drive.updating"
	MsgDriveUpdated      = "drive.updated"
	MsgDriveDeletingNote = "drive.deletingNote"
	MsgDriveDeletedNote  = "drive.deletedNote"

	MsgDriveSyncFirstPush          = "drive.sync.firstPush"
	MsgDriveSyncPushLocalChanges   = "drive.sync.pushLocalChanges"
	MsgDriveSyncPullCloudChanges   = "drive.sync.pullCloudChanges"
	MsgDriveSyncUploadNote         = "drive.sync.uploadNote"
	MsgDriveSyncDownloadNote       = "drive.sync.downloadNote"
	MsgDriveSyncDownloadRemoteNote = "drive.sync.downloadRemoteNote"
	MsgDriveSyncDeleteNote         = "drive.sync.deleteNote"
	MsgDriveSyncRemoveLocalDeleted = "drive.sync.removeLocalDeleted"
	MsgDriveSyncConflictDetected   = "drive.sync.conflictDetected"
	MsgDriveConflictKeepLocal      = "drive.conflict.keepLocal"
	MsgDriveConflictKeepCloud      = "drive.conflict.keepCloud"
	MsgDriveNoteAlreadyAbsent      = "drive.noteAlreadyAbsent"
	MsgDriveNoteMissingRemoveList  = "drive.noteMissing.removeFromList"
	MsgDriveNoteMissingUploadLocal = "drive.noteMissing.uploadLocal"

	MsgDriveDeferCloudApply         = "drive.defer.cloudApply"
	MsgDriveDeferConflictMerge      = "drive.defer.conflictMerge"
	MsgDriveDeferNoteListUpload     = "drive.defer.noteListUpload"
	MsgDrivePartialPushDeferred     = "drive.partial.pushDeferred"
	MsgDrivePartialConflictDeferred = "drive.partial.conflictDeferred"

	MsgDriveMigrationStarting    = "drive.migration.starting"
	MsgDriveMigrationAlreadyDone = "drive.migration.alreadyDone"
	MsgDriveMigrationNoteList    = "drive.migration.noteList"
	MsgDriveMigrationProgress    = "drive.migration.progress"
	MsgDriveMigrationCopied      = "drive.migration.copied"
	MsgDriveMigrationComplete    = "drive.migration.complete"
	MsgDriveMigrationCleaningUp  = "drive.migration.cleaningUp"
	MsgDriveMigrationCleanedUp   = "drive.migration.cleanedUp"
	MsgDriveMigrationDeletingOld = "drive.migration.deletingOld"
	MsgDriveMigrationDeletedOld  = "drive.migration.deletedOld"

	MsgOrphanCloudRecoveryProgress = "drive.orphanRecovery.progress"
	MsgOrphanCloudRecoveryDone     = "drive.orphanRecovery.done"

	MsgSystemIntegrityAutoRepaired = "system.integrity.autoRepaired"

	MsgDriveErrorInitialSync          = "drive.error.initialSync"
	MsgDriveErrorSyncFailed           = "drive.error.syncFailed"
	MsgDriveErrorRefreshFileCache     = "drive.error.refreshFileCache"
	MsgDriveErrorListNotesFolder      = "drive.error.listNotesFolder"
	MsgDriveErrorCleanDuplicates      = "drive.error.cleanDuplicates"
	MsgDriveErrorGetChangeToken       = "drive.error.getChangeToken"
	MsgDriveErrorChangesAPI           = "drive.error.changesAPI"
	MsgDriveErrorFolderSetup          = "drive.error.folderSetup"
	MsgDriveErrorNoteListSetup        = "drive.error.noteListSetup"
	MsgDriveErrorCheckRootFolder      = "drive.error.checkRootFolder"
	MsgDriveErrorCheckNotesFolder     = "drive.error.checkNotesFolder"
	MsgDriveErrorCheckNoteListFile    = "drive.error.checkNoteListFile"
	MsgDriveErrorCreateRootFolder     = "drive.error.createRootFolder"
	MsgDriveErrorCreateNotesFolder    = "drive.error.createNotesFolder"
	MsgDriveErrorGetNoteListMeta      = "drive.error.getNoteListMeta"
	MsgDriveErrorGetUpdatedMeta       = "drive.error.getUpdatedMeta"
	MsgDriveErrorLoadDirtyNote        = "drive.error.loadDirtyNote"
	MsgDriveErrorLoadLocalForConflict = "drive.error.loadLocalForConflict"
	MsgDriveErrorCreateNote           = "drive.error.createNote"
	MsgDriveErrorUpdateNote           = "drive.error.updateNote"
	MsgDriveErrorUploadNote           = "drive.error.uploadNote"
	MsgDriveErrorDownloadNote         = "drive.error.downloadNote"
	MsgDriveErrorDeleteNote           = "drive.error.deleteNote"
	MsgDriveErrorSaveDownloadedNote   = "drive.error.saveDownloadedNote"
	MsgDriveErrorRemoveLocalNote      = "drive.error.removeLocalNote"
	MsgDriveErrorRecreateMissingNote  = "drive.error.recreateMissingNote"
	MsgDriveErrorRepairCloudList      = "drive.error.repairCloudList"
	MsgDriveErrorIntegrityCheck       = "drive.error.integrityCheck"
)

// logMessageText はコードごとのログ用英語文面。{name} がargsの値で置換される。
var logMessageText = map[string]string{
	MsgDriveConnected:          "Drive: connected",
	MsgDriveReconnected:        "Drive: reconnected",
	MsgDrivePollingStarted:     "Drive: polling started",
	MsgDriveCheckingCloudFiles: "Drive: checking cloud files",
	MsgDriveCheckingDuplicates: "Drive: checking for duplicate note files",

	MsgDriveUploading:    `Drive: uploading "{noteTitle}"`,
	MsgDriveUploaded:     `Drive: uploaded "{noteId}"`,
	MsgDriveUpdating:     `Drive: updating "{noteId}"`,
	MsgDriveUpdated:      `Drive: updated "{noteId}"`,
	MsgDriveDeletingNote: "Drive: deleting note {noteId}",
	MsgDriveDeletedNote:  "Drive: deleted note from cloud",

	MsgDriveSyncFirstPush:          "Drive: first sync - pushing local notes",
	MsgDriveSyncPushLocalChanges:   "Drive: pushing local changes",
	MsgDriveSyncPullCloudChanges:   "Drive: pulling cloud changes",
	MsgDriveSyncUploadNote:         "Drive: uploading note {noteId}",
	MsgDriveSyncDownloadNote:       "Drive: downloading note {noteId}",
	MsgDriveSyncDownloadRemoteNote: "Drive: downloading remote note {noteId}",
	MsgDriveSyncDeleteNote:         "Drive: deleting remote note {noteId}",
	MsgDriveSyncRemoveLocalDeleted: "Drive: removing locally deleted note {noteId}",
	MsgDriveSyncConflictDetected:   "Drive: conflict detected on note {noteId}",
	MsgDriveConflictKeepLocal:      "Drive: conflict resolved, keeping local note {noteId}",
	MsgDriveConflictKeepCloud:      "Drive: conflict resolved, keeping cloud note {noteId}",
	MsgDriveNoteAlreadyAbsent:      "Drive: note {noteId} already absent from cloud",
	MsgDriveNoteMissingRemoveList:  "Drive: note {noteId} missing, removing from list",
	MsgDriveNoteMissingUploadLocal: "Drive: note {noteId} missing in cloud, uploading local copy",

	MsgDriveDeferCloudApply:         "Drive: deferring cloud apply to next sync",
	MsgDriveDeferConflictMerge:      "Drive: deferring conflict merge to next sync",
	MsgDriveDeferNoteListUpload:     "Drive: deferring note list upload to next sync",
	MsgDrivePartialPushDeferred:     "Drive: partial push, {count} note(s) deferred",
	MsgDrivePartialConflictDeferred: "Drive: {count} conflict(s) deferred",

	MsgDriveMigrationStarting:    "Drive: starting storage migration",
	MsgDriveMigrationAlreadyDone: "Drive: storage migration already done",
	MsgDriveMigrationNoteList:    "Drive: migrating note list",
	MsgDriveMigrationProgress:    "Drive: migrating notes {current}/{total}",
	MsgDriveMigrationCopied:      "Drive: migrated {count} note(s)",
	MsgDriveMigrationComplete:    "Drive: storage migration complete",
	MsgDriveMigrationCleaningUp:  "Drive: cleaning up old storage",
	MsgDriveMigrationCleanedUp:   "Drive: old storage cleaned up",
	MsgDriveMigrationDeletingOld: "Drive: deleting old storage files",
	MsgDriveMigrationDeletedOld:  "Drive: old storage files deleted",

	MsgOrphanCloudRecoveryProgress: "Drive: recovering orphaned cloud notes {current}/{total}",
	MsgOrphanCloudRecoveryDone:     "Drive: recovered {count} orphaned cloud note(s)",

	MsgSystemIntegrityAutoRepaired: "Integrity check: auto-repaired local data ({count} change(s))",

	MsgDriveErrorInitialSync:          "Drive: initial sync failed",
	MsgDriveErrorSyncFailed:           "Drive: sync failed",
	MsgDriveErrorRefreshFileCache:     "Drive: failed to refresh file ID cache",
	MsgDriveErrorListNotesFolder:      "Drive: failed to list notes folder",
	MsgDriveErrorCleanDuplicates:      "Drive: failed to clean up duplicate files",
	MsgDriveErrorGetChangeToken:       "Drive: failed to get changes API token",
	MsgDriveErrorChangesAPI:           "Drive: changes API request failed",
	MsgDriveErrorFolderSetup:          "Drive: failed to set up app folders",
	MsgDriveErrorNoteListSetup:        "Drive: failed to set up note list",
	MsgDriveErrorCheckRootFolder:      "Drive: failed to check root folder",
	MsgDriveErrorCheckNotesFolder:     "Drive: failed to check notes folder",
	MsgDriveErrorCheckNoteListFile:    "Drive: failed to check note list file",
	MsgDriveErrorCreateRootFolder:     "Drive: failed to create root folder",
	MsgDriveErrorCreateNotesFolder:    "Drive: failed to create notes folder",
	MsgDriveErrorGetNoteListMeta:      "Drive: failed to get note list metadata",
	MsgDriveErrorGetUpdatedMeta:       "Drive: failed to get updated metadata",
	MsgDriveErrorLoadDirtyNote:        "Drive: failed to load modified note {noteId}",
	MsgDriveErrorLoadLocalForConflict: "Drive: failed to load local note {noteId} for conflict merge",
	MsgDriveErrorCreateNote:           "Drive: failed to create note {noteId}",
	MsgDriveErrorUpdateNote:           "Drive: failed to update note {noteId}",
	MsgDriveErrorUploadNote:           "Drive: failed to upload note {noteId}",
	MsgDriveErrorDownloadNote:         "Drive: failed to download note {noteId}",
	MsgDriveErrorDeleteNote:           "Drive: failed to delete note {noteId}",
	MsgDriveErrorSaveDownloadedNote:   "Drive: failed to save downloaded note {noteId}",
	MsgDriveErrorRemoveLocalNote:      "Drive: failed to remove local note {noteId}",
	MsgDriveErrorRecreateMissingNote:  "Drive: failed to recreate missing note {noteId}",
	MsgDriveErrorRepairCloudList:      "Drive: failed to repair cloud note list",
	MsgDriveErrorIntegrityCheck:       "Drive: integrity check failed",
}

// formatLogCode はコードをログ文面に展開する。未知のコードはコードのまま出す。
func formatLogCode(code string, args map[string]interface{}) string {
	text, ok := logMessageText[code]
	if !ok {
		text = code
	}
	for k, v := range args {
		text = strings.ReplaceAll(text, "{"+k+"}", fmt.Sprintf("%v", v))
	}
	return text
}
