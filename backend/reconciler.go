package backend

import (
	"crypto/sha256"
	"fmt"
	"time"
)

// ReconcileAction はReconcilerが下す、1ノートに対する判定結果。
type ReconcileAction string

const (
	ActionNone           ReconcileAction = "none"
	ActionPushCreate     ReconcileAction = "push_create"
	ActionPushUpdate     ReconcileAction = "push_update"
	ActionPushDelete     ReconcileAction = "push_delete" // ローカルのゴミ箱状態をリモートへ反映
	ActionPullInsert     ReconcileAction = "pull_insert"
	ActionPullUpdate     ReconcileAction = "pull_update"
	ActionDeleteLocally  ReconcileAction = "delete_locally" // リモート消失をローカルへ反映
	ActionConflict       ReconcileAction = "conflict"
	ActionSkipCollection ReconcileAction = "skip_collection"
)

// ReconcileResult はReconcile呼び出しの結果。Winner はPULL/CONFLICT解決後に
// ローカルへ採用すべきノート（Noneの場合はnil）。
type ReconcileResult struct {
	Action      ReconcileAction
	Winner      *Note
	NewShadow   *SyncShadow
	ConflictLog string // losingサイドの簡潔な診断情報（UIへは出さない）
}

// ContentHash returns the hex SHA-256 digest of a note's content, as recorded
// in SyncShadow.ContentHash.
func ContentHash(content string) string {
	h := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%x", h)
}

// isCollectionShaped detects a remote Folder-as-JSON payload by the presence
// of a noteIds array field. Folders in this app don't
// carry an explicit noteIds array (membership is derived from Note.FolderID),
// so the analogous signal is the Folder-shaped field set: a name field with no
// content/title fields. Callers pass the decoded generic map.
func isCollectionShaped(raw map[string]interface{}) bool {
	if _, hasNoteIDs := raw["noteIds"]; hasNoteIDs {
		return true
	}
	_, hasName := raw["name"]
	_, hasContent := raw["content"]
	_, hasTitle := raw["title"]
	return hasName && !hasContent && !hasTitle
}

// Reconcile implements the outcome matrix and three-way merge for
// a single note identified by id. local/remote are nil when absent; shadow is
// nil when no prior sync has been recorded. tombstoneDeletedAt is non-empty
// when deletedIds carries this id.
func Reconcile(local, remote *Note, shadow *SyncShadow, tombstoneDeletedAt string, localDeviceID, remoteDeviceID string) ReconcileResult {
	// Tombstones are applied before the matrix.
	if tombstoneDeletedAt != "" {
		if remote == nil || !isNewerThan(remote.ModifiedTime, tombstoneDeletedAt) {
			return ReconcileResult{Action: ActionPushDelete}
		}
		// Remote carries a strictly newer update than the tombstone: resurrect.
	}

	switch {
	case local != nil && remote == nil && shadow == nil:
		return ReconcileResult{Action: ActionPushCreate, Winner: local}

	case local != nil && remote == nil && shadow != nil:
		if local.Version > shadow.Version {
			return ReconcileResult{Action: ActionPushCreate, Winner: local}
		}
		return ReconcileResult{Action: ActionDeleteLocally}

	case local == nil && remote != nil && shadow == nil:
		return ReconcileResult{Action: ActionPullInsert, Winner: remote, NewShadow: shadowFrom(remote)}

	case local == nil && remote != nil && shadow != nil:
		return ReconcileResult{Action: ActionPushDelete}

	case local != nil && remote != nil:
		return reconcileBoth(local, remote, shadow, localDeviceID, remoteDeviceID)
	}

	return ReconcileResult{Action: ActionNone}
}

func reconcileBoth(local, remote *Note, shadow *SyncShadow, localDeviceID, remoteDeviceID string) ReconcileResult {
	var lChg, rChg bool
	if shadow != nil {
		lChg = local.Version > shadow.Version
		rChg = remote.Version > shadow.Version
		if local.Version == 0 && remote.Version == 0 {
			lChg = isNewerThan(local.ModifiedTime, shadow.RemoteUpdatedAt)
			rChg = isNewerThan(remote.ModifiedTime, shadow.RemoteUpdatedAt)
		}
	} else {
		// No shadow yet but both sides exist: treat as divergent until proven
		// otherwise so the first sync pass always reconciles explicitly.
		lChg = true
		rChg = true
	}

	switch {
	case lChg && !rChg:
		return ReconcileResult{Action: ActionPushUpdate, Winner: local, NewShadow: shadowFrom(local)}
	case !lChg && rChg:
		return ReconcileResult{Action: ActionPullUpdate, Winner: remote, NewShadow: shadowFrom(remote)}
	case !lChg && !rChg:
		return ReconcileResult{Action: ActionNone, NewShadow: minShadow(local, remote, shadow)}
	default: // lChg && rChg
		winner, log := resolveConflict(local, remote, localDeviceID, remoteDeviceID)
		action := ActionPullUpdate
		if winner == local {
			action = ActionPushUpdate
		}
		return ReconcileResult{Action: action, Winner: winner, NewShadow: shadowFrom(winner), ConflictLog: log}
	}
}

// resolveConflict implements the tie-break chain:
// max(version), then max(updatedAt), then non-empty content wins, then
// device id lexicographic (stable).
func resolveConflict(local, remote *Note, localDeviceID, remoteDeviceID string) (*Note, string) {
	if local.Version != remote.Version {
		if local.Version > remote.Version {
			return local, fmt.Sprintf("conflict: local wins by version (%d>%d)", local.Version, remote.Version)
		}
		return remote, fmt.Sprintf("conflict: remote wins by version (%d>%d)", remote.Version, local.Version)
	}
	if local.ModifiedTime != remote.ModifiedTime {
		if isNewerThan(local.ModifiedTime, remote.ModifiedTime) {
			return local, "conflict: local wins by updatedAt"
		}
		return remote, "conflict: remote wins by updatedAt"
	}
	lSize, rSize := len(local.Content), len(remote.Content)
	if (lSize > 0) != (rSize > 0) {
		if lSize > 0 {
			return local, "conflict: local wins, remote content empty"
		}
		return remote, "conflict: remote wins, local content empty"
	}
	if localDeviceID <= remoteDeviceID {
		return local, "conflict: stable tie-break by device id, local"
	}
	return remote, "conflict: stable tie-break by device id, remote"
}

func shadowFrom(n *Note) *SyncShadow {
	if n == nil {
		return nil
	}
	return &SyncShadow{
		NoteID:          n.ID,
		Version:         n.Version,
		RemoteUpdatedAt: n.ModifiedTime,
		ContentHash:     ContentHash(n.Content),
		RemoteModifyTag: n.ModifiedTime,
	}
}

func minShadow(local, remote *Note, shadow *SyncShadow) *SyncShadow {
	if shadow != nil {
		return shadow
	}
	if local.Version <= remote.Version {
		return shadowFrom(local)
	}
	return shadowFrom(remote)
}

func isNewerThan(a, b string) bool {
	if a == "" {
		return false
	}
	if b == "" {
		return true
	}
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA != nil || errB != nil {
		return a > b
	}
	return ta.After(tb)
}
