package backend

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 既存のimportの下に追加
const CurrentVersion = "1.0"

// ノート関連のローカル操作を提供するインターフェース
type NoteService interface {
	ListNotes() ([]Note, error)                                                      // 全てのノートのリストを返す
	LoadNote(id string) (*Note, error)                                               // 指定されたIDのノートを読み込む
	SaveNote(note *Note) error                                                       // ノートを保存する
	DeleteNote(id string) error                                                      // 指定されたIDのノートを削除する
	LoadArchivedNote(id string) (*Note, error)                                       // アーカイブされたノートの完全なデータを読み込む
	UpdateNoteOrder(noteID string, newIndex int) error                               // ノートの順序を更新する
	UpdateNoteSyncState(noteID string, status SyncStatus, remoteFileID string) error // 同期結果をノート行へ反映する
	CreateFolder(name string) (*Folder, error)                                       // フォルダを作成する
	RenameFolder(id string, name string) error                                       // フォルダ名を変更する
	DeleteFolder(id string) error                                                    // フォルダを削除する（空の場合のみ）
	MoveNoteToFolder(noteID string, folderID string) error                           // ノートをフォルダに移動する
	ListFolders() []Folder                                                           // フォルダのリストを返す
	ArchiveFolder(id string) error                                                   // フォルダをアーカイブする（中のノートも全てアーカイブ）
	UnarchiveFolder(id string) error                                                 // アーカイブされたフォルダを復元する
	DeleteArchivedFolder(id string) error                                            // アーカイブされたフォルダを削除する（中のノートも全て削除）
	GetArchivedTopLevelOrder() []TopLevelItem                                        // アーカイブされたアイテムの表示順序を返す
	UpdateArchivedTopLevelOrder(order []TopLevelItem) error                          // アーカイブされたアイテムの表示順序を更新する
}

// NoteServiceの実装
type noteService struct {
	notesDir string
	noteList *NoteList
	logger   AppLogger

	// recoveryApplied は起動時のノートリスト復旧の種別を記録する:
	// "" (復旧なし) / "backup" (.bakから復元) / "rebuild" (物理ファイルから再構築)
	recoveryApplied string

	// ValidateIntegrityの結果のうち、ユーザー判断待ちの問題と自動修復の記録。
	// それぞれDrainで一度だけ取り出せる。
	pendingIssues  []IntegrityIssue
	pendingRepairs []string
}

// 新しいnoteServiceインスタンスを作成。loggerはnilでもよい（本番のStartupパスは
// まだAppLoggerを構築していない初期化順のため、nilで渡ってくる）。
func NewNoteService(notesDir string, logger AppLogger) (*noteService, error) {
	service := &noteService{
		notesDir: notesDir,
		logger:   logger,
		noteList: &NoteList{
			Version: "1.0",
			Notes:   []NoteMetadata{},
		},
	}

	// ノートリストの読み込み ※内部で物理ファイルとの不整合解決を行う
	if err := service.loadNoteList(); err != nil {
		return nil, fmt.Errorf("failed to load note list: %v", err)
	}

	return service, nil
}

// NewEmptyNoteService はノートリストを物理ファイルだけから再構築した
// サービスを返す。通常のロードが完全に失敗した場合の最終フォールバック。
func NewEmptyNoteService(notesDir string, logger AppLogger) *noteService {
	service := &noteService{
		notesDir: notesDir,
		logger:   logger,
		noteList: &NoteList{
			Version: CurrentVersion,
			Notes:   []NoteMetadata{},
		},
	}
	if err := service.rebuildFromPhysicalFiles(); err != nil && logger != nil {
		logger.Console("Failed to rebuild note list from files: %v", err)
	}
	return service
}

// ------------------------------------------------------------
// 公開メソッド
// ------------------------------------------------------------

// 全てのノートのリストを返す ------------------------------------------------------------
func (s *noteService) ListNotes() ([]Note, error) {
	var notes []Note
	for _, metadata := range s.noteList.Notes {
		if metadata.Archived {
			// アーカイブされたノートはコンテンツを読み込まない
			notes = append(notes, Note{
				ID:            metadata.ID,
				Title:         metadata.Title,
				Content:       "", // コンテンツは空
				ContentHeader: metadata.ContentHeader,
				Language:      metadata.Language,
				ModifiedTime:  metadata.ModifiedTime,
				Order:         metadata.Order,
				Archived:      true,
				FolderID:      metadata.FolderID,
			})
		} else {
			// アクティブなノートはコンテンツを読み込む
			note, err := s.LoadNote(metadata.ID)
			if err != nil {
				continue
			}
			notes = append(notes, *note)
			notes[len(notes)-1].Order = metadata.Order
			notes[len(notes)-1].FolderID = metadata.FolderID
		}
	}

	// ノートの順序をOrderの値で並べ直す
	sort.Slice(notes, func(i, j int) bool {
		return notes[i].Order < notes[j].Order
	})

	return notes, nil
}

// 指定されたIDのノートを読み込む ------------------------------------------------------------
func (s *noteService) LoadNote(id string) (*Note, error) {
	notePath := filepath.Join(s.notesDir, id+".json")
	data, err := os.ReadFile(notePath)
	if err != nil {
		return nil, err
	}

	var note Note
	if err := json.Unmarshal(data, &note); err != nil {
		return nil, err
	}

	// FolderIDとOrderの持ち主はnoteListのメタデータ側（ノートファイルには
	// 書かれない）。ListNotesと同じようにここで重ね合わせる。
	for _, metadata := range s.noteList.Notes {
		if metadata.ID == note.ID {
			note.FolderID = metadata.FolderID
			note.Order = metadata.Order
			break
		}
	}

	return &note, nil
}

// ノートを保存する ------------------------------------------------------------
func (s *noteService) SaveNote(note *Note) error {
	note.ModifiedTime = time.Now().Format(time.RFC3339)

	// FolderIDはnoteList.jsonのみで管理するため、ノートファイルには書き込まない
	savedFolderID := note.FolderID
	note.FolderID = ""
	data, err := json.MarshalIndent(note, "", "  ")
	note.FolderID = savedFolderID
	if err != nil {
		return err
	}

	// コンテンツのハッシュ値を計算
	h := sha256.New()
	h.Write(data)
	contentHash := fmt.Sprintf("%x", h.Sum(nil))

	notePath := filepath.Join(s.notesDir, note.ID+".json")
	if err := os.WriteFile(notePath, data, 0644); err != nil {
		return err
	}

	// Update note list
	found := false
	var order int

	// 既存のノートを探す
	for i, metadata := range s.noteList.Notes {
		if metadata.ID == note.ID {
			order = metadata.Order
			// 既存のメタデータを更新（FolderIDは既存の値を保持。ただし
			// アーカイブされたノートはフォルダから外す）
			folderID := metadata.FolderID
			if note.Archived {
				folderID = ""
			}
			s.noteList.Notes[i] = NoteMetadata{
				ID:            note.ID,
				Title:         note.Title,
				ContentHeader: note.ContentHeader,
				Language:      note.Language,
				ModifiedTime:  note.ModifiedTime,
				Archived:      note.Archived,
				ContentHash:   contentHash,
				Order:         order,
				FolderID:      folderID,
				Version:       note.Version,
				IsDeleted:     note.IsDeleted,
				DeletedAt:     note.DeletedAt,
				DeviceID:      note.DeviceID,
			}
			found = true
			break
		}
	}

	if !found {
		// 新規ノートの場合、最小の順序値-1を設定（リストの先頭に追加）
		order = 0
		if len(s.noteList.Notes) > 0 {
			minOrder := s.noteList.Notes[0].Order
			for _, metadata := range s.noteList.Notes {
				if metadata.Order < minOrder {
					minOrder = metadata.Order
				}
			}
			order = minOrder - 1
		}

		s.ensureTopLevelOrder()

		s.noteList.Notes = append(s.noteList.Notes, NoteMetadata{
			ID:            note.ID,
			Title:         note.Title,
			ContentHeader: note.ContentHeader,
			Language:      note.Language,
			ModifiedTime:  note.ModifiedTime,
			Archived:      note.Archived,
			ContentHash:   contentHash,
			Order:         order,
			Version:       note.Version,
			IsDeleted:     note.IsDeleted,
			DeletedAt:     note.DeletedAt,
			DeviceID:      note.DeviceID,
		})

		if note.FolderID == "" && !note.Archived {
			s.noteList.TopLevelOrder = append([]TopLevelItem{{Type: "note", ID: note.ID}}, s.noteList.TopLevelOrder...)
		}
	}

	// 保存前にローカルノートリストの重複削除を実施
	s.deduplicateNoteList()

	s.noteList.LastSync = time.Now()

	return s.saveNoteList()
}

// 指定されたIDのノートを削除する ------------------------------------------------------------
func (s *noteService) DeleteNote(id string) error {
	notePath := filepath.Join(s.notesDir, id+".json")
	if err := os.Remove(notePath); err != nil && !os.IsNotExist(err) {
		return err
	}

	// ノートリストから削除
	var updatedNotes []NoteMetadata
	for _, metadata := range s.noteList.Notes {
		if metadata.ID != id {
			updatedNotes = append(updatedNotes, metadata)
		}
	}
	s.noteList.Notes = updatedNotes
	s.ensureTopLevelOrder()
	s.removeFromTopLevelOrder(id)

	s.noteList.LastSync = time.Now()

	return s.saveNoteList()
}

// 同期パスから呼ばれるノート保存（LastSync/ModifiedTime を更新しない、noteList.json も書かない）
func (s *noteService) SaveNoteFromSync(note *Note) error {
	data, err := json.MarshalIndent(note, "", "  ")
	if err != nil {
		return err
	}
	notePath := filepath.Join(s.notesDir, note.ID+".json")
	return os.WriteFile(notePath, data, 0644)
}

// 同期パスから呼ばれるノート削除（LastSync を更新しない、noteList.json も書かない）
func (s *noteService) DeleteNoteFromSync(id string) error {
	notePath := filepath.Join(s.notesDir, id+".json")
	if err := os.Remove(notePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateConflictCopy はローカルノートのコンフリクトコピーを作成する。
// 新しいIDを生成し、タイトルに "(競合コピー YYYY-MM-DD HH:MM)" を付与。
// TopLevelOrderでは元ノートの直後に配置する。
func (s *noteService) CreateConflictCopy(originalNote *Note) (*Note, error) {
	newID := uuid.New().String()
	timestamp := time.Now().Format("2006-01-02 15:04")
	copyNote := &Note{
		ID:            newID,
		Title:         originalNote.Title + " (競合コピー " + timestamp + ")",
		Content:       originalNote.Content,
		ContentHeader: originalNote.ContentHeader,
		Language:      originalNote.Language,
		ModifiedTime:  originalNote.ModifiedTime,
		Archived:      originalNote.Archived,
		FolderID:      originalNote.FolderID,
	}

	data, err := json.MarshalIndent(copyNote, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conflict copy: %w", err)
	}

	h := sha256.New()
	h.Write(data)
	contentHash := fmt.Sprintf("%x", h.Sum(nil))

	notePath := filepath.Join(s.notesDir, newID+".json")
	if err := os.WriteFile(notePath, data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write conflict copy: %w", err)
	}

	meta := NoteMetadata{
		ID:            newID,
		Title:         copyNote.Title,
		ContentHeader: copyNote.ContentHeader,
		Language:      copyNote.Language,
		ModifiedTime:  copyNote.ModifiedTime,
		Archived:      copyNote.Archived,
		ContentHash:   contentHash,
		FolderID:      originalNote.FolderID,
	}
	s.noteList.Notes = append(s.noteList.Notes, meta)

	originalIdx := -1
	for i, item := range s.noteList.TopLevelOrder {
		if item.Type == "note" && item.ID == originalNote.ID {
			originalIdx = i
			break
		}
	}
	newItem := TopLevelItem{Type: "note", ID: newID}
	if originalIdx >= 0 {
		s.noteList.TopLevelOrder = append(
			s.noteList.TopLevelOrder[:originalIdx+1],
			append([]TopLevelItem{newItem}, s.noteList.TopLevelOrder[originalIdx+1:]...)...)
	} else {
		s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, newItem)
	}

	return copyNote, nil
}

// アーカイブされたノートの完全なデータを読み込む ------------------------------------------------------------
func (s *noteService) LoadArchivedNote(id string) (*Note, error) {
	return s.LoadNote(id)
}

// ノートの順序を更新 ------------------------------------------------------------
func (s *noteService) UpdateNoteOrder(noteID string, newIndex int) error {
	// アクティブなノートのみを対象とする
	activeNotes := make([]NoteMetadata, 0)
	archivedNotes := make([]NoteMetadata, 0)

	// アクティブノートとアーカイブノートを分離
	for _, note := range s.noteList.Notes {
		if note.Archived {
			archivedNotes = append(archivedNotes, note)
		} else {
			activeNotes = append(activeNotes, note)
		}
	}

	// 移動対象のノートの現在のインデックスを探す
	oldIndex := -1
	for i, note := range activeNotes {
		if note.ID == noteID {
			oldIndex = i
			break
		}
	}

	if oldIndex == -1 {
		return fmt.Errorf("note not found: %s", noteID)
	}

	// ノートを新しい位置に移動
	note := activeNotes[oldIndex]
	activeNotes = append(activeNotes[:oldIndex], activeNotes[oldIndex+1:]...)
	if newIndex > len(activeNotes) {
		newIndex = len(activeNotes)
	}
	activeNotes = append(activeNotes[:newIndex], append([]NoteMetadata{note}, activeNotes[newIndex:]...)...)

	// 順序を振り直す（1ずつ増加）
	for i := range activeNotes {
		activeNotes[i].Order = i
	}

	// アクティブノートとアーカイブノートを結合
	s.noteList.Notes = append(activeNotes, archivedNotes...)

	s.noteList.LastSync = time.Now()

	return s.saveNoteList()
}

// フォルダを作成する ------------------------------------------------------------
func (s *noteService) CreateFolder(name string) (*Folder, error) {
	if name == "" {
		return nil, fmt.Errorf("folder name is empty")
	}

	folder := &Folder{
		ID:   uuid.New().String(),
		Name: name,
	}

	s.ensureTopLevelOrder()
	s.noteList.Folders = append(s.noteList.Folders, *folder)
	s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, TopLevelItem{Type: "folder", ID: folder.ID})
	s.noteList.LastSync = time.Now()

	if err := s.saveNoteList(); err != nil {
		return nil, err
	}
	return folder, nil
}

// フォルダ行をIDを保ったまま再挿入する ------------------------------------------------------------
// マイグレーションのロールバック用。復元したフォルダへノートを再リンクする
// には、採番し直しではなくログに残った元のIDがそのまま必要になる。
func (s *noteService) RestoreFolder(folder Folder) error {
	if folder.ID == "" || folder.Name == "" {
		return fmt.Errorf("folder id or name is empty")
	}
	for _, existing := range s.noteList.Folders {
		if existing.ID == folder.ID {
			return nil
		}
	}

	s.ensureTopLevelOrder()
	s.noteList.Folders = append(s.noteList.Folders, folder)
	s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, TopLevelItem{Type: "folder", ID: folder.ID})
	s.noteList.LastSync = time.Now()

	return s.saveNoteList()
}

// フォルダ名を変更する ------------------------------------------------------------
func (s *noteService) RenameFolder(id string, name string) error {
	if name == "" {
		return fmt.Errorf("folder name is empty")
	}

	for i, folder := range s.noteList.Folders {
		if folder.ID == id {
			s.noteList.Folders[i].Name = name
			s.noteList.LastSync = time.Now()
			return s.saveNoteList()
		}
	}
	return fmt.Errorf("folder not found: %s", id)
}

// フォルダを削除する（空の場合のみ） ------------------------------------------------------------
func (s *noteService) DeleteFolder(id string) error {
	for _, note := range s.noteList.Notes {
		if note.FolderID == id {
			return fmt.Errorf("folder is not empty")
		}
	}

	var updatedFolders []Folder
	found := false
	for _, folder := range s.noteList.Folders {
		if folder.ID == id {
			found = true
			continue
		}
		updatedFolders = append(updatedFolders, folder)
	}

	if !found {
		return fmt.Errorf("folder not found: %s", id)
	}

	s.noteList.Folders = updatedFolders
	s.ensureTopLevelOrder()
	s.removeFromTopLevelOrder(id)
	s.noteList.LastSync = time.Now()
	return s.saveNoteList()
}

// ノートをフォルダに移動する（folderIDが空文字の場合は未分類に戻す） ------------------------------------------------------------
func (s *noteService) MoveNoteToFolder(noteID string, folderID string) error {
	if folderID != "" {
		folderFound := false
		for _, folder := range s.noteList.Folders {
			if folder.ID == folderID {
				folderFound = true
				break
			}
		}
		if !folderFound {
			return fmt.Errorf("folder not found: %s", folderID)
		}
	}

	for i, note := range s.noteList.Notes {
		if note.ID == noteID {
			oldFolderID := note.FolderID
			s.ensureTopLevelOrder()
			s.noteList.Notes[i].FolderID = folderID

			if folderID != "" && oldFolderID == "" {
				s.removeFromTopLevelOrder(noteID)
			} else if folderID == "" && oldFolderID != "" {
				s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, TopLevelItem{Type: "note", ID: noteID})
			}

			s.noteList.LastSync = time.Now()
			return s.saveNoteList()
		}
	}
	return fmt.Errorf("note not found: %s", noteID)
}

// フォルダのリストを返す ------------------------------------------------------------
func (s *noteService) ListFolders() []Folder {
	if s.noteList.Folders == nil {
		return []Folder{}
	}
	return s.noteList.Folders
}

// トップレベルの表示順序を返す（後方互換: nilの場合は自動生成） ------------------------------------------------------------
func (s *noteService) GetTopLevelOrder() []TopLevelItem {
	if s.noteList.TopLevelOrder != nil {
		return s.noteList.TopLevelOrder
	}
	return s.buildTopLevelOrder()
}

// トップレベルの表示順序を更新する ------------------------------------------------------------
func (s *noteService) UpdateTopLevelOrder(order []TopLevelItem) error {
	s.noteList.TopLevelOrder = order
	s.noteList.LastSync = time.Now()
	return s.saveNoteList()
}

// TopLevelOrderがnilの場合、既存データから自動生成して初期化する ------------------------------------------------------------
func (s *noteService) ensureTopLevelOrder() {
	if s.noteList.TopLevelOrder == nil {
		s.noteList.TopLevelOrder = s.buildTopLevelOrder()
	}
}

// TopLevelOrder内の重複エントリを除去する ------------------------------------------------------------
func (s *noteService) deduplicateTopLevelOrder() {
	if s.noteList.TopLevelOrder == nil {
		return
	}
	seen := make(map[string]bool)
	var deduped []TopLevelItem
	for _, item := range s.noteList.TopLevelOrder {
		key := item.Type + ":" + item.ID
		if !seen[key] {
			seen[key] = true
			deduped = append(deduped, item)
		}
	}
	s.noteList.TopLevelOrder = deduped
}

// TopLevelOrderから指定IDを除去する ------------------------------------------------------------
func (s *noteService) removeFromTopLevelOrder(id string) {
	var updated []TopLevelItem
	for _, item := range s.noteList.TopLevelOrder {
		if item.ID != id {
			updated = append(updated, item)
		}
	}
	s.noteList.TopLevelOrder = updated
}

// 後方互換用: 未分類ノート+フォルダからTopLevelOrderを生成する ------------------------------------------------------------
func (s *noteService) buildTopLevelOrder() []TopLevelItem {
	var order []TopLevelItem
	for _, note := range s.noteList.Notes {
		if note.FolderID == "" && !note.Archived {
			order = append(order, TopLevelItem{Type: "note", ID: note.ID})
		}
	}
	for _, folder := range s.noteList.Folders {
		order = append(order, TopLevelItem{Type: "folder", ID: folder.ID})
	}
	return order
}

// フォルダをアーカイブする（中のノートも全てアーカイブ） ------------------------------------------------------------
func (s *noteService) ArchiveFolder(id string) error {
	folderIdx := -1
	for i, folder := range s.noteList.Folders {
		if folder.ID == id {
			folderIdx = i
			break
		}
	}
	if folderIdx == -1 {
		return fmt.Errorf("folder not found: %s", id)
	}

	s.noteList.Folders[folderIdx].Archived = true

	for i, metadata := range s.noteList.Notes {
		if metadata.FolderID != id {
			continue
		}
		note, err := s.LoadNote(metadata.ID)
		if err != nil {
			continue
		}
		note.Archived = true
		note.ContentHeader = generateContentHeader(note.Content)
		note.ModifiedTime = time.Now().Format(time.RFC3339)
		s.noteList.Notes[i].Archived = true
		s.noteList.Notes[i].ContentHeader = note.ContentHeader
		s.noteList.Notes[i].ModifiedTime = note.ModifiedTime
		s.noteList.Notes[i].ContentHash = computeContentHash(note)
		if err := s.SaveNoteFromSync(note); err != nil {
			return fmt.Errorf("failed to save note %s: %v", note.ID, err)
		}
	}

	s.ensureTopLevelOrder()
	s.removeFromTopLevelOrder(id)

	s.ensureArchivedTopLevelOrder()
	s.noteList.ArchivedTopLevelOrder = append(
		[]TopLevelItem{{Type: "folder", ID: id}},
		s.noteList.ArchivedTopLevelOrder...,
	)

	s.noteList.LastSync = time.Now()
	return s.saveNoteList()
}

// アーカイブされたフォルダを復元する（中のノートも全て復元） ------------------------------------------------------------
func (s *noteService) UnarchiveFolder(id string) error {
	folderIdx := -1
	for i, folder := range s.noteList.Folders {
		if folder.ID == id {
			folderIdx = i
			break
		}
	}
	if folderIdx == -1 {
		return fmt.Errorf("folder not found: %s", id)
	}
	if !s.noteList.Folders[folderIdx].Archived {
		return fmt.Errorf("folder is not archived: %s", id)
	}

	s.noteList.Folders[folderIdx].Archived = false

	for i, metadata := range s.noteList.Notes {
		if metadata.FolderID != id || !metadata.Archived {
			continue
		}
		note, err := s.LoadNote(metadata.ID)
		if err != nil {
			continue
		}
		note.Archived = false
		note.ModifiedTime = time.Now().Format(time.RFC3339)
		s.noteList.Notes[i].Archived = false
		s.noteList.Notes[i].ModifiedTime = note.ModifiedTime
		s.noteList.Notes[i].ContentHash = computeContentHash(note)
		if err := s.SaveNoteFromSync(note); err != nil {
			return fmt.Errorf("failed to save note %s: %v", note.ID, err)
		}
	}

	s.removeFromArchivedTopLevelOrder(id)

	s.ensureTopLevelOrder()
	s.noteList.TopLevelOrder = append(
		s.noteList.TopLevelOrder,
		TopLevelItem{Type: "folder", ID: id},
	)

	s.noteList.LastSync = time.Now()
	return s.saveNoteList()
}

// アーカイブされたフォルダを削除する（中のノートファイルも全て削除） ------------------------------------------------------------
func (s *noteService) DeleteArchivedFolder(id string) error {
	found := false
	for _, folder := range s.noteList.Folders {
		if folder.ID == id {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("folder not found: %s", id)
	}

	var remainingNotes []NoteMetadata
	for _, metadata := range s.noteList.Notes {
		if metadata.FolderID == id {
			notePath := filepath.Join(s.notesDir, metadata.ID+".json")
			os.Remove(notePath)
		} else {
			remainingNotes = append(remainingNotes, metadata)
		}
	}
	s.noteList.Notes = remainingNotes

	var remainingFolders []Folder
	for _, folder := range s.noteList.Folders {
		if folder.ID != id {
			remainingFolders = append(remainingFolders, folder)
		}
	}
	s.noteList.Folders = remainingFolders

	s.removeFromArchivedTopLevelOrder(id)
	s.removeFromTopLevelOrder(id)

	s.noteList.LastSync = time.Now()
	return s.saveNoteList()
}

// アーカイブされたアイテムの表示順序を返す ------------------------------------------------------------
func (s *noteService) GetArchivedTopLevelOrder() []TopLevelItem {
	if s.noteList.ArchivedTopLevelOrder != nil {
		return s.noteList.ArchivedTopLevelOrder
	}
	return s.buildArchivedTopLevelOrder()
}

// アーカイブされたアイテムの表示順序を更新する ------------------------------------------------------------
func (s *noteService) UpdateArchivedTopLevelOrder(order []TopLevelItem) error {
	s.noteList.ArchivedTopLevelOrder = order
	s.noteList.LastSync = time.Now()
	return s.saveNoteList()
}

func (s *noteService) ensureArchivedTopLevelOrder() {
	if s.noteList.ArchivedTopLevelOrder == nil {
		s.noteList.ArchivedTopLevelOrder = s.buildArchivedTopLevelOrder()
	}
}

func (s *noteService) buildArchivedTopLevelOrder() []TopLevelItem {
	archivedFolderIDs := make(map[string]bool)
	for _, folder := range s.noteList.Folders {
		if folder.Archived {
			archivedFolderIDs[folder.ID] = true
		}
	}

	var order []TopLevelItem
	for _, folder := range s.noteList.Folders {
		if folder.Archived {
			order = append(order, TopLevelItem{Type: "folder", ID: folder.ID})
		}
	}
	for _, note := range s.noteList.Notes {
		if note.Archived && !archivedFolderIDs[note.FolderID] {
			order = append(order, TopLevelItem{Type: "note", ID: note.ID})
		}
	}
	return order
}

func (s *noteService) removeFromArchivedTopLevelOrder(id string) {
	var updated []TopLevelItem
	for _, item := range s.noteList.ArchivedTopLevelOrder {
		if item.ID != id {
			updated = append(updated, item)
		}
	}
	s.noteList.ArchivedTopLevelOrder = updated
}

func (s *noteService) deduplicateArchivedTopLevelOrder() {
	if s.noteList.ArchivedTopLevelOrder == nil {
		return
	}
	seen := make(map[string]bool)
	var deduped []TopLevelItem
	for _, item := range s.noteList.ArchivedTopLevelOrder {
		key := item.Type + ":" + item.ID
		if !seen[key] {
			seen[key] = true
			deduped = append(deduped, item)
		}
	}
	s.noteList.ArchivedTopLevelOrder = deduped
}

func generateContentHeader(content string) string {
	lines := strings.Split(content, "\n")
	var nonEmpty []string
	for _, line := range lines {
		if strings.TrimSpace(line) != "" {
			nonEmpty = append(nonEmpty, line)
			if len(nonEmpty) >= 3 {
				break
			}
		}
	}
	header := strings.Join(nonEmpty, "\n")
	if len(header) > 200 {
		header = header[:200]
	}
	return header
}

// ------------------------------------------------------------
// 内部ヘルパー
// ------------------------------------------------------------

func generateUUID() string {
	return uuid.New().String()
}

// noteList内の重複するノートを削除し、最新のものだけを保持 ------------------------------------------------------------
func (s *noteService) deduplicateNoteList() {
	seen := make(map[string]int)
	deduped := make([]NoteMetadata, 0, len(s.noteList.Notes))
	for _, metadata := range s.noteList.Notes {
		if idx, exists := seen[metadata.ID]; exists {
			if isModifiedTimeAfter(metadata.ModifiedTime, deduped[idx].ModifiedTime) {
				deduped[idx] = metadata
			}
		} else {
			seen[metadata.ID] = len(deduped)
			deduped = append(deduped, metadata)
		}
	}
	s.noteList.Notes = deduped
}

// noteListPath はノートリストファイルの場所を返す。v1形式（noteList.json）からの
// 変換はbackend/migrationパッケージが起動時に行う。
func (s *noteService) noteListPath() string {
	return filepath.Join(filepath.Dir(s.notesDir), "noteList_v2.json")
}

// restoreFromBackup は直近の正常ロード時に取った .bak からノートリストを
// 復元する。成功時はrecoveryAppliedを"backup"にする。
func (s *noteService) restoreFromBackup() bool {
	data, err := os.ReadFile(s.noteListPath() + ".bak")
	if err != nil {
		return false
	}
	restored := &NoteList{}
	if err := json.Unmarshal(data, restored); err != nil {
		return false
	}
	s.noteList = restored
	s.recoveryApplied = "backup"
	if s.logger != nil {
		s.logger.Console("Restored note list from backup")
	}
	return s.saveNoteList() == nil
}

// rebuildFromPhysicalFiles はnotes/配下の物理ファイルだけからノートリストを
// 再構築する。バックアップも無い壊れ方をしたときの最後の復旧手段。
func (s *noteService) rebuildFromPhysicalFiles() error {
	rebuilt := &NoteList{
		Version: CurrentVersion,
		Notes:   []NoteMetadata{},
	}

	files, err := os.ReadDir(s.notesDir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		noteID := strings.TrimSuffix(file.Name(), ".json")
		note, loadErr := s.LoadNote(noteID)
		if loadErr != nil {
			continue
		}
		rebuilt.Notes = append(rebuilt.Notes, NoteMetadata{
			ID:            note.ID,
			Title:         note.Title,
			ContentHeader: note.ContentHeader,
			Language:      note.Language,
			ModifiedTime:  note.ModifiedTime,
			Archived:      note.Archived,
			Order:         note.Order,
			Version:       note.Version,
			IsDeleted:     note.IsDeleted,
			DeletedAt:     note.DeletedAt,
			DeviceID:      note.DeviceID,
		})
	}

	s.noteList = rebuilt
	s.recoveryApplied = "rebuild"
	if s.logger != nil {
		s.logger.Console("Rebuilt note list from %d physical file(s)", len(rebuilt.Notes))
	}
	return s.saveNoteList()
}

// ノートリストをJSONファイルから読み込む ------------------------------------------------------------
func (s *noteService) loadNoteList() error {
	noteListPath := s.noteListPath()

	data, err := os.ReadFile(noteListPath)
	if os.IsNotExist(err) {
		// 消えている場合はまずバックアップから。無ければ新規作成
		if !s.restoreFromBackup() {
			fmt.Println("loadNoteList: noteList_v2.json not found, creating new one")
			s.noteList = &NoteList{
				Version: CurrentVersion,
				Notes:   []NoteMetadata{},
				// LastSync はゼロ値のまま（クラウドに既存データがあれば cloud→local を優先させる）
			}
			return s.saveNoteList()
		}
	} else if err != nil {
		return err
	} else if unmarshalErr := json.Unmarshal(data, &s.noteList); unmarshalErr != nil {
		// 壊れたリストは上書きせず退避してから復旧する
		_ = os.WriteFile(noteListPath+".corrupted", data, 0644)
		if s.logger != nil {
			s.logger.Console("Note list corrupted (%v), attempting recovery", unmarshalErr)
		}
		s.noteList = &NoteList{Version: CurrentVersion, Notes: []NoteMetadata{}}
		if !s.restoreFromBackup() {
			if rebuildErr := s.rebuildFromPhysicalFiles(); rebuildErr != nil {
				return rebuildErr
			}
		}
	} else {
		// 正常に読めたスナップショットを次回復旧用のバックアップとして残す
		_ = os.WriteFile(noteListPath+".bak", data, 0644)
	}

	s.deduplicateTopLevelOrder()

	// 処理前のノートリストをコピー
	originalNotes := make([]NoteMetadata, len(s.noteList.Notes))
	copy(originalNotes, s.noteList.Notes)

	// 読み込んだ後に重複削除を実施
	s.deduplicateNoteList()

	// メタデータの競合解決を実行
	if err := s.resolveMetadataConflicts(); err != nil {
		return fmt.Errorf("failed to resolve metadata conflicts: %v", err)
	}

	// ノートリストと物理ファイルの整合性を検証・修復
	if _, err := s.ValidateIntegrity(); err != nil {
		return err
	}

	// resolveMetadataConflicts で変更があった場合、LastSync を変えずに保存（起動時の正規化は同期方向に影響させない）
	if !s.isNoteListEqual(originalNotes, s.noteList.Notes) {
		if err := s.saveNoteList(); err != nil {
			return fmt.Errorf("failed to save note list after changes: %v", err)
		}
	}

	return nil
}

// 2つのノートリストが等しいかどうかを比較する ------------------------------------------------------------
func (s *noteService) isNoteListEqual(a, b []NoteMetadata) bool {
	if len(a) != len(b) {
		return false
	}

	// IDでソートした配列を作成
	sortedA := make([]NoteMetadata, len(a))
	sortedB := make([]NoteMetadata, len(b))
	copy(sortedA, a)
	copy(sortedB, b)

	sort.Slice(sortedA, func(i, j int) bool {
		return sortedA[i].ID < sortedA[j].ID
	})
	sort.Slice(sortedB, func(i, j int) bool {
		return sortedB[i].ID < sortedB[j].ID
	})

	// 各要素を比較
	for i := range sortedA {
		if sortedA[i].ID != sortedB[i].ID ||
			sortedA[i].Title != sortedB[i].Title ||
			sortedA[i].ContentHeader != sortedB[i].ContentHeader ||
			sortedA[i].Language != sortedB[i].Language ||
			sortedA[i].ModifiedTime != sortedB[i].ModifiedTime ||
			sortedA[i].Archived != sortedB[i].Archived ||
			sortedA[i].ContentHash != sortedB[i].ContentHash ||
			sortedA[i].Order != sortedB[i].Order ||
			sortedA[i].FolderID != sortedB[i].FolderID {
			return false
		}
	}

	return true
}

// メタデータの競合を解決する ------------------------------------------------------------
func (s *noteService) resolveMetadataConflicts() error {
	resolvedNotes := make([]NoteMetadata, 0)

	// ノートリストの各メタデータについて処理
	for _, listMetadata := range s.noteList.Notes {
		// ノートファイルを読み込む
		note, err := s.LoadNote(listMetadata.ID)
		if err != nil {
			if os.IsNotExist(err) {
				// ノートファイルが存在しない場合はスキップ
				continue
			}
			return fmt.Errorf("failed to load note %s: %v", listMetadata.ID, err)
		}

		// ノートファイルから新しいメタデータを作成
		fileMetadata := NoteMetadata{
			ID:            note.ID,
			Title:         note.Title,
			ContentHeader: note.ContentHeader,
			Language:      note.Language,
			ModifiedTime:  note.ModifiedTime,
			Archived:      note.Archived,
			// ContentHash, Order, FolderIDはノートリストの値を保持
			ContentHash: listMetadata.ContentHash,
			Order:       listMetadata.Order,
			FolderID:    listMetadata.FolderID,
		}

		// メタデータの競合を解決
		resolvedMetadata := s.resolveMetadata(listMetadata, fileMetadata)

		if resolvedMetadata.ModifiedTime != note.ModifiedTime ||
			resolvedMetadata.Title != note.Title ||
			resolvedMetadata.ContentHeader != note.ContentHeader ||
			resolvedMetadata.Language != note.Language ||
			resolvedMetadata.Archived != note.Archived {

			note.ModifiedTime = resolvedMetadata.ModifiedTime
			note.Title = resolvedMetadata.Title
			note.ContentHeader = resolvedMetadata.ContentHeader
			note.Language = resolvedMetadata.Language
			note.Archived = resolvedMetadata.Archived

			if err := s.SaveNoteFromSync(note); err != nil {
				return fmt.Errorf("failed to save resolved note %s: %v", note.ID, err)
			}
		}

		resolvedNotes = append(resolvedNotes, resolvedMetadata)
	}

	// 解決したメタデータでノートリストを更新
	s.noteList.Notes = resolvedNotes
	return nil
}

// 2つのメタデータを比較して競合を解決する ------------------------------------------------------------
func (s *noteService) resolveMetadata(listMetadata, fileMetadata NoteMetadata) NoteMetadata {
	// ModifiedTimeを比較して新しい方を採用
	if isModifiedTimeAfter(listMetadata.ModifiedTime, fileMetadata.ModifiedTime) {
		return listMetadata
	} else if isModifiedTimeAfter(fileMetadata.ModifiedTime, listMetadata.ModifiedTime) {
		// ファイルの方が新しい場合はファイルのメタデータを採用（OrderとContentHashは保持）
		fileMetadata.Order = listMetadata.Order
		fileMetadata.ContentHash = listMetadata.ContentHash
		return fileMetadata
	}

	// ModifiedTimeが同じ場合はファイルのメタデータを優先（OrderとContentHashは保持）
	fileMetadata.Order = listMetadata.Order
	fileMetadata.ContentHash = listMetadata.ContentHash
	return fileMetadata
}

// ノートリストをJSONファイルとして保存 ------------------------------------------------------------
func (s *noteService) saveNoteList() error {
	s.deduplicateTopLevelOrder()
	s.deduplicateArchivedTopLevelOrder()

	data, err := json.MarshalIndent(s.noteList, "", "  ")
	if err != nil {
		return err
	}

	noteListPath := s.noteListPath()
	tmpPath := noteListPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, noteListPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// 物理ファイルとノートリストの整合性を検証・修復する ------------------------------------------------------------
// 起動時および同期完了後に呼ばれる。自動修復できるものはその場で直し
// （戻り値changed=true）、ユーザーの判断が要るもの（孤立ファイルの復元/削除、
// 未来時刻のModifiedTime）はpendingIssuesに積んでApplyIntegrityFixes待ちにする。
func (s *noteService) ValidateIntegrity() (changed bool, err error) {
	files, err := os.ReadDir(s.notesDir)
	if err != nil {
		return false, err
	}

	noteIDSet := make(map[string]bool)
	for _, metadata := range s.noteList.Notes {
		noteIDSet[metadata.ID] = true
	}

	// 1. 孤立物理ファイル: 自動では復活させず、復元/削除をユーザーに委ねる
	physicalNotes := make(map[string]bool)
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		noteID := strings.TrimSuffix(file.Name(), ".json")
		physicalNotes[noteID] = true

		if !noteIDSet[noteID] {
			note, loadErr := s.LoadNote(noteID)
			if loadErr != nil {
				continue
			}
			s.pendingIssues = append(s.pendingIssues, IntegrityIssue{
				ID:                "orphan_file:" + noteID,
				Kind:              "orphan_file",
				Severity:          "warning",
				NeedsUserDecision: true,
				NoteIDs:           []string{noteID},
				Summary:           fmt.Sprintf("リストに無いノートファイル「%s」が見つかりました", note.Title),
				FixOptions: []IntegrityFixOption{
					{ID: "restore", Label: "復元", Description: "ノートリストに復元する"},
					{ID: "delete", Label: "削除", Description: "ファイルを削除する"},
				},
			})
		}
	}

	// 2. 物理ファイルが無いリストエントリは黙って除去（確認不要）
	var validNotes []NoteMetadata
	for _, metadata := range s.noteList.Notes {
		if physicalNotes[metadata.ID] {
			validNotes = append(validNotes, metadata)
		} else {
			s.pendingRepairs = append(s.pendingRepairs, fmt.Sprintf("ファイルの無いノート %s をリストから除去", metadata.ID))
			changed = true
		}
	}
	s.noteList.Notes = validNotes

	// 3. conflict copy の重複整理: 内容が既存ノートと一致するコピーは削除する
	dedupHashes := make(map[string]bool)
	for _, metadata := range s.noteList.Notes {
		if isConflictCopyTitle(metadata.Title) {
			continue
		}
		note, loadErr := s.LoadNote(metadata.ID)
		if loadErr != nil {
			continue
		}
		dedupHashes[computeConflictCopyDedupHash(note)] = true
	}
	var keptNotes []NoteMetadata
	for _, metadata := range s.noteList.Notes {
		if !isConflictCopyTitle(metadata.Title) {
			keptNotes = append(keptNotes, metadata)
			continue
		}
		note, loadErr := s.LoadNote(metadata.ID)
		if loadErr != nil {
			keptNotes = append(keptNotes, metadata)
			continue
		}
		hash := computeConflictCopyDedupHash(note)
		if dedupHashes[hash] {
			_ = os.Remove(filepath.Join(s.notesDir, metadata.ID+".json"))
			delete(physicalNotes, metadata.ID)
			s.pendingRepairs = append(s.pendingRepairs, fmt.Sprintf("重複する競合コピー「%s」を削除", metadata.Title))
			changed = true
			continue
		}
		dedupHashes[hash] = true
		keptNotes = append(keptNotes, metadata)
	}
	s.noteList.Notes = keptNotes

	// 4. 未来時刻のModifiedTime: 時計ずれの痕跡。正規化はユーザー確認を待つ
	now := time.Now().Add(5 * time.Minute)
	for _, metadata := range s.noteList.Notes {
		t, parseErr := time.Parse(time.RFC3339, metadata.ModifiedTime)
		if parseErr != nil || !t.After(now) {
			continue
		}
		s.pendingIssues = append(s.pendingIssues, IntegrityIssue{
			ID:                "future_time:" + metadata.ID,
			Kind:              "future_modified_time",
			Severity:          "warning",
			NeedsUserDecision: true,
			NoteIDs:           []string{metadata.ID},
			Summary:           fmt.Sprintf("ノート「%s」の更新日時が未来になっています", metadata.Title),
			FixOptions: []IntegrityFixOption{
				{ID: "normalize", Label: "修正", Description: "更新日時を現在時刻に揃える"},
			},
		})
	}

	// 有効なノートID・フォルダIDのセットを構築
	validNoteIDs := make(map[string]bool)
	archivedNoteIDs := make(map[string]bool)
	for _, m := range s.noteList.Notes {
		validNoteIDs[m.ID] = true
		if m.Archived {
			archivedNoteIDs[m.ID] = true
		}
	}
	validFolderIDs := make(map[string]bool)
	archivedFolderIDs := make(map[string]bool)
	for _, f := range s.noteList.Folders {
		validFolderIDs[f.ID] = true
		if f.Archived {
			archivedFolderIDs[f.ID] = true
		}
	}

	// 5. フォルダ参照の修復: 存在しないフォルダは未分類へ、
	//    アーカイブ済みノートは非アーカイブフォルダから外す
	for i := range s.noteList.Notes {
		m := &s.noteList.Notes[i]
		if m.FolderID == "" {
			continue
		}
		if !validFolderIDs[m.FolderID] {
			m.FolderID = ""
			s.pendingRepairs = append(s.pendingRepairs, fmt.Sprintf("ノート %s の無効なフォルダ参照を解除", m.ID))
			changed = true
			continue
		}
		if m.Archived && !archivedFolderIDs[m.FolderID] {
			m.FolderID = ""
			s.pendingRepairs = append(s.pendingRepairs, fmt.Sprintf("アーカイブ済みノート %s をフォルダから外しました", m.ID))
			changed = true
		}
	}

	// 6. TopLevelOrder の修復: 無効参照とアーカイブ項目を除去
	if s.noteList.TopLevelOrder != nil {
		var cleaned []TopLevelItem
		for _, item := range s.noteList.TopLevelOrder {
			valid := (item.Type == "note" && validNoteIDs[item.ID] && !archivedNoteIDs[item.ID]) ||
				(item.Type == "folder" && validFolderIDs[item.ID] && !archivedFolderIDs[item.ID])
			if valid {
				cleaned = append(cleaned, item)
			} else {
				s.pendingRepairs = append(s.pendingRepairs, fmt.Sprintf("TopLevelOrder から %s %s を除去", item.Type, item.ID))
				changed = true
			}
		}
		s.noteList.TopLevelOrder = cleaned
	}

	// 7. ArchivedTopLevelOrder の修復: 無効参照と非アーカイブ項目を除去
	if s.noteList.ArchivedTopLevelOrder != nil {
		var cleaned []TopLevelItem
		for _, item := range s.noteList.ArchivedTopLevelOrder {
			valid := (item.Type == "note" && archivedNoteIDs[item.ID]) ||
				(item.Type == "folder" && archivedFolderIDs[item.ID])
			if valid {
				cleaned = append(cleaned, item)
			} else {
				s.pendingRepairs = append(s.pendingRepairs, fmt.Sprintf("ArchivedTopLevelOrder から %s %s を除去", item.Type, item.ID))
				changed = true
			}
		}
		s.noteList.ArchivedTopLevelOrder = cleaned
	}

	// 8. 取りこぼしの補完: 未分類のアクティブ項目はTopLevelOrderへ、
	//    アーカイブ項目はArchivedTopLevelOrderへ
	presentInTopLevel := make(map[string]bool)
	for _, item := range s.noteList.TopLevelOrder {
		presentInTopLevel[item.Type+":"+item.ID] = true
	}
	presentInArchived := make(map[string]bool)
	for _, item := range s.noteList.ArchivedTopLevelOrder {
		presentInArchived[item.Type+":"+item.ID] = true
	}
	for _, m := range s.noteList.Notes {
		switch {
		case !m.Archived && m.FolderID == "" && !presentInTopLevel["note:"+m.ID]:
			s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, TopLevelItem{Type: "note", ID: m.ID})
			changed = true
		case m.Archived && !presentInArchived["note:"+m.ID]:
			s.noteList.ArchivedTopLevelOrder = append(s.noteList.ArchivedTopLevelOrder, TopLevelItem{Type: "note", ID: m.ID})
			changed = true
		}
	}
	for _, f := range s.noteList.Folders {
		switch {
		case !f.Archived && !presentInTopLevel["folder:"+f.ID]:
			s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, TopLevelItem{Type: "folder", ID: f.ID})
			changed = true
		case f.Archived && !presentInArchived["folder:"+f.ID]:
			s.noteList.ArchivedTopLevelOrder = append(s.noteList.ArchivedTopLevelOrder, TopLevelItem{Type: "folder", ID: f.ID})
			changed = true
		}
	}

	if changed {
		if saveErr := s.saveNoteList(); saveErr != nil {
			return changed, saveErr
		}
	}

	return changed, nil
}

// ------------------------------------------------------------
// 整合性チェックの結果引き渡しと修復適用
// ------------------------------------------------------------

// DrainPendingIntegrityIssues はユーザー判断待ちの問題を一度だけ取り出す
func (s *noteService) DrainPendingIntegrityIssues() []IntegrityIssue {
	issues := s.pendingIssues
	s.pendingIssues = nil
	return issues
}

// DrainPendingIntegrityRepairs は自動修復の記録を一度だけ取り出す
func (s *noteService) DrainPendingIntegrityRepairs() []string {
	repairs := s.pendingRepairs
	s.pendingRepairs = nil
	return repairs
}

// ApplyIntegrityFixes はユーザーが選択した修復を適用する。IssueIDは
// "種別:ノートID" 形式なので、Drain済みでも適用できる。
func (s *noteService) ApplyIntegrityFixes(selections []IntegrityFixSelection) (*IntegrityRepairSummary, error) {
	summary := &IntegrityRepairSummary{}

	for _, sel := range selections {
		kind, noteID, ok := strings.Cut(sel.IssueID, ":")
		if !ok || noteID == "" {
			summary.Skipped++
			continue
		}

		var err error
		switch {
		case kind == "orphan_file" && sel.FixID == "restore":
			err = s.restoreOrphanFile(noteID)
		case kind == "orphan_file" && sel.FixID == "delete":
			err = os.Remove(filepath.Join(s.notesDir, noteID+".json"))
		case kind == "future_time" && sel.FixID == "normalize":
			err = s.normalizeFutureModifiedTime(noteID)
		default:
			summary.Skipped++
			continue
		}

		if err != nil {
			summary.Errors++
			summary.Messages = append(summary.Messages, fmt.Sprintf("%s: %v", sel.IssueID, err))
			continue
		}
		summary.Applied++
	}

	if summary.Applied > 0 {
		if err := s.saveNoteList(); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

// restoreOrphanFile は孤立物理ファイルをノートリストへ復元する
func (s *noteService) restoreOrphanFile(noteID string) error {
	for _, m := range s.noteList.Notes {
		if m.ID == noteID {
			return nil // 既にリストにある
		}
	}
	note, err := s.LoadNote(noteID)
	if err != nil {
		return err
	}
	s.noteList.Notes = append(s.noteList.Notes, NoteMetadata{
		ID:            note.ID,
		Title:         note.Title,
		ContentHeader: note.ContentHeader,
		Language:      note.Language,
		ModifiedTime:  note.ModifiedTime,
		Archived:      note.Archived,
		ContentHash:   computeContentHash(note),
		Order:         note.Order,
		Version:       note.Version,
		DeviceID:      note.DeviceID,
	})
	if note.FolderID == "" && !note.Archived {
		s.ensureTopLevelOrder()
		s.noteList.TopLevelOrder = append(s.noteList.TopLevelOrder, TopLevelItem{Type: "note", ID: note.ID})
	}
	return nil
}

// normalizeFutureModifiedTime は未来時刻のModifiedTimeを現在時刻へ揃える
func (s *noteService) normalizeFutureModifiedTime(noteID string) error {
	now := time.Now().Format(time.RFC3339)
	for i := range s.noteList.Notes {
		if s.noteList.Notes[i].ID != noteID {
			continue
		}
		s.noteList.Notes[i].ModifiedTime = now
		if note, err := s.LoadNote(noteID); err == nil {
			note.ModifiedTime = now
			if err := s.SaveNoteFromSync(note); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("note not found: %s", noteID)
}

// ------------------------------------------------------------
// 同期比較用ハッシュと競合コピー判定
// ------------------------------------------------------------

// RecoveryFolderName は孤立ノートの復旧先フォルダ名
const RecoveryFolderName = "Recovered Notes"

// computeContentHash は同期比較用の安定ハッシュ。ModifiedTimeを含めない —
// タイムスタンプだけ進んだ保存を「内容の変更」と誤検知しないため。
func computeContentHash(note *Note) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%t\x00%s",
		note.ID, note.Title, note.Content, note.Language, note.Archived, note.FolderID)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// conflictCopyTitleRe は競合コピーのタイトル形式（日英両方と旧形式）を判定する
var conflictCopyTitleRe = regexp.MustCompile(`^(.+?)(?: \((?:conflict copy|競合コピー)[^)]*\)| - conflict copy.*)$`)

func isConflictCopyTitle(title string) bool {
	return conflictCopyTitleRe.MatchString(title)
}

func conflictCopyBaseTitle(title string) string {
	m := conflictCopyTitleRe.FindStringSubmatch(title)
	if m == nil {
		return title
	}
	return m[1]
}

// computeConflictCopyDedupHash は競合コピーと元ノートが実質同一かを判定する
// ためのハッシュ。タイトルはコピー接尾辞を剥がして比べ、Archived/フォルダは
// 問わない（アーカイブ済みコピーも重複として畳む）。
func computeConflictCopyDedupHash(note *Note) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s", conflictCopyBaseTitle(note.Title), note.Content, note.Language)
	return fmt.Sprintf("%x", h.Sum(nil))
}

// RecoverOrphanNote はリストに載っていないノートを復旧用フォルダ配下として
// ノートリストへ登録する。ノートファイル自体は呼び出し側が保存済みの前提。
func (s *noteService) RecoverOrphanNote(note *Note, folderName string) error {
	var folderID string
	for _, f := range s.noteList.Folders {
		if f.Name == folderName {
			folderID = f.ID
			break
		}
	}
	if folderID == "" {
		folderID = uuid.New().String()
		s.noteList.Folders = append(s.noteList.Folders, Folder{
			ID:   folderID,
			Name: folderName,
		})
	}

	for i := range s.noteList.Notes {
		if s.noteList.Notes[i].ID == note.ID {
			s.noteList.Notes[i].FolderID = folderID
			return s.saveNoteList()
		}
	}

	s.noteList.Notes = append(s.noteList.Notes, NoteMetadata{
		ID:            note.ID,
		Title:         note.Title,
		ContentHeader: note.ContentHeader,
		Language:      note.Language,
		ModifiedTime:  note.ModifiedTime,
		Archived:      note.Archived,
		ContentHash:   computeContentHash(note),
		FolderID:      folderID,
		Version:       note.Version,
		DeviceID:      note.DeviceID,
	})
	return s.saveNoteList()
}

// buildNoteMetadata はノートから同期用メタデータを組み立てる。FolderID/Orderは
// ノートファイル側に持たないため、リスト上の既存エントリから引き継ぐ。
func (s *noteService) buildNoteMetadata(note *Note) NoteMetadata {
	meta := NoteMetadata{
		ID:            note.ID,
		Title:         note.Title,
		ContentHeader: note.ContentHeader,
		Language:      note.Language,
		ModifiedTime:  note.ModifiedTime,
		Archived:      note.Archived,
		ContentHash:   computeContentHash(note),
		Version:       note.Version,
		IsDeleted:     note.IsDeleted,
		DeletedAt:     note.DeletedAt,
		DeviceID:      note.DeviceID,
	}
	for _, m := range s.noteList.Notes {
		if m.ID == note.ID {
			meta.FolderID = m.FolderID
			meta.Order = m.Order
			break
		}
	}
	return meta
}

// UpdateNoteSyncState は同期の結果（syncStatusと、初回アップロードで採番された
// リモートファイルID）をノート行へ反映する。同期の事後処理であって編集ではない
// ので、ModifiedTime/Versionは動かさずSaveNoteFromSyncで書く。RemoteFileIDは
// 一度割り当てたら二度と変えない。
func (s *noteService) UpdateNoteSyncState(noteID string, status SyncStatus, remoteFileID string) error {
	note, err := s.LoadNote(noteID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // 既にローカルから消えたノート
		}
		return err
	}
	note.SyncStatus = status
	if remoteFileID != "" && note.RemoteFileID == "" {
		note.RemoteFileID = remoteFileID
	}
	return s.SaveNoteFromSync(note)
}
