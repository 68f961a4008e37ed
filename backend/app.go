// ------------------------------------------------------------
// バックエンドアーキテクチャの概要
// ------------------------------------------------------------
//
// このアプリケーションは以下のサービスで構成されています：
//
// 1. App (app.go)
//    - アプリケーションのメインエントリーポイント
//    - 各サービスの初期化と連携を管理
//    - フロントエンドとバックエンドの橋渡し役
//
// 2. NoteService (note_service.go)
//    - ローカルのノート操作を担当
//    - ノートの作成、読み込み、保存、削除
//    - ノートリストの管理とメタデータの同期
//
// 3. DriveService (drive_service.go, drive_sync_service.go, drive_operations.go)
//    - Google Driveとの同期機能を提供
//    - 認証管理（OAuth2.0）
//    - ノートのクラウド同期
//    - 非同期操作のキュー管理
//
// 4. SettingsService (settings_service.go)
//    - アプリケーション設定の管理
//    - ウィンドウ状態の保存/復元
//    - ユーザー設定の保存/読み込み
//
// 5. FileService (file_service.go)
//    - ローカルファイルシステムとの操作
//    - ファイルの開く/保存ダイアログ
//    - 外部ファイルの読み込み
//
// ファイル構成：
// - domain.go: データモデルの定義
// - app.go: メインアプリケーションロジック
// - note_service.go: ノート操作の実装
// - drive_service.go: Google Drive連携の中核実装
// - drive_sync_service.go: 同期ロジックの中レベル実装
// - drive_operations.go: Drive操作の低レベル実装
// - drive_operations_queue.go: Drive操作のキュー管理ラッパー
// - settings_service.go: 設定管理の実装
// - file_service.go: ファイル操作の実装

package backend

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	wailsRuntime "github.com/wailsapp/wails/v2/pkg/runtime"

	"monaco-notepad/backend/migration"
)

// !!!! Important !!!!
// You need to download Google Drive credentials.json file in the backend directory.
// ------------------------------------------------------------
//
//go:embed credentials.json
var credentialsJSON []byte

// 新しいContextインスタンスを作成 ------------------------------------------------------------
func NewContext(ctx context.Context) *Context {
	return &Context{
		ctx:             ctx,
		skipBeforeClose: false,
	}
}

// BeforeClose処理のスキップフラグを設定 ------------------------------------------------------------
func (c *Context) SkipBeforeClose(skip bool) {
	c.skipBeforeClose = skip
}

// BeforeClose処理をスキップすべきかどうかを返す ------------------------------------------------------------
func (c *Context) ShouldSkipBeforeClose() bool {
	return c.skipBeforeClose
}

// 新しいAppインスタンスを作成 ------------------------------------------------------------
func NewApp() *App {
	return &App{
		ctx:           NewContext(context.Background()),
		frontendReady: make(chan struct{}),
	}
}

// ------------------------------------------------------------
// アプリケーション関連の操作
// ------------------------------------------------------------

// アプリケーション起動時に呼び出される初期化関数 ------------------------------------------------------------
func (a *App) Startup(ctx context.Context) {
	a.ctx.ctx = ctx

	// アプリケーションデータディレクトリの設定
	appData, err := os.UserConfigDir()
	if err != nil {
		appData, err = os.UserHomeDir()
		if err != nil {
			appData = "."
		}
	}

	a.appDataDir = filepath.Join(appData, "monaco-notepad")
	a.notesDir = filepath.Join(a.appDataDir, "notes")

	fmt.Println("appDataDir: ", a.appDataDir)

	// ディレクトリの作成
	os.MkdirAll(a.notesDir, 0755)

	// FileServiceの初期化
	a.fileService = NewFileService(a.ctx)
	a.fileNoteService = NewFileNoteService(a.appDataDir)

	// SettingsServiceの初期化
	a.settingsService = NewSettingsService(a.appDataDir)

	// 旧形式のノートリストが残っていればv2形式へ変換しておく（冪等）
	if migrated, err := migration.RunIfNeeded(a.appDataDir, a.notesDir); err != nil {
		fmt.Printf("Note list migration failed: %v\n", err)
	} else if migrated {
		fmt.Println("Note list migrated to v2 format")
	}

	// NoteServiceの初期化。リスト破損で完全に失敗した場合は物理ファイルからの
	// 再構築にフォールバックする。
	noteService, err := NewNoteService(a.notesDir, nil)
	if err != nil {
		fmt.Printf("Error initializing note service: %v\n", err)
		noteService = NewEmptyNoteService(a.notesDir, nil)
	}
	a.noteService = noteService

	// 端末固有の識別子。三者マージのタイブレークと永続キューのログに使う。
	// 初回起動時に採番し、設定ファイルへ永続化する。
	settings, err := a.settingsService.LoadSettings()
	if err != nil || settings == nil {
		settings = DefaultSettings()
	}
	if settings.DeviceID == "" {
		settings.DeviceID = uuid.New().String()
		a.settingsService.SaveSettings(settings)
	}
	a.clientID = settings.DeviceID

	a.logger = NewAppLogger(a.ctx.ctx, false, a.appDataDir)
	a.logger.SetDebugMode(settings.IsDebug)

	// キュー・シャドウ・tombstoneの永続コンポーネントはDrive接続の有無に関わらず動く。
	driveLogger := NewDriveLogger(a.ctx.ctx, false, a.appDataDir)
	a.mutationQueue = NewMutationQueue(a.appDataDir, driveLogger)
	a.shadowStore = NewSyncShadowStore(a.appDataDir)
	a.tombstoneStore = NewTombstoneStore(a.appDataDir)
	a.migrationEngine = NewMigrationEngine(a.appDataDir, a.noteService, a.mutationQueue, a.tombstoneStore, a.settingsService, driveLogger)

	// 前回起動がSaveEntityWithQueueの途中（ローカル書き込みとキュー投入の間）で
	// 終了していた場合、ここで再生して完了させる。Sync Engine起動前に行う。
	if err := a.mutationQueue.RecoverPendingTransaction(a.replayPendingWrite); err != nil {
		driveLogger.Console("recovering pending mutation transaction: %v", err)
	}
}

// replayPendingWrite reproduces the local half of a journaled
// SaveEntityWithQueue/DeleteNote call during RecoverPendingTransaction.
func (a *App) replayPendingWrite(entityType EntityType, entityID string, opType QueuedOpType, payload []byte) error {
	if entityType != EntityNote {
		return nil
	}
	if opType == QueuedOpDelete {
		return a.noteService.DeleteNote(entityID)
	}
	var mp mutationPayload
	if err := json.Unmarshal(payload, &mp); err != nil || mp.Note == nil {
		return fmt.Errorf("decoding recovered note payload for %s: %w", entityID, err)
	}
	return a.noteService.SaveNote(mp.Note)
}

// フロントエンドにDOMが読み込まれたときに呼び出される関数 ------------------------------------------------------------
func (a *App) DomReady(ctx context.Context) {
	fmt.Println("DomReady called")

	authSvc := NewAuthService(ctx, a.appDataDir, a.notesDir, a.noteService, credentialsJSON, a.logger, false)
	syncState := NewSyncState(a.appDataDir)
	if err := syncState.Load(); err != nil {
		a.logger.Console("loading sync state: %v", err)
	}
	a.syncState = syncState

	// DriveServiceの初期化
	driveService := NewDriveService(
		ctx,
		a.appDataDir,
		a.notesDir,
		a.noteService,
		credentialsJSON,
		a.logger,
		authSvc,
		syncState,
	)
	// Google Driveの初期化。保存済みトークンがあればポーリング開始
	if err := driveService.InitializeDrive(); err != nil {
		fmt.Printf("Error initializing drive service: %v\n", err)
	}
	a.driveService = driveService

	// Sync Engineは永続キューとシャドウストアをdriveServiceへ橋渡しする。
	// 再認証はAuthServiceへ一度だけ委ねる(AuthExpiredの単発リトライ)。
	driveSyncLogger := NewDriveLogger(ctx, false, a.appDataDir)
	a.syncEngine = NewSyncEngine(
		ctx,
		a.appDataDir,
		a.clientID,
		a.mutationQueue,
		a.shadowStore,
		a.tombstoneStore,
		a.noteService,
		driveService.SyncService(),
		driveService,
		driveSyncLogger,
		func() error {
			_, err := authSvc.RefreshToken()
			return err
		},
		func() {
			// A failed refresh means the grant itself is gone: drop the Drive session.
			if err := driveService.LogoutDrive(); err != nil {
				a.logger.Error(err, "logging out after failed token refresh")
			}
		},
	)
	a.mutationQueue.SetDirtyHook(a.syncEngine.Kick)
	driveService.SetSyncCycleTrigger(a.syncEngine.Kick)
	if driveService.IsConnected() {
		go a.syncEngine.Kick()
	}

	// フロントエンドに初期化完了を通知
	wailsRuntime.EventsEmit(ctx, "backend:ready")
}

// アプリケーション終了前に呼び出される処理 ------------------------------------------------------------
func (a *App) BeforeClose(ctx context.Context) (prevent bool) {
	if a.ctx.ShouldSkipBeforeClose() {
		return false
	}

	// イベントを発行して、フロントエンドに保存を要求
	wailsRuntime.EventsEmit(ctx, "app:beforeclose")

	// ウィンドウの状態を保存
	if err := a.settingsService.SaveWindowState(a.ctx); err != nil {
		return false
	}

	return false
}

// アプリケーションを強制終了する ------------------------------------------------------------
func (a *App) DestroyApp() {
	fmt.Println("DestroyApp")
	// BeforeCloseイベントをスキップしてアプリケーションを終了
	a.ctx.SkipBeforeClose(true)
	wailsRuntime.Quit(a.ctx.ctx)
}

// フロントエンドの準備完了を通知する ------------------------------------------------------------
func (a *App) NotifyFrontendReady() {
	fmt.Println("App.NotifyFrontendReady called") // デバッグログ
	if a.driveService != nil {
		a.driveService.NotifyFrontendReady()
	} else {
		fmt.Println("Warning: driveService is nil") // デバッグログ
	}
}

// ------------------------------------------------------------
// ノート関連の操作 (ローカルノート操作メソッドとGoogle Drive操作メソッドを結合)
// ------------------------------------------------------------

// 全てのノートのリストを返す ------------------------------------------------------------
func (a *App) ListNotes() ([]Note, error) {
	return a.noteService.ListNotes()
}

// 指定されたIDのノートを読み込む ------------------------------------------------------------
func (a *App) LoadNote(id string) (*Note, error) {
	return a.noteService.LoadNote(id)
}

// ノートを保存する（アーカイブも含む） ------------------------------------------------------------
// ローカル保存はバージョンを単調増加させ、プッシュはここで直接送らず
// MutationQueueへ積む。実際のアップロードはSync EngineのDrainが
// 行う — オフライン中や再起動を挟んでも積んだ変更が失われないようにするため。
func (a *App) SaveNote(note *Note, action string) error {
	if action != "create" {
		action = "update"
	}

	note.Version++
	note.SyncStatus = SyncStatusPending
	note.DeviceID = a.clientID
	if note.ModifiedTime == "" || action == "update" {
		note.ModifiedTime = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if a.syncState != nil {
		a.syncState.MarkNoteDirty(note.ID)
	}

	if a.mutationQueue == nil {
		// マイグレーション前や単体構成のフォールバック: 旧来どおり即座に送る。
		if err := a.noteService.SaveNote(note); err != nil {
			return err
		}
		if a.driveService != nil && a.driveService.IsConnected() {
			noteCopy := *note
			go func() {
				if action == "create" {
					a.driveService.CreateNote(&noteCopy)
				} else {
					a.driveService.UpdateNote(&noteCopy)
				}
				a.driveService.UpdateNoteList()
			}()
		}
		return nil
	}

	payload, err := json.Marshal(mutationPayload{Note: note})
	if err != nil {
		return fmt.Errorf("marshalling note for queue: %w", err)
	}
	opType := QueuedOpUpdate
	if action == "create" {
		opType = QueuedOpCreate
	}
	if _, err := a.mutationQueue.SaveEntityWithQueue(EntityNote, note.ID, opType, payload, func() error {
		return a.noteService.SaveNote(note)
	}); err != nil {
		return fmt.Errorf("saving note transactionally: %w", err)
	}
	return nil
}

// ノートリストを保存する ------------------------------------------------------------
func (a *App) SaveNoteList() error {
	fmt.Println("SaveNoteList called")
	// LastSyncを更新
	a.noteService.noteList.LastSync = time.Now()

	// まずノートサービスでローカルに保存
	if err := a.noteService.saveNoteList(); err != nil {
		return err
	}

	// ドライブサービスが初期化されており、接続中の場合はアップロード
	if a.driveService != nil && a.driveService.IsConnected() {
		if !a.driveService.IsTestMode() {
			wailsRuntime.EventsEmit(a.ctx.ctx, "drive:status", "syncing")
		}
		if err := a.driveService.UpdateNoteList(); err != nil {
			fmt.Printf("Error uploading note list to Drive: %v\n", err)
			return err
		}
		if !a.driveService.IsTestMode() {
			wailsRuntime.EventsEmit(a.ctx.ctx, "drive:status", "synced")
		}
	}
	return nil
}

// 指定されたIDのノートを削除する ------------------------------------------------------------
// タイムスタンプ付きのtombstoneを残してから消す。消した直後にpullが
// 走っても、古いリモート版で復活させない。
func (a *App) DeleteNote(id string) error {
	deletedAt := time.Now().UTC().Format(time.RFC3339Nano)
	if a.tombstoneStore != nil {
		a.tombstoneStore.Mark(EntityNote, id, deletedAt)
	}
	if a.syncState != nil {
		a.syncState.MarkNoteDeleted(id)
	}

	if a.mutationQueue == nil {
		if err := a.noteService.DeleteNote(id); err != nil {
			return err
		}
		if a.shadowStore != nil {
			a.shadowStore.Delete(id)
		}
		if a.driveService != nil && a.driveService.IsConnected() {
			go func() {
				a.driveService.DeleteNoteDrive(id)
				a.driveService.UpdateNoteList()
			}()
		}
		return nil
	}

	if _, err := a.mutationQueue.SaveEntityWithQueue(EntityNote, id, QueuedOpDelete, nil, func() error {
		return a.noteService.DeleteNote(id)
	}); err != nil {
		return fmt.Errorf("deleting note transactionally: %w", err)
	}

	if a.shadowStore != nil {
		a.shadowStore.Delete(id)
	}
	return nil
}

// ノートのピン留め状態を反転する ------------------------------------------------------------
func (a *App) TogglePin(id string) (*Note, error) {
	note, err := a.noteService.LoadNote(id)
	if err != nil {
		return nil, err
	}
	note.IsPinned = !note.IsPinned
	if err := a.SaveNote(note, "update"); err != nil {
		return nil, err
	}
	return note, nil
}

// ノートをゴミ箱へ移す（ソフトデリート） ------------------------------------------------------------
// 実削除はせずisDeletedを立てたupdateをキューへ積むだけなので、同期前に
// 復元すればdeleteがリモートへ送られることはない。ゴミ箱のノートは
// フォルダから外れる。
func (a *App) MoveToTrash(id string) error {
	note, err := a.noteService.LoadNote(id)
	if err != nil {
		return err
	}
	if note.IsDeleted {
		return nil
	}
	note.IsDeleted = true
	note.DeletedAt = time.Now().UTC().Format(time.RFC3339Nano)
	if note.FolderID != "" {
		if err := a.noteService.MoveNoteToFolder(id, ""); err != nil {
			return err
		}
		note.FolderID = ""
	}
	return a.SaveNote(note, "update")
}

// ゴミ箱からノートを復元する ------------------------------------------------------------
func (a *App) RestoreFromTrash(id string) error {
	note, err := a.noteService.LoadNote(id)
	if err != nil {
		return err
	}
	if !note.IsDeleted {
		return nil
	}
	note.IsDeleted = false
	note.DeletedAt = ""
	return a.SaveNote(note, "update")
}

// ゴミ箱のノートを完全に削除する ------------------------------------------------------------
// tombstoneを残し、リモートへのdeleteをキューへ積む。
func (a *App) PermanentlyDelete(id string) error {
	return a.DeleteNote(id)
}

// ノートを複製する ------------------------------------------------------------
// 複製は未同期の新規ノートとして作られ、元ノートの同期状態・共有状態は
// 引き継がない。
func (a *App) Duplicate(id string) (*Note, error) {
	src, err := a.noteService.LoadNote(id)
	if err != nil {
		return nil, err
	}
	copyNote := *src
	copyNote.ID = uuid.New().String()
	copyNote.Title = src.Title + " (コピー)"
	copyNote.Version = 0
	copyNote.SyncStatus = ""
	copyNote.RemoteFileID = ""
	copyNote.PublicFileID = ""
	copyNote.IsShared = false
	copyNote.IsDeleted = false
	copyNote.DeletedAt = ""
	copyNote.ModifiedTime = ""
	if err := a.SaveNote(&copyNote, "create"); err != nil {
		return nil, err
	}
	// 複製は元ノートと同じフォルダに置く
	if copyNote.FolderID != "" {
		if err := a.noteService.MoveNoteToFolder(copyNote.ID, copyNote.FolderID); err != nil {
			return nil, err
		}
	}
	return &copyNote, nil
}

// アーカイブされたノートの完全なデータを読み込む ------------------------------------------------------------
func (a *App) LoadArchivedNote(id string) (*Note, error) {
	return a.noteService.LoadArchivedNote(id)
}

// 整合性チェックでユーザー判断待ちになった問題を取り出す ------------------------------------------------------------
func (a *App) DrainIntegrityIssues() []IntegrityIssue {
	return a.noteService.DrainPendingIntegrityIssues()
}

// ユーザーが選択した整合性修復を適用する ------------------------------------------------------------
func (a *App) ApplyIntegrityFixes(selections []IntegrityFixSelection) (*IntegrityRepairSummary, error) {
	return a.noteService.ApplyIntegrityFixes(selections)
}

// 折りたたまれたフォルダIDのリストを返す ------------------------------------------------------------
func (a *App) GetCollapsedFolderIDs() []string {
	return append([]string(nil), a.noteService.noteList.CollapsedFolderIDs...)
}

// 折りたたまれたフォルダIDのリストを更新して保存する ------------------------------------------------------------
func (a *App) UpdateCollapsedFolderIDs(ids []string) error {
	a.noteService.noteList.CollapsedFolderIDs = append([]string(nil), ids...)
	if err := a.noteService.saveNoteList(); err != nil {
		return err
	}

	// 表示状態の変更はリモートのノートリストにも反映する（接続中のみ）
	if a.driveService != nil && a.driveService.IsConnected() {
		go func() {
			if err := a.driveService.UpdateNoteList(); err != nil {
				fmt.Printf("Error uploading note list to Drive: %v\n", err)
			}
		}()
	}
	return nil
}

// ノートの順序を更新する ------------------------------------------------------------
func (a *App) UpdateNoteOrder(noteID string, newIndex int) error {
	fmt.Println("UpdateNoteOrder called")
	// まずノートサービスで順序を更新
	if err := a.noteService.UpdateNoteOrder(noteID, newIndex); err != nil {
		return err
	}

	// ドライブサービスが初期化されており、接続中の場合はアップロード
	if a.driveService != nil && a.driveService.IsConnected() {
		go func() {
			// ノートリストをアップロード
			if err := a.driveService.UpdateNoteList(); err != nil {
				fmt.Printf("Error uploading note list to Drive: %v\n", err)
				if !a.driveService.IsTestMode() {
					wailsRuntime.EventsEmit(a.ctx.ctx, "drive:error", err.Error())
				}
				return
			}

			// テストモード時はイベント通知をスキップ
			if !a.driveService.IsTestMode() {
				wailsRuntime.EventsEmit(a.ctx.ctx, "drive:status", "synced")
			}
		}()
	}
	return nil
}

// ------------------------------------------------------------
// フォルダ関連の操作 (M1実行後は書き換え系が無効になる)
// ------------------------------------------------------------

// folderMutationsDisabled はフォルダの書き換え操作が使えるかを返す。
// M1（コレクション廃止）を実行した後のインストールではフォルダは存在しない。
func (a *App) folderMutationsDisabled() bool {
	return a.migrationEngine != nil && !a.migrationEngine.NeedsM1()
}

// フォルダを作成する
func (a *App) CreateFolder(name string) (*Folder, error) {
	if a.folderMutationsDisabled() {
		return nil, fmt.Errorf("folders are no longer supported on this install")
	}
	return a.noteService.CreateFolder(name)
}

// フォルダ名を変更する
func (a *App) RenameFolder(id string, name string) error {
	if a.folderMutationsDisabled() {
		return fmt.Errorf("folders are no longer supported on this install")
	}
	return a.noteService.RenameFolder(id, name)
}

// フォルダを削除する
func (a *App) DeleteFolder(id string) error {
	if a.folderMutationsDisabled() {
		return fmt.Errorf("folders are no longer supported on this install")
	}
	return a.noteService.DeleteFolder(id)
}

// ノートをフォルダに移動する
func (a *App) MoveNoteToFolder(noteID string, folderID string) error {
	if a.folderMutationsDisabled() {
		return fmt.Errorf("folders are no longer supported on this install")
	}
	return a.noteService.MoveNoteToFolder(noteID, folderID)
}

// フォルダのリストを返す
func (a *App) ListFolders() []Folder {
	return a.noteService.ListFolders()
}

// フォルダをアーカイブする
func (a *App) ArchiveFolder(id string) error {
	if a.folderMutationsDisabled() {
		return fmt.Errorf("folders are no longer supported on this install")
	}
	return a.noteService.ArchiveFolder(id)
}

// アーカイブされたフォルダを復元する
func (a *App) UnarchiveFolder(id string) error {
	if a.folderMutationsDisabled() {
		return fmt.Errorf("folders are no longer supported on this install")
	}
	return a.noteService.UnarchiveFolder(id)
}

// アーカイブされたフォルダを削除する
func (a *App) DeleteArchivedFolder(id string) error {
	return a.noteService.DeleteArchivedFolder(id)
}

// トップレベルの表示順序を返す
func (a *App) GetTopLevelOrder() []TopLevelItem {
	return a.noteService.GetTopLevelOrder()
}

// トップレベルの表示順序を更新する
func (a *App) UpdateTopLevelOrder(order []TopLevelItem) error {
	return a.noteService.UpdateTopLevelOrder(order)
}

// アーカイブ側の表示順序を返す
func (a *App) GetArchivedTopLevelOrder() []TopLevelItem {
	return a.noteService.GetArchivedTopLevelOrder()
}

// アーカイブ側の表示順序を更新する
func (a *App) UpdateArchivedTopLevelOrder(order []TopLevelItem) error {
	return a.noteService.UpdateArchivedTopLevelOrder(order)
}

// ------------------------------------------------------------
// Google Drive関連の操作
// ------------------------------------------------------------

// Google Drive APIの初期化 ------------------------------------------------------------
func (a *App) InitializeDrive() error {
	if a.driveService == nil {
		return fmt.Errorf("DriveService not initialized yet")
	}
	return a.driveService.InitializeDrive()
}

// Google Driveの認証フローを開始 ------------------------------------------------------------
func (a *App) AuthorizeDrive() (string, error) {
	if a.driveService == nil {
		return "", fmt.Errorf("DriveService not initialized yet")
	}
	err := a.driveService.AuthorizeDrive()
	if err != nil {
		return "", err
	}
	return "", nil
}

// 認証をキャンセル ------------------------------------------------------------
func (a *App) CancelLoginDrive() error {
	if a.driveService != nil {
		return a.driveService.CancelLoginDrive()
	}
	return fmt.Errorf("drive service is not initialized")
}

// Google Driveからログアウト ------------------------------------------------------------
func (a *App) LogoutDrive() error {
	return a.driveService.LogoutDrive()
}

// 手動でただちに同期を開始 ------------------------------------------------------------
func (a *App) SyncNow() error {
	if a.driveService == nil || !a.driveService.IsConnected() {
		return fmt.Errorf("drive service is not initialized or not connected")
	}
	if a.syncEngine != nil {
		a.syncEngine.Kick()
		return nil
	}
	return a.driveService.SyncNotes()
}

// Google Driveとの接続状態をチェック ------------------------------------------------------------
func (a *App) CheckDriveConnection() bool {
	if a.driveService == nil {
		return false
	}
	return a.driveService.IsConnected()
}

// ------------------------------------------------------------
// マイグレーション関連の操作 (M1: コレクション廃止)
// ------------------------------------------------------------

// NeedsCollectionMigration reports whether the M1 migration (removing
// folders/collections) still needs to run on this install.
func (a *App) NeedsCollectionMigration() bool {
	if a.migrationEngine == nil {
		return false
	}
	return a.migrationEngine.NeedsM1()
}

// RunCollectionMigration executes M1. The app should be treated as
// read-only by the frontend for its duration; migrationProgress events
// report incremental status.
func (a *App) RunCollectionMigration(dryRun bool) error {
	if a.migrationEngine == nil {
		return fmt.Errorf("migration engine not initialized")
	}
	if a.syncEngine != nil {
		a.syncEngine.Suspend()
		defer a.syncEngine.Resume()
	}
	ctx := a.ctx.ctx
	return a.migrationEngine.RunM1(dryRun, func(p MigrationProgress) {
		wailsRuntime.EventsEmit(ctx, "migrationProgress", p)
	})
}

// RollbackCollectionMigration restores folders/FolderIDs from the last
// migration run's log. Only meaningful after a terminal mid-run failure.
func (a *App) RollbackCollectionMigration() error {
	if a.migrationEngine == nil {
		return fmt.Errorf("migration engine not initialized")
	}
	return a.migrationEngine.RollbackFromLog()
}

// ------------------------------------------------------------
// コラボレーションセッション関連の操作
// ------------------------------------------------------------

// StartCollabSession opens this note for live collaboration as host and
// returns the address guests should join with.
func (a *App) StartCollabSession(noteID string) (string, error) {
	if a.collabSession != nil {
		return "", fmt.Errorf("a collaboration session is already active")
	}
	note, err := a.noteService.LoadNote(noteID)
	if err != nil {
		return "", err
	}
	note.IsShared = true
	session, addr, err := StartHostSession(a.ctx.ctx, note, a.clientID, a.clientID, a.noteService, a.syncEngine, a.mutationQueue)
	if err != nil {
		return "", err
	}
	a.collabSession = session
	return addr, nil
}

// JoinCollabSession joins a session hosted at addr as a guest.
func (a *App) JoinCollabSession(noteID, addr string) error {
	if a.collabSession != nil {
		return fmt.Errorf("a collaboration session is already active")
	}
	session, err := JoinSession(a.ctx.ctx, noteID, addr, a.clientID, a.clientID, a.noteService, a.syncEngine, a.mutationQueue)
	if err != nil {
		return err
	}
	a.collabSession = session
	return nil
}

// SendCollabPatch applies a local RFC6902 JSON patch to the active session's
// shared document and broadcasts it to peers.
func (a *App) SendCollabPatch(patch string) error {
	if a.collabSession == nil {
		return fmt.Errorf("no active collaboration session")
	}
	return a.collabSession.ApplyLocalPatch([]byte(patch))
}

// SendCollabAwareness broadcasts this peer's cursor position to the session.
func (a *App) SendCollabAwareness(line, column int, color string) error {
	if a.collabSession == nil {
		return fmt.Errorf("no active collaboration session")
	}
	a.collabSession.BroadcastAwareness(line, column, color)
	return nil
}

// EndCollabSession flushes the shared document back into the note, tears
// down the session, and resumes automatic sync.
func (a *App) EndCollabSession() error {
	if a.collabSession == nil {
		return nil
	}
	err := a.collabSession.End()
	a.collabSession = nil
	return err
}

// ------------------------------------------------------------
// ファイル操作関連の操作
// ------------------------------------------------------------

// ファイル選択ダイアログを表示し、選択されたファイルのパスを返す
func (a *App) SelectFile() (string, error) {
	return a.fileService.SelectFile()
}

// 指定されたパスのファイルの内容を読み込む
func (a *App) OpenFile(filePath string) (string, error) {
	return a.fileService.OpenFile(filePath)
}

// 保存ダイアログを表示し、選択された保存先のパスを返す
// デフォルトのファイル名と拡張子を指定できる
func (a *App) SelectSaveFileUri(fileName string, extension string) (string, error) {
	return a.fileService.SelectSaveFileUri(fileName, extension)
}

// 指定されたパスにコンテンツを保存する
func (a *App) SaveFile(filePath string, content string) error {
	return a.fileService.SaveFile(filePath, content)
}

// 指定されたパスのファイルの最終更新日時を返す
func (a *App) GetModifiedTime(filePath string) (string, error) {
	return a.fileService.GetModifiedTime(filePath)
}

// 指定されたパスにファイルが存在するかを返す
func (a *App) CheckFileExists(path string) bool {
	return a.fileService.CheckFileExists(path)
}

// 外部ファイルとして開いているタブの状態を読み込む
func (a *App) LoadFileNotes() ([]FileNote, error) {
	return a.fileNoteService.LoadFileNotes()
}

// 外部ファイルとして開いているタブの状態を保存する
func (a *App) SaveFileNotes(list []FileNote) (string, error) {
	return a.fileNoteService.SaveFileNotes(list)
}

// OpenFileFromExternal は外部からファイルを開く際の処理を行います
func (a *App) OpenFileFromExternal(filePath string) error {
	// ファイルの内容を読み込む
	content, err := a.fileService.OpenFile(filePath)
	if err != nil {

		return err
	}

	// フロントエンドにファイルオープンイベントを送信
	wailsRuntime.EventsEmit(a.ctx.ctx, "file:open-external", map[string]string{
		"path":    filePath,
		"content": content,
	})
	return nil
}

// ------------------------------------------------------------
// 設定関連の操作
// ------------------------------------------------------------

// 設定を読み込む
func (a *App) LoadSettings() (*Settings, error) {
	return a.settingsService.LoadSettings()
}

// 設定を保存する
func (a *App) SaveSettings(settings *Settings) error {
	if err := a.settingsService.SaveSettings(settings); err != nil {
		return err
	}
	a.applyNativeMenuLocalization(settings.UILanguage)
	if a.logger != nil {
		a.logger.SetDebugMode(settings.IsDebug)
	}
	return nil
}

// ウィンドウの状態を保存する
func (a *App) SaveWindowState(ctx *Context) error {
	return a.settingsService.SaveWindowState(ctx)
}

// ウィンドウを前面に表示する
func (a *App) BringToFront() {
	wailsRuntime.WindowUnminimise(a.ctx.ctx)
	wailsRuntime.Show(a.ctx.ctx)
}

// アプリケーションのバージョンを返す
func (a *App) GetAppVersion() (string, error) {
	// wails.jsonを読み込む
	data, err := os.ReadFile("wails.json")
	if err != nil {
		return "", fmt.Errorf("failed to read wails.json: %v", err)
	}

	var config WailsConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return "", fmt.Errorf("failed to parse wails.json: %v", err)
	}

	return config.Info.ProductVersion, nil
}
