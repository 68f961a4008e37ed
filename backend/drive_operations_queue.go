package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/drive/v3"
)

// ErrOperationCancelled はキュー操作がキャンセルされた場合のセンチネルエラー
var ErrOperationCancelled = errors.New("operation cancelled")

// キューアイテムの種類を定義
type QueueOperationType string

const (
	CreateOperation   QueueOperationType = "CREATE"
	UpdateOperation   QueueOperationType = "UPDATE"
	DeleteOperation   QueueOperationType = "DELETE"
	DownloadOperation QueueOperationType = "DOWNLOAD"
	ListOperation     QueueOperationType = "LIST"
	GetFileOperation  QueueOperationType = "GET_FILE"
)

// キューアイテムの構造体
type QueueItem struct {
	OperationType QueueOperationType
	FileID        string
	FileName      string
	Content       []byte
	ParentID      string
	MimeType      string
	IfMatch       string // UPDATE用、空なら無条件更新
	CreatedAt     time.Time
	Result        chan error
	mapKey        string          // マップ操作用の安定キー（enqueue時に確定）
	lane          chan *QueueItem // 振り分け先レーン（enqueue時に確定）
	// 追加のフィールド
	Query         string             // ListFiles用
	NoteFolderID  string             // GetFileID用
	RootFolderID  string             // GetFileID用
	ListResult    chan []*drive.File // ListFiles用の結果チャネル
	GetFileResult chan string        // GetFileID用の結果チャネル
}

// DriveOperationsQueueの構造体。直列化は2レーン: ノートリスト（インデックス
// ファイル）への操作はindexQueue、それ以外のファイルI/Oはqueueを流れる。
// 各レーン内では順序が保たれ、レーン間は互いをブロックしない。
type DriveOperationsQueue struct {
	operations  DriveOperations
	queue       chan *QueueItem         // アップロードレーン（ノート本体など）
	indexQueue  chan *QueueItem         // インデックスレーン（noteList_v2.json）
	items       map[string][]*QueueItem // mapKeyごとのキューアイテム
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	closed      bool
	indexFileID string // 既知のインデックスファイルID。FileID指定の操作の振り分けに使う
}

// NewDriveOperationsQueueはキューシステムを作成
func NewDriveOperationsQueue(operations DriveOperations) *DriveOperationsQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &DriveOperationsQueue{
		operations: operations,
		queue:      make(chan *QueueItem, 100),
		indexQueue: make(chan *QueueItem, 100),
		items:      make(map[string][]*QueueItem),
		ctx:        ctx,
		cancel:     cancel,
	}
	go q.processQueue(q.queue)
	go q.processQueue(q.indexQueue)
	return q
}

// SetIndexFileID はノートリストのファイルIDを登録する。以後そのIDへの
// UPDATE/DELETE/DOWNLOADはインデックスレーンで直列化される。
func (q *DriveOperationsQueue) SetIndexFileID(fileID string) {
	q.mutex.Lock()
	q.indexFileID = fileID
	q.mutex.Unlock()
}

// isIndexFileName はインデックスファイル（ノートリスト）の名前かを返す
func isIndexFileName(name string) bool {
	return name == "noteList_v2.json" || name == "noteList.json"
}

// laneForLocked はアイテムの振り分け先レーンを返す（mutex保持下で呼ぶこと）
func (q *DriveOperationsQueue) laneForLocked(item *QueueItem) chan *QueueItem {
	if isIndexFileName(item.FileName) {
		return q.indexQueue
	}
	if item.FileID != "" && item.FileID == q.indexFileID {
		return q.indexQueue
	}
	return q.queue
}

func (q *DriveOperationsQueue) processQueue(lane chan *QueueItem) {
	for {
		select {
		case <-q.ctx.Done():
			return
		case item, ok := <-lane:
			if !ok {
				return
			}
			err := q.executeOperation(item)
			// レーン投入後にキャンセル済み（Resultへ送信済み）のアイテムは
			// 二重送信せず読み捨てる
			select {
			case item.Result <- err:
			default:
			}

			q.mutex.Lock()
			q.removeItemFromMap(item)
			q.mutex.Unlock()
		}
	}
}

// executeOperation は実際のDrive I/Oを実行する（mutex外で呼ばれる）
func (q *DriveOperationsQueue) executeOperation(item *QueueItem) error {
	switch item.OperationType {
	case CreateOperation:
		fileID, err := q.operations.CreateFile(item.FileName, item.Content, item.ParentID, item.MimeType)
		if fileID != "" {
			item.FileID = fileID
		}
		if err != nil {
			return fmt.Errorf("failed to create file: %w", err)
		}
	case UpdateOperation:
		if err := q.operations.UpdateFileWithPrecondition(item.FileID, item.Content, item.IfMatch); err != nil {
			return err
		}
	case DeleteOperation:
		if err := q.operations.DeleteFile(item.FileID); err != nil {
			return err
		}
	case DownloadOperation:
		content, err := q.operations.DownloadFile(item.FileID)
		if err != nil {
			return fmt.Errorf("failed to download file: %w", err)
		}
		item.Content = content
	case ListOperation:
		files, err := q.operations.ListFiles(item.Query)
		item.ListResult <- files // エラー時もnil送信（デッドロック防止）
		if err != nil {
			return fmt.Errorf("failed to list files: %w", err)
		}
	case GetFileOperation:
		fileID, err := q.operations.GetFileID(item.FileName, item.NoteFolderID, item.RootFolderID)
		item.GetFileResult <- fileID // エラー時も""送信（デッドロック防止）
		if err != nil {
			return fmt.Errorf("failed to get file ID: %w", err)
		}
	}
	return nil
}

// computeMapKey はenqueue時にマップキーを確定させる
// CREATE操作はFileIDが空のため fileName+parentID を使用し、それ以外はFileIDを使用する
func computeMapKey(item *QueueItem) string {
	if item.OperationType == CreateOperation {
		return "create:" + item.FileName + ":" + item.ParentID
	}
	return item.FileID
}

// キューにアイテムを追加
func (q *DriveOperationsQueue) addToQueue(item *QueueItem) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		item.Result <- ErrOperationCancelled
		return
	}

	// mapKeyと振り分け先レーンをenqueue時に確定させる
	item.mapKey = computeMapKey(item)
	item.lane = q.laneForLocked(item)

	// Deleteの場合は同じmapKeyの既存のキューをすべて破棄。FileNameが分かって
	// いる場合は、同名ファイルの未実行CREATEキューも取り消す（作成してから
	// 消すのではなく、作成自体を打ち切る）
	if item.OperationType == DeleteOperation {
		q.removeExistingItems(item.mapKey)
		if item.FileName != "" {
			q.removePendingCreatesForName(item.FileName)
		}
	}

	// Updateの場合は同じmapKeyの古いUpdateキューを破棄
	if item.OperationType == UpdateOperation {
		if q.hasUpdateQueueForFile(item.mapKey) {
			q.removeOldUpdateItems(item.mapKey)
			go q.delayedEnqueue(item)
			q.items[item.mapKey] = append(q.items[item.mapKey], item)
			return
		}
	}

	// キューマップに追加
	q.items[item.mapKey] = append(q.items[item.mapKey], item)

	// Updateの場合は3秒待ってからキューに追加
	if item.OperationType == UpdateOperation {
		go q.delayedEnqueue(item)
	} else {
		select {
		case <-q.ctx.Done():
			item.Result <- ErrOperationCancelled
			q.removeItemFromMap(item)
		case item.lane <- item:
		}
	}
}

// delayedEnqueue はデバウンス遅延後にアイテムをキューに送信する
func (q *DriveOperationsQueue) delayedEnqueue(item *QueueItem) {
	time.Sleep(3 * time.Second)

	// ctx.Done()をチェックしてCleanup後のpanicを防止 (C-5)
	select {
	case <-q.ctx.Done():
		item.Result <- ErrOperationCancelled
		return
	default:
	}

	q.mutex.Lock()
	defer q.mutex.Unlock()

	if q.closed {
		item.Result <- ErrOperationCancelled
		q.removeItemFromMap(item)
		return
	}

	if !q.hasNewerUpdateQueueForFile(item.mapKey, item.CreatedAt) {
		select {
		case item.lane <- item:
		case <-q.ctx.Done():
			item.Result <- ErrOperationCancelled
			q.removeItemFromMap(item)
		}
	} else {
		item.Result <- ErrOperationCancelled
		q.removeItemFromMap(item)
	}
}

func (q *DriveOperationsQueue) hasUpdateQueueForFile(mapKey string) bool {
	items, exists := q.items[mapKey]
	if !exists {
		return false
	}
	for _, item := range items {
		if item.OperationType == UpdateOperation {
			return true
		}
	}
	return false
}

func (q *DriveOperationsQueue) hasNewerUpdateQueueForFile(mapKey string, createdAt time.Time) bool {
	items, exists := q.items[mapKey]
	if !exists {
		return false
	}
	for _, item := range items {
		if item.OperationType == UpdateOperation && item.CreatedAt.After(createdAt) {
			return true
		}
	}
	return false
}

func (q *DriveOperationsQueue) removeOldUpdateItems(mapKey string) {
	if items, exists := q.items[mapKey]; exists {
		var newItems []*QueueItem
		for _, item := range items {
			if item.OperationType == UpdateOperation {
				item.Result <- ErrOperationCancelled
			} else {
				newItems = append(newItems, item)
			}
		}
		q.items[mapKey] = newItems
	}
}

func (q *DriveOperationsQueue) removeExistingItems(mapKey string) {
	if items, exists := q.items[mapKey]; exists {
		for _, item := range items {
			// 実行完了済み（Result送信済み・未読）のアイテムに対しては送らない
			select {
			case item.Result <- ErrOperationCancelled:
			default:
			}
		}
		delete(q.items, mapKey)
	}
}

// removePendingCreatesForName は同名ファイルに対する未実行のCREATEキューを
// すべて取り消す。CREATEのmapKeyはFileIDではなく fileName+parentID で
// 構成されるため、削除側はparentIDを知らなくても名前で辿れるようにする。
func (q *DriveOperationsQueue) removePendingCreatesForName(fileName string) {
	prefix := "create:" + fileName + ":"
	for key := range q.items {
		if strings.HasPrefix(key, prefix) {
			q.removeExistingItems(key)
		}
	}
}

func (q *DriveOperationsQueue) removeItemFromMap(item *QueueItem) {
	items := q.items[item.mapKey]
	var newItems []*QueueItem
	for _, i := range items {
		if i != item {
			newItems = append(newItems, i)
		}
	}
	if len(newItems) == 0 {
		delete(q.items, item.mapKey)
	} else {
		q.items[item.mapKey] = newItems
	}
}

// キューにアイテムがあるかどうかを確認
func (q *DriveOperationsQueue) HasItems() bool {
	q.mutex.RLock()
	defer q.mutex.RUnlock()
	return len(q.items) > 0
}

// キューが空になるまで待機（タイムアウト付き）
func (q *DriveOperationsQueue) WaitForEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !q.HasItems() {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

func (q *DriveOperationsQueue) Cleanup() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()

	q.cancel()
	// 遅延goroutineがctx.Done()を検知して停止するのを待つ
	time.Sleep(100 * time.Millisecond)
	// 残留アイテムを排出してからチャネルを閉じる
	q.mutex.Lock()
	for key, items := range q.items {
		for _, item := range items {
			select {
			case item.Result <- ErrOperationCancelled:
			default:
			}
		}
		delete(q.items, key)
	}
	q.mutex.Unlock()
	close(q.queue)
	close(q.indexQueue)
}

// DriveOperationsのラッパーメソッド
func (q *DriveOperationsQueue) CreateFile(name string, content []byte, parentID string, mimeType string) (string, error) {
	result := make(chan error, 1)
	item := &QueueItem{
		OperationType: CreateOperation,
		FileName:      name,
		Content:       content,
		ParentID:      parentID,
		MimeType:      mimeType,
		CreatedAt:     time.Now(),
		Result:        result,
	}
	q.addToQueue(item)
	err := <-result
	if err == nil && isIndexFileName(name) && item.FileID != "" {
		// 作成したばかりのインデックスファイルのIDを覚え、以後のFileID指定の
		// 操作もインデックスレーンへ振り分けられるようにする
		q.SetIndexFileID(item.FileID)
	}
	return item.FileID, err
}

func (q *DriveOperationsQueue) UpdateFile(fileID string, content []byte) error {
	return q.UpdateFileWithPrecondition(fileID, content, "")
}

func (q *DriveOperationsQueue) UpdateFileWithPrecondition(fileID string, content []byte, ifMatch string) error {
	result := make(chan error, 1)
	item := &QueueItem{
		OperationType: UpdateOperation,
		FileID:        fileID,
		Content:       content,
		IfMatch:       ifMatch,
		CreatedAt:     time.Now(),
		Result:        result,
	}
	q.addToQueue(item)
	return <-result
}

func (q *DriveOperationsQueue) DeleteFile(fileID string) error {
	result := make(chan error, 1)
	item := &QueueItem{
		OperationType: DeleteOperation,
		FileID:        fileID,
		CreatedAt:     time.Now(),
		Result:        result,
	}
	q.addToQueue(item)
	return <-result
}

// DeleteFileWithName はDeleteFileに加えて、同名ファイルのまだ実行されて
// いないCREATEキューも取り消す。ノート削除がアップロード前の作成キューと
// 競合したときに使う。
func (q *DriveOperationsQueue) DeleteFileWithName(fileID string, fileName string) error {
	result := make(chan error, 1)
	item := &QueueItem{
		OperationType: DeleteOperation,
		FileID:        fileID,
		FileName:      fileName,
		CreatedAt:     time.Now(),
		Result:        result,
	}
	q.addToQueue(item)
	return <-result
}

func (q *DriveOperationsQueue) DownloadFile(fileID string) ([]byte, error) {
	result := make(chan error, 1)
	item := &QueueItem{
		OperationType: DownloadOperation,
		FileID:        fileID,
		CreatedAt:     time.Now(),
		Result:        result,
	}
	q.addToQueue(item)
	err := <-result
	return item.Content, err
}

func (q *DriveOperationsQueue) ListFiles(query string) ([]*drive.File, error) {
	result := make(chan error, 1)
	listResult := make(chan []*drive.File, 1)
	item := &QueueItem{
		OperationType: ListOperation,
		Query:         query,
		CreatedAt:     time.Now(),
		Result:        result,
		ListResult:    listResult,
	}
	q.addToQueue(item)
	err := <-result
	files := <-listResult
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (q *DriveOperationsQueue) GetFileID(fileName string, noteFolderID string, rootFolderID string) (string, error) {
	result := make(chan error, 1)
	getFileResult := make(chan string, 1)
	item := &QueueItem{
		OperationType: GetFileOperation,
		FileName:      fileName,
		NoteFolderID:  noteFolderID,
		RootFolderID:  rootFolderID,
		CreatedAt:     time.Now(),
		Result:        result,
		GetFileResult: getFileResult,
	}
	q.addToQueue(item)
	err := <-result
	fileID := <-getFileResult
	if err != nil {
		return "", err
	}
	return fileID, nil
}

func (q *DriveOperationsQueue) GetFileMetadata(fileID string) (*drive.File, error) {
	return q.operations.GetFileMetadata(fileID)
}

// FindLatestFileは直接委譲（ローカル処理のため）
func (q *DriveOperationsQueue) FindLatestFile(files []*drive.File) *drive.File {
	return q.operations.FindLatestFile(files)
}

// CreateFolderは直接委譲（初期化時のみ使用）
func (q *DriveOperationsQueue) CreateFolder(name string, parentID string) (string, error) {
	return q.operations.CreateFolder(name, parentID)
}

// CleanupDuplicatesは直接委譲（初期化時のみ使用）
func (q *DriveOperationsQueue) CleanupDuplicates(files []*drive.File, keepLatest bool) error {
	return q.operations.CleanupDuplicates(files, keepLatest)
}

func (q *DriveOperationsQueue) GetStartPageToken() (string, error) {
	return q.operations.GetStartPageToken()
}

func (q *DriveOperationsQueue) ListChanges(pageToken string) (*ChangesResult, error) {
	return q.operations.ListChanges(pageToken)
}
