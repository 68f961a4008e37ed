package backend

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"google.golang.org/api/drive/v3"
)

// ChangesResult はChanges APIの1ページ分の結果
type ChangesResult struct {
	Changes       []*drive.Change
	NewStartToken string
}

// DriveOperations はGoogle Driveの低レベル操作を提供するインターフェース。
// ここは素のDrive API呼び出しのみで、リトライ・直列化は上位の
// DriveOperationsQueueとSync Engineが担う。
type DriveOperations interface {
	// ファイル操作 (Driveネイティブ)
	CreateFile(name string, content []byte, parentID string, mimeType string) (string, error)
	UpdateFile(fileID string, content []byte) error
	// UpdateFileWithPrecondition updates fileID, sending an If-Match header
	// when ifMatch is non-empty so Drive rejects the write (412) if the
	// remote content's tag has moved since it was last read.
	UpdateFileWithPrecondition(fileID string, content []byte, ifMatch string) error
	DeleteFile(fileID string) error
	DownloadFile(fileID string) ([]byte, error)
	GetFileMetadata(fileID string) (*drive.File, error)

	// フォルダ操作 (Driveネイティブ)
	CreateFolder(name string, parentID string) (string, error)

	// 検索 (Driveネイティブ)
	ListFiles(query string) ([]*drive.File, error)
	GetFileID(fileName string, noteFolderID string, rootFolderID string) (string, error)

	// 変更検知 (Changes API)
	GetStartPageToken() (string, error)
	ListChanges(pageToken string) (*ChangesResult, error)

	// 重複整理
	FindLatestFile(files []*drive.File) *drive.File
	CleanupDuplicates(files []*drive.File, keepLatest bool) error
}

// DriveOperationsの実装
type driveOperationsImpl struct {
	service          *drive.Service
	logger           AppLogger
	useAppDataFolder bool // trueのときDriveのappDataFolder空間を使う
}

// DriveOperationsインスタンスを作成
func NewDriveOperations(service *drive.Service, logger AppLogger, useAppDataFolder bool) DriveOperations {
	return &driveOperationsImpl{
		service:          service,
		logger:           logger,
		useAppDataFolder: useAppDataFolder,
	}
}

// ------------------------------------------------------------
// Google Driveファイル操作
// ------------------------------------------------------------

// 新しいファイルを作成 (Driveネイティブ)
func (d *driveOperationsImpl) CreateFile(name string, content []byte, parentID string, mimeType string) (string, error) {
	f := &drive.File{
		Name:     name,
		MimeType: mimeType,
	}
	switch {
	case parentID != "":
		f.Parents = []string{parentID}
	case d.useAppDataFolder:
		f.Parents = []string{"appDataFolder"}
	}

	file, err := d.service.Files.Create(f).
		Media(bytes.NewReader(content)).
		Do()
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	return file.Id, nil
}

// ファイルを更新 (Driveネイティブ)
func (d *driveOperationsImpl) UpdateFile(fileID string, content []byte) error {
	return d.UpdateFileWithPrecondition(fileID, content, "")
}

// ファイルを更新 (If-Matchによる楽観ロック付き)
func (d *driveOperationsImpl) UpdateFileWithPrecondition(fileID string, content []byte, ifMatch string) error {
	call := d.service.Files.Update(fileID, &drive.File{}).
		Media(bytes.NewReader(content))
	if ifMatch != "" {
		call.Header().Set("If-Match", ifMatch)
	}
	_, err := call.Do()
	if err != nil {
		return fmt.Errorf("failed to update file: %w", err)
	}

	return nil
}

// ファイルを削除 (Driveネイティブ)
func (d *driveOperationsImpl) DeleteFile(fileID string) error {
	err := d.service.Files.Delete(fileID).Do()
	if err != nil {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// ファイルをダウンロード (Driveネイティブ)
func (d *driveOperationsImpl) DownloadFile(fileID string) ([]byte, error) {
	resp, err := d.service.Files.Get(fileID).Download()
	if err != nil {
		return nil, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	content := new(bytes.Buffer)
	_, err = content.ReadFrom(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read file content: %w", err)
	}

	return content.Bytes(), nil
}

// ファイルのメタデータを取得 (Driveネイティブ)
func (d *driveOperationsImpl) GetFileMetadata(fileID string) (*drive.File, error) {
	meta, err := d.service.Files.Get(fileID).
		Fields("id, name, modifiedTime, createdTime, headRevisionId, parents").
		Do()
	if err != nil {
		return nil, fmt.Errorf("failed to get file metadata: %w", err)
	}
	return meta, nil
}

// フォルダを作成 (Driveネイティブ)
func (d *driveOperationsImpl) CreateFolder(name string, parentID string) (string, error) {
	f := &drive.File{
		Name:     name,
		MimeType: "application/vnd.google-apps.folder",
	}
	if parentID != "" {
		f.Parents = []string{parentID}
	}

	folder, err := d.service.Files.Create(f).Fields("id").Do()
	if err != nil {
		return "", fmt.Errorf("failed to create folder: %w", err)
	}

	return folder.Id, nil
}

// ファイルを検索 (Driveネイティブ)
func (d *driveOperationsImpl) ListFiles(query string) ([]*drive.File, error) {
	call := d.service.Files.List().
		Q(query).
		Fields("files(id, name, createdTime, modifiedTime, parents)")
	if d.useAppDataFolder {
		call = call.Spaces("appDataFolder")
	}
	files, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	return files.Files, nil
}

// ファイル名からファイルIDを検索。ノートフォルダを優先し、見つからなければ
// ルートフォルダを探す。重複があれば最新のものを返す。
func (d *driveOperationsImpl) GetFileID(fileName string, noteFolderID string, rootFolderID string) (string, error) {
	for _, parentID := range []string{noteFolderID, rootFolderID} {
		if parentID == "" {
			continue
		}
		query := fmt.Sprintf("name='%s' and '%s' in parents and trashed=false", fileName, parentID)
		files, err := d.ListFiles(query)
		if err != nil {
			return "", err
		}
		if len(files) > 0 {
			return d.FindLatestFile(files).Id, nil
		}
	}
	return "", fmt.Errorf("file not found: %s", fileName)
}

// ------------------------------------------------------------
// 変更検知 (Changes API)
// ------------------------------------------------------------

// Changes APIの開始トークンを取得
func (d *driveOperationsImpl) GetStartPageToken() (string, error) {
	resp, err := d.service.Changes.GetStartPageToken().Do()
	if err != nil {
		return "", fmt.Errorf("failed to get start page token: %w", err)
	}
	return resp.StartPageToken, nil
}

// pageToken以降の変更を全ページ取得する
func (d *driveOperationsImpl) ListChanges(pageToken string) (*ChangesResult, error) {
	result := &ChangesResult{}
	token := pageToken
	for token != "" {
		call := d.service.Changes.List(token).
			Fields("nextPageToken, newStartPageToken, changes(fileId, removed, file(id, name, parents))")
		if d.useAppDataFolder {
			call = call.Spaces("appDataFolder")
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list changes: %w", err)
		}
		result.Changes = append(result.Changes, resp.Changes...)
		if resp.NewStartPageToken != "" {
			result.NewStartToken = resp.NewStartPageToken
			break
		}
		token = resp.NextPageToken
	}
	return result, nil
}

// ------------------------------------------------------------
// 重複整理
// ------------------------------------------------------------

// 複数のファイルから作成日時が最新のものを返す
func (d *driveOperationsImpl) FindLatestFile(files []*drive.File) *drive.File {
	if len(files) == 0 {
		return nil
	}
	if len(files) == 1 {
		return files[0]
	}

	sort.Slice(files, func(i, j int) bool {
		t1, err1 := time.Parse(time.RFC3339, files[i].CreatedTime)
		t2, err2 := time.Parse(time.RFC3339, files[j].CreatedTime)
		if err1 != nil || err2 != nil {
			return false
		}
		return t1.After(t2)
	})
	return files[0]
}

// 重複ファイルを整理する。filesは呼び出し側でFindLatestFile相当の順に
// 並んでいる前提で、keepLatest=trueなら先頭(最新)だけ残す。
func (d *driveOperationsImpl) CleanupDuplicates(files []*drive.File, keepLatest bool) error {
	if len(files) <= 1 {
		return nil
	}

	var targetFiles []*drive.File
	if keepLatest {
		targetFiles = files[1:]
	} else {
		targetFiles = files
	}

	for _, file := range targetFiles {
		if err := d.DeleteFile(file.Id); err != nil {
			if d.logger != nil {
				d.logger.Console("Failed to delete duplicate %s: %v", file.Name, err)
			}
			return fmt.Errorf("failed to delete file %s: %w", file.Name, err)
		}
	}
	return nil
}
