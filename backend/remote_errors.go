package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"google.golang.org/api/googleapi"
)

// RemoteErrorKind はリモート(Drive)呼び出しの失敗を分類するタグ。
// エラーはコンポーネント境界を自由文字列ではなくこのタグ付きバリアントで越える。
type RemoteErrorKind string

const (
	ErrAuthExpired        RemoteErrorKind = "AuthExpired"
	ErrPermissionDenied   RemoteErrorKind = "PermissionDenied"
	ErrQuotaExceeded      RemoteErrorKind = "QuotaExceeded"
	ErrNotFound           RemoteErrorKind = "NotFound"
	ErrPreconditionFailed RemoteErrorKind = "PreconditionFailed"
	ErrCorrupted          RemoteErrorKind = "Corrupted"
	ErrNetwork            RemoteErrorKind = "NetworkError"
)

// RemoteError はDrive呼び出しの失敗を表す型付きエラー。UI層のみが
// これを人間向けメッセージに整形してよい。
type RemoteError struct {
	Kind RemoteErrorKind
	Op   string // 失敗した操作名（ログ・リトライ判定用）
	Err  error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// Retryable はSync Engineがこのエラーをキューに戻して再試行してよいかを返す。
// NetworkErrorとPreconditionFailedのみがリトライ可能 — 412はReconciler経由で
// マージへ回される意味でのリトライであり、即時の再送ではない。
func (e *RemoteError) Retryable() bool {
	switch e.Kind {
	case ErrNetwork, ErrPreconditionFailed:
		return true
	default:
		return false
	}
}

// NewRemoteError は生のエラーをHTTPステータス/本文からRemoteErrorKindへ分類する。
// 404はDeleteFileの呼び出し元で成功扱いに変換されるため、このレイヤーではNotFoundとして
// 素直に分類するだけに留める。
func NewRemoteError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return err
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch gerr.Code {
		case 401:
			return &RemoteError{Kind: ErrAuthExpired, Op: op, Err: err}
		case 403:
			if isQuotaError(gerr) {
				return &RemoteError{Kind: ErrQuotaExceeded, Op: op, Err: err}
			}
			return &RemoteError{Kind: ErrPermissionDenied, Op: op, Err: err}
		case 404:
			return &RemoteError{Kind: ErrNotFound, Op: op, Err: err}
		case 412:
			return &RemoteError{Kind: ErrPreconditionFailed, Op: op, Err: err}
		case 429:
			return &RemoteError{Kind: ErrQuotaExceeded, Op: op, Err: err}
		default:
			if gerr.Code >= 500 {
				return &RemoteError{Kind: ErrNetwork, Op: op, Err: err}
			}
		}
	}

	var jsonErr *json.SyntaxError
	if errors.As(err, &jsonErr) {
		return &RemoteError{Kind: ErrCorrupted, Op: op, Err: err}
	}
	var unmarshalErr *json.UnmarshalTypeError
	if errors.As(err, &unmarshalErr) {
		return &RemoteError{Kind: ErrCorrupted, Op: op, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &RemoteError{Kind: ErrNetwork, Op: op, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RemoteError{Kind: ErrNetwork, Op: op, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid_grant"):
		return &RemoteError{Kind: ErrAuthExpired, Op: op, Err: err}
	case strings.Contains(msg, "412") || strings.Contains(msg, "precondition"):
		return &RemoteError{Kind: ErrPreconditionFailed, Op: op, Err: err}
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		return &RemoteError{Kind: ErrNotFound, Op: op, Err: err}
	case strings.Contains(msg, "403") || strings.Contains(msg, "permission"):
		return &RemoteError{Kind: ErrPermissionDenied, Op: op, Err: err}
	case strings.Contains(msg, "quota") || strings.Contains(msg, "429"):
		return &RemoteError{Kind: ErrQuotaExceeded, Op: op, Err: err}
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return &RemoteError{Kind: ErrNetwork, Op: op, Err: err}
	}

	return &RemoteError{Kind: ErrNetwork, Op: op, Err: err}
}

func isQuotaError(gerr *googleapi.Error) bool {
	for _, e := range gerr.Errors {
		if e.Reason == "quotaExceeded" || e.Reason == "userRateLimitExceeded" || e.Reason == "rateLimitExceeded" {
			return true
		}
	}
	return strings.Contains(strings.ToLower(gerr.Message), "quota")
}

// BackoffSchedule computes the delay before attempt N (1-indexed) of a
// retryable op: base 500ms, doubling, capped at 30s, ±25% jitter.
func BackoffSchedule(attempt int) time.Duration {
	const (
		base = 500 * time.Millisecond
		cap_ = 30 * time.Second
	)
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap_ {
			delay = cap_
			break
		}
	}
	jitter := 0.75 + rand.Float64()*0.5 // ±25%
	scaled := time.Duration(float64(delay) * jitter)
	if scaled > cap_ {
		scaled = cap_
	}
	return scaled
}
