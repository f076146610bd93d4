package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// Client は単一エンドポイントに対するストア操作を定義するインターフェース
type Client interface {
	// Name はエンドポイント名を返す（ログとレポート用）
	Name() string
	Ping(ctx context.Context) error
	Write(ctx context.Context, key, value string) error
	// Read は値と存在有無を返す。キーが無いことはエラーではない
	Read(ctx context.Context, key string) (string, bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

// ErrorClass はストアエラーの分類
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassConnection
	ClassOther
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassConnection:
		return "connection"
	case ClassOther:
		return "other"
	default:
		return "unknown"
	}
}

// ErrConnection は接続不能を表すセンチネルエラー
var ErrConnection = errors.New("store: connection error")

// Error はエンドポイントと操作名を伴うストアエラー
type Error struct {
	Endpoint string
	Op       string
	Class    ErrorClass
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Endpoint, e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap はエラーを分類してErrorで包む。nilはnilのまま返す
func Wrap(endpoint, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{
		Endpoint: endpoint,
		Op:       op,
		Class:    classifyRaw(err),
		Err:      err,
	}
}

// Classify はエラーを接続エラーかそれ以外かに分類する
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	return classifyRaw(err)
}

func classifyRaw(err error) ErrorClass {
	if errors.Is(err, ErrConnection) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ClassConnection
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassConnection
	}

	// go-redis はプールを閉じた後にこの文字列のエラーを返す
	if strings.Contains(err.Error(), "client is closed") {
		return ClassConnection
	}

	return ClassOther
}
