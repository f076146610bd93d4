package probe

import (
	"time"
)

// Kind はプローブ結果の分類
type Kind int

const (
	KindConsistent Kind = iota
	KindEventuallyConsistent
	KindInconsistent
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindConsistent:
		return "consistent"
	case KindEventuallyConsistent:
		return "eventually_consistent"
	case KindInconsistent:
		return "inconsistent"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// ErrorKind はKindErrorの内訳
type ErrorKind int

const (
	ErrorNone ErrorKind = iota
	ErrorWriteFailed
	ErrorReadFailed
)

func (e ErrorKind) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorWriteFailed:
		return "write_failed"
	case ErrorReadFailed:
		return "read_failed"
	default:
		return "unknown"
	}
}

// Purchase は購入プローブの結果
type Purchase int

const (
	PurchaseNone     Purchase = iota // 購入を伴わないプローブ、またはエラー
	PurchaseSold                     // 在庫を1つ確保した
	PurchaseSoldOut                  // 在庫切れで減算しなかった
	PurchaseOversold                 // 減算で在庫が負になり、戻した
)

func (p Purchase) String() string {
	switch p {
	case PurchaseNone:
		return "none"
	case PurchaseSold:
		return "sold"
	case PurchaseSoldOut:
		return "sold_out"
	case PurchaseOversold:
		return "oversold"
	default:
		return "unknown"
	}
}

// WriteRecord は書き込み直前に作られる不変の記録
type WriteRecord struct {
	Key       string
	Value     string
	WrittenAt time.Time
}

// Outcome は1回のプローブ結果。生成後は変更しない
type Outcome struct {
	Key       string
	Kind      Kind
	ErrorKind ErrorKind
	Attempts  int           // 判定に至るまでの読み込み回数（初回を含む）
	Lag       time.Duration // 書き込み完了から値が見えるまでの時間
	Latency   time.Duration // プローブ全体の所要時間
	Purchase  Purchase      // 購入プローブでの購入結果
	Err       error
}

// Failed はブレーカーに失敗として報告すべき結果かを返す
func (o Outcome) Failed() bool {
	return o.Kind == KindError
}

// Succeeded はストア操作自体が成功したかを返す
func (o Outcome) Succeeded() bool {
	return o.Kind != KindError
}

// RetryPolicy は再読み込みの方針。間隔は固定
type RetryPolicy struct {
	MaxAttempts int           // 初回読み込み後の最大再読み込み回数
	Delay       time.Duration // 再読み込み間隔
}

// DefaultRetryPolicy はデフォルトの再読み込み方針を返す
// 100ms間隔で10回
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 10,
		Delay:       100 * time.Millisecond,
	}
}
