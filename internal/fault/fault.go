package fault

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Controller は障害ウィンドウの開始と終了を行う
type Controller interface {
	StartPartition(ctx context.Context) error
	StopPartition(ctx context.Context) error
}

// Confirmer はオペレーターの確認を待つ
// 時間制限は持たない。ctxのキャンセルでのみ中断される
type Confirmer interface {
	AwaitConfirmation(ctx context.Context, prompt string) error
}

// ErrAborted はオペレーターが中断を選んだ場合に返される
var ErrAborted = errors.New("fault: aborted by operator")

// Console は端末でEnterを待つConfirmer
// 入力は1つのgoroutineだけが読み、キャンセルされた待機の後に届いた行は次の待機が受け取る
type Console struct {
	in    *bufio.Reader
	out   io.Writer
	once  sync.Once
	lines chan consoleLine
}

type consoleLine struct {
	line string
	err  error
}

// NewConsole は新しいConsoleを作成する
func NewConsole(in io.Reader, out io.Writer) *Console {
	return &Console{in: bufio.NewReader(in), out: out, lines: make(chan consoleLine)}
}

func (c *Console) readLoop() {
	for {
		line, err := c.in.ReadString('\n')
		c.lines <- consoleLine{line: line, err: err}
		if err != nil {
			close(c.lines)
			return
		}
	}
}

// AwaitConfirmation はpromptを表示し、1行の入力を待つ
// "q" または "abort" が入力された場合はErrAbortedを返す
func (c *Console) AwaitConfirmation(ctx context.Context, prompt string) error {
	fmt.Fprintf(c.out, "%s\nPress Enter to continue (q to abort): ", prompt)
	c.once.Do(func() { go c.readLoop() })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case r, ok := <-c.lines:
		if !ok {
			return fmt.Errorf("read confirmation: %w", io.EOF)
		}
		if r.err != nil && !(errors.Is(r.err, io.EOF) && r.line != "") {
			return fmt.Errorf("read confirmation: %w", r.err)
		}
		switch strings.ToLower(strings.TrimSpace(r.line)) {
		case "q", "abort":
			return ErrAborted
		}
		return nil
	}
}

// ConfirmFunc は関数をConfirmerとして扱う
type ConfirmFunc func(ctx context.Context, prompt string) error

// AwaitConfirmation はfを呼ぶ
func (f ConfirmFunc) AwaitConfirmation(ctx context.Context, prompt string) error {
	return f(ctx, prompt)
}

// Noop は何もしないController
type Noop struct{}

// StartPartition は何もしない
func (Noop) StartPartition(context.Context) error { return nil }

// StopPartition は何もしない
func (Noop) StopPartition(context.Context) error { return nil }
