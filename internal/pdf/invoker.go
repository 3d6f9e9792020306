package pdf

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
)

// Converter は外部変換エンジンです。指定されたページ範囲だけを変換します。
type Converter interface {
	Convert(ctx context.Context, path string, rng ChunkRange, opts Options) (*PartialResult, error)
}

// Releaser は変換エンジンが確保したリソース（モデルのキャッシュ等）を解放できる場合に実装します。
type Releaser interface {
	Release()
}

// Invoker は1チャンク分の変換呼び出しを担います。
//
// 変換は別 goroutine で実行され、呼び出し側は結果を待つだけです。
// チャンクごとに成功・失敗を問わず Release を呼び、次のチャンクに進む前にメモリを返却します。
type Invoker struct {
	converter Converter
	freeMem   func()
}

// NewInvoker は Invoker を作成します。
func NewInvoker(converter Converter) *Invoker {
	return &Invoker{
		converter: converter,
		freeMem: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
}

type invokeOutcome struct {
	result *PartialResult
	err    error
}

// Invoke は rng の範囲を変換し、部分結果を返します。
// 失敗時は ErrConversion に該当するエラーを返します。
func (i *Invoker) Invoke(ctx context.Context, path string, rng ChunkRange, opts Options) (*PartialResult, error) {
	if i.converter == nil {
		return nil, NewError(CodeConversion, "変換エンジンが設定されていません。", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	done := make(chan invokeOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- invokeOutcome{err: fmt.Errorf("converter panic: %v", r)}
			}
		}()
		res, err := i.converter.Convert(ctx, path, rng, opts)
		done <- invokeOutcome{result: res, err: err}
	}()

	var out invokeOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		// 変換は途中で止められないため、終了を待ってから解放する
		go func() {
			<-done
			i.release()
		}()
		return nil, NewError(CodeConversion, fmt.Sprintf("ページ %s の変換が中断されました。", rng), ctx.Err())
	}

	i.release()

	if out.err != nil {
		return nil, NewError(CodeConversion, fmt.Sprintf("ページ %s の変換に失敗しました。", rng), out.err)
	}
	res := out.result
	if res == nil {
		res = &PartialResult{}
	}
	res.Range = rng
	return res, nil
}

func (i *Invoker) release() {
	if r, ok := i.converter.(Releaser); ok {
		r.Release()
	}
	if i.freeMem != nil {
		i.freeMem()
	}
}
