// Package remote は外部の取り込み元（受信フォルダ）からファイルを取り込み、
// 変換完了後に成果物を書き戻す連携を提供します。
package remote

import (
	"context"
	"io"
)

// Item は取り込み元にある1ファイルです。
type Item struct {
	ID   string
	Name string
	Size int64
}

// Source は取り込み元です。
type Source interface {
	// List は取り込み対象のファイルを古い順に返します。
	List(ctx context.Context) ([]Item, error)
	Download(ctx context.Context, item Item, dst io.Writer) error
	// Upload は成果物を folder 以下に保存します。
	Upload(ctx context.Context, folder, name string, r io.Reader) error
	// MoveToDone は処理済みのファイルを完了フォルダへ移します。
	MoveToDone(ctx context.Context, item Item) error
}
