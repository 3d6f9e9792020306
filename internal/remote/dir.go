package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DirSource はローカル（またはマウントされた共有）ディレクトリを取り込み元として扱います。
//
// Inbox に置かれた PDF を取り込み、処理後は Done へ移動し、成果物は Results/<folder>/ に保存します。
type DirSource struct {
	Inbox   string
	Done    string
	Results string
	Logger  zerolog.Logger
}

// NewDirSource は DirSource を作成し、必要なディレクトリを用意します。
func NewDirSource(inbox, done, results string, logger zerolog.Logger) (*DirSource, error) {
	for _, dir := range []string{inbox, done, results} {
		if dir == "" {
			return nil, errors.New("remote directories must not be empty")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create dir %s: %w", dir, err)
		}
	}
	return &DirSource{Inbox: inbox, Done: done, Results: results, Logger: logger}, nil
}

// List は Inbox 直下の PDF を更新日時の古い順に返します。
// ID にはファイル名と更新日時を含むため、同名ファイルの置き直しは別ファイルとして扱われます。
func (d *DirSource) List(ctx context.Context) ([]Item, error) {
	entries, err := os.ReadDir(d.Inbox)
	if err != nil {
		return nil, fmt.Errorf("failed to read inbox: %w", err)
	}

	type found struct {
		item    Item
		modTime time.Time
	}
	var files []found
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || !isPDF(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, found{
			item: Item{
				ID:   fmt.Sprintf("%s:%d", e.Name(), info.ModTime().UnixNano()),
				Name: e.Name(),
				Size: info.Size(),
			},
			modTime: info.ModTime(),
		})
	}
	sort.SliceStable(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	items := make([]Item, len(files))
	for i, f := range files {
		items[i] = f.item
	}
	return items, nil
}

// Download は item の内容を dst へコピーします。
func (d *DirSource) Download(ctx context.Context, item Item, dst io.Writer) error {
	f, err := os.Open(filepath.Join(d.Inbox, filepath.Base(item.Name)))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", item.Name, err)
	}
	defer f.Close()
	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to copy %s: %w", item.Name, err)
	}
	return nil
}

// Upload は Results/<folder>/<name> に r を書き込みます。
func (d *DirSource) Upload(ctx context.Context, folder, name string, r io.Reader) error {
	dir := filepath.Join(d.Results, filepath.Base(folder))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create result folder: %w", err)
	}
	out, err := os.OpenFile(filepath.Join(dir, filepath.Base(name)), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", name, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return out.Close()
}

// MoveToDone は item を Done へ移動します。同名ファイルがある場合は時刻を付けて退避します。
func (d *DirSource) MoveToDone(ctx context.Context, item Item) error {
	name := filepath.Base(item.Name)
	src := filepath.Join(d.Inbox, name)
	dst := filepath.Join(d.Done, name)
	if _, err := os.Stat(dst); err == nil {
		ext := filepath.Ext(name)
		dst = filepath.Join(d.Done, fmt.Sprintf("%s_%s%s", strings.TrimSuffix(name, ext), time.Now().Format("20060102150405"), ext))
	}
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to move %s to done: %w", name, err)
	}
	return nil
}

// Watch は Inbox に PDF が追加されるたびに通知するチャネルを返します。
// 短時間に続く変更は debounce の間まとめて1回の通知になります。ctx が終わるとチャネルは閉じられます。
func (d *DirSource) Watch(ctx context.Context, debounce time.Duration) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(d.Inbox); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to watch inbox: %w", err)
	}

	wake := make(chan struct{}, 1)
	signal := func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(wake)
		defer w.Close()

		var (
			timer   *time.Timer
			pending <-chan time.Time
		)
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case <-pending:
				pending = nil
				signal()
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if !isPDF(e.Name) || !e.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
					continue
				}
				if debounce <= 0 {
					signal()
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				pending = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				d.Logger.Warn().Err(err).Str("inbox", d.Inbox).Msg("inbox watcher error")
			}
		}
	}()

	return wake, nil
}

func isPDF(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".pdf")
}
