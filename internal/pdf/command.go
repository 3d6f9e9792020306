package pdf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandConverter は外部コマンド（marker_single 互換）を1チャンクごとに起動する変換エンジンです。
// プロセスはチャンクごとに終了するため、モデルが確保したメモリもその都度 OS に返却されます。
type CommandConverter struct {
	Path    string
	WorkDir string
}

// Convert は rng のページを外部コマンドで変換し、出力ディレクトリから結果を読み取ります。
func (c *CommandConverter) Convert(ctx context.Context, path string, rng ChunkRange, opts Options) (*PartialResult, error) {
	if c.Path == "" {
		return nil, errors.New("converter command is not configured")
	}

	outDir, err := os.MkdirTemp(c.WorkDir, "chunk-")
	if err != nil {
		return nil, fmt.Errorf("failed to create chunk output dir: %w", err)
	}
	defer os.RemoveAll(outDir)

	cmd := exec.CommandContext(ctx, c.Path, converterArgs(path, outDir, rng, opts)...)
	var stderr bytes.Buffer
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("converter exited with error: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return readConverterOutput(outDir, strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
}

// converterArgs のページ範囲は終端を含む 0-based 表記です。
func converterArgs(inputPath, outDir string, rng ChunkRange, opts Options) []string {
	args := []string{
		inputPath,
		"--output_dir", outDir,
		"--output_format", "markdown",
		"--page_range", fmt.Sprintf("%d-%d", rng.Start, rng.End-1),
	}
	if opts.ForceOCR {
		args = append(args, "--force_ocr")
	}
	if opts.PaginateOutput {
		args = append(args, "--paginate_output")
	}
	if !opts.OutputImages {
		args = append(args, "--disable_image_extraction")
	}
	return args
}

func readConverterOutput(outDir, stem string) (*PartialResult, error) {
	dir := filepath.Join(outDir, stem)

	text, err := os.ReadFile(filepath.Join(dir, stem+".md"))
	if err != nil {
		return nil, fmt.Errorf("converter produced no markdown: %w", err)
	}

	part := &PartialResult{
		Text:   string(text),
		Images: make(map[string][]byte),
		Metadata: Metadata{
			TableOfContents: []TOCEntry{},
			PageStats:       []PageStat{},
		},
	}

	if raw, err := os.ReadFile(filepath.Join(dir, stem+"_meta.json")); err == nil {
		if err := json.Unmarshal(raw, &part.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode converter metadata: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read converter metadata: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list converter output: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isImageFile(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read image %s: %w", entry.Name(), err)
		}
		part.Images[entry.Name()] = data
	}
	return part, nil
}

func isImageFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return true
	}
	return false
}
