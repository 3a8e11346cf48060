package operations

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/byod-backtesting/bridge/internal/gateway"
	"go.uber.org/zap"
)

// MARK: - Select file

type FileFilter struct {
	Name       string   `json:"name,omitempty"`
	Extensions []string `json:"extensions"`
}

type DialogOptions struct {
	Title     string       `json:"title,omitempty"`
	Directory string       `json:"directory,omitempty"`
	Multiple  bool         `json:"multiple,omitempty"`
	Filters   []FileFilter `json:"filters,omitempty"`
}

type DialogResult struct {
	Canceled  bool     `json:"canceled"`
	FilePaths []string `json:"filePaths"`
}

// Dialog lets the user pick files.
type Dialog interface {
	Open(ctx context.Context, opts DialogOptions) (DialogResult, error)
}

// ListingDialog is the dialog of a headless host. It selects the files
// of a directory that match the filters, sorted by name. Without
// Multiple only the first match is selected. A directory without
// matches cancels the dialog.
type ListingDialog struct {
	config DialogConfig
}

func NewListingDialog(config Config) *ListingDialog {
	return &ListingDialog{config: config.Dialog}
}

func (d *ListingDialog) Open(ctx context.Context, opts DialogOptions) (DialogResult, error) {
	dir := opts.Directory
	if dir == "" {
		dir = d.config.Root
	}
	if dir == "" {
		return DialogResult{Canceled: true, FilePaths: []string{}}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return DialogResult{}, err
	}

	exts := d.extensions(opts.Filters)

	paths := []string{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return DialogResult{}, err
		}

		if entry.IsDir() || !matchExtension(entry.Name(), exts) {
			continue
		}

		paths = append(paths, filepath.Join(dir, entry.Name()))
	}

	if len(paths) == 0 {
		return DialogResult{Canceled: true, FilePaths: paths}, nil
	}

	if !opts.Multiple {
		paths = paths[:1]
	}

	return DialogResult{FilePaths: paths}, nil
}

func (d *ListingDialog) extensions(filters []FileFilter) []string {
	var exts []string
	for _, f := range filters {
		exts = append(exts, f.Extensions...)
	}

	if len(exts) == 0 {
		exts = d.config.Extensions
	}

	return exts
}

func matchExtension(name string, exts []string) bool {
	if len(exts) == 0 || slices.Contains(exts, "*") {
		return true
	}

	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")

	return slices.ContainsFunc(exts, func(e string) bool {
		return strings.ToLower(strings.TrimPrefix(e, ".")) == ext
	})
}

type SelectFile struct {
	dialog Dialog
	log    *zap.Logger
}

func NewSelectFile(dialog Dialog, log *zap.Logger) *SelectFile {
	return &SelectFile{
		dialog: dialog,
		log:    log.Named(gateway.ChannelSelectFile),
	}
}

func (s *SelectFile) Channel() string {
	return gateway.ChannelSelectFile
}

func (s *SelectFile) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var opts DialogOptions
	if err := decodePayload(payload, &opts); err != nil {
		return nil, err
	}

	res, err := s.dialog.Open(ctx, opts)
	if err != nil {
		s.log.Debug("dialog failed", zap.Error(err))
		return gateway.Fail("%s", err.Error()), nil
	}

	return res, nil
}

// MARK: - Preview file

type PreviewRequest struct {
	FilePath string `json:"filePath"`
	Rows     int    `json:"rows,omitempty"`
}

type PreviewResult struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	RowsTotal int        `json:"rows_total"`
}

// PreviewFile returns the header and the first rows of a comma
// separated file, along with the number of data rows. Lines are split
// naively on commas.
type PreviewFile struct {
	rows int
	log  *zap.Logger
}

func NewPreviewFile(config Config, log *zap.Logger) *PreviewFile {
	return &PreviewFile{
		rows: config.previewRows(),
		log:  log.Named(gateway.ChannelPreviewFile),
	}
}

func (p *PreviewFile) Channel() string {
	return gateway.ChannelPreviewFile
}

func (p *PreviewFile) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var req PreviewRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}

	limit := req.Rows
	if limit <= 0 {
		limit = p.rows
	}

	res, err := preview(ctx, req.FilePath, limit)
	if errors.Is(err, fs.ErrNotExist) {
		return gateway.Fail("File does not exist"), nil
	}
	if err != nil {
		p.log.Debug("preview failed", zap.String("path", req.FilePath), zap.Error(err))
		return gateway.Fail("%s", err.Error()), nil
	}

	return res, nil
}

func preview(ctx context.Context, path string, limit int) (PreviewResult, error) {
	res := PreviewResult{Columns: []string{}, Rows: [][]string{}}

	f, err := os.Open(path)
	if err != nil {
		return res, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	header := true
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		fields := splitFields(line)

		if header {
			res.Columns = fields
			header = false
			continue
		}

		res.RowsTotal++
		if len(res.Rows) < limit {
			res.Rows = append(res.Rows, fields)
		}
	}

	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read file: %w", err)
	}

	return res, nil
}

func splitFields(line string) []string {
	fields := strings.Split(line, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return nil
	}

	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrInvalidPayload, err)
	}

	return nil
}
