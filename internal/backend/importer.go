package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/byod-backtesting/bridge/internal/backend/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrFileNotFound  = errors.New("File not found")
	ErrMissingSymbol = errors.New("symbol is required")
)

// ProgressEvent is the name of the event emitted while importing.
const ProgressEvent = "progress"

type ImportRequest struct {
	FilePath  string `json:"filePath"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe,omitempty"`

	// HasHeader tells whether the first line holds column names.
	// Defaults to true.
	HasHeader *bool `json:"hasHeader,omitempty"`
}

type ImportResult struct {
	RowsImported int64  `json:"rows_imported"`
	RowsSkipped  int64  `json:"rows_skipped"`
	Symbol       string `json:"symbol"`
}

type ImportProgress struct {
	RequestID     uint64 `json:"request_id"`
	Action        string `json:"action"`
	Symbol        string `json:"symbol"`
	RowsProcessed int64  `json:"rows_processed"`
	RowsImported  int64  `json:"rows_imported"`
}

func (s *Server) importData(ctx context.Context, req *Request) (any, error) {
	var payload ImportRequest
	if err := req.Decode(&payload); err != nil {
		return nil, err
	}

	imp := &importer{
		store: s.store,
		every: s.config.progressEvery(),
		log:   s.log.With(zap.Uint64("id", req.ID)),
	}

	return imp.run(ctx, payload, func(p ImportProgress) {
		p.RequestID = req.ID
		req.Emit(ProgressEvent, p)
	})
}

// importer loads OHLCV rows from a comma separated file into the store.
// Lines are split naively on commas; quoting is not supported.
type importer struct {
	store *store.Store
	every int
	log   *zap.Logger
}

func (i *importer) run(
	ctx context.Context,
	req ImportRequest,
	progress func(ImportProgress),
) (ImportResult, error) {
	symbol := strings.TrimSpace(req.Symbol)
	if symbol == "" {
		return ImportResult{}, ErrMissingSymbol
	}

	res := ImportResult{Symbol: symbol}

	f, err := os.Open(req.FilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return res, ErrFileNotFound
	}
	if err != nil {
		return res, err
	}
	defer f.Close()

	skipHeader := req.HasHeader == nil || *req.HasHeader

	var (
		batch     = make([]store.PriceBar, 0, i.every)
		processed int64
		skipped   int64
	)

	flush := func() error {
		inserted, err := i.store.InsertBars(ctx, batch)
		if err != nil {
			return err
		}

		res.RowsImported += inserted
		skipped += int64(len(batch)) - inserted
		batch = batch[:0]

		return nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if skipHeader {
			skipHeader = false
			continue
		}

		processed++

		bar, err := parseBar(symbol, line)
		if err != nil {
			i.log.Debug("skipping row", zap.Int64("row", processed), zap.Error(err))
			skipped++
		} else {
			batch = append(batch, bar)
		}

		if processed%int64(i.every) == 0 {
			if err := flush(); err != nil {
				return res, err
			}

			progress(ImportProgress{
				Action:        "import-data",
				Symbol:        symbol,
				RowsProcessed: processed,
				RowsImported:  res.RowsImported,
			})
		}
	}

	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("failed to read file: %w", err)
	}

	if err := flush(); err != nil {
		return res, err
	}

	res.RowsSkipped = skipped

	i.log.Debug("import finished",
		zap.String("symbol", symbol),
		zap.Int64("imported", res.RowsImported),
		zap.Int64("skipped", res.RowsSkipped),
	)

	return res, nil
}

// parseBar parses a line of the form
// timestamp,open,high,low,close[,volume].
func parseBar(symbol, line string) (store.PriceBar, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return store.PriceBar{}, fmt.Errorf("expected at least 5 fields, got %d", len(fields))
	}

	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	ts, err := parseTimestamp(fields[0])
	if err != nil {
		return store.PriceBar{}, err
	}

	var prices [4]decimal.Decimal
	for i := range prices {
		prices[i], err = decimal.NewFromString(fields[i+1])
		if err != nil {
			return store.PriceBar{}, fmt.Errorf("invalid price %q: %w", fields[i+1], err)
		}
	}

	var volume int64
	if len(fields) > 5 && fields[5] != "" {
		v, err := decimal.NewFromString(fields[5])
		if err != nil {
			return store.PriceBar{}, fmt.Errorf("invalid volume %q: %w", fields[5], err)
		}
		volume = v.IntPart()
	}

	return store.PriceBar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      prices[0],
		High:      prices[1],
		Low:       prices[2],
		Close:     prices[3],
		Volume:    volume,
	}, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp accepts unix seconds or one of the common date layouts
// and returns unix seconds.
func parseTimestamp(s string) (int64, error) {
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return ts, nil
	}

	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), nil
		}
	}

	return 0, fmt.Errorf("invalid timestamp %q", s)
}
