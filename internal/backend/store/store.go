package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// DefaultFileName is the name of the database file in the data directory.
const DefaultFileName = "trading_data.db"

var ErrClosed = errors.New("store closed")

type Config struct {
	// DataDir is the directory holding the database file.
	DataDir string `conf:"data_dir"`

	// Database is the database file name, relative to DataDir
	// unless absolute.
	Database string `conf:"database"`
}

// Path returns the absolute path of the database file.
func (c Config) Path() string {
	name := c.Database
	if name == "" {
		name = DefaultFileName
	}

	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(c.DataDir, name)
}

// Info describes the database file.
type Info struct {
	Path   string   `json:"database_path"`
	Exists bool     `json:"exists"`
	Size   int64    `json:"database_size"`
	Tables int      `json:"tables_count"`
	Names  []string `json:"tables"`
}

// Stat reports whether the database file exists and its size, without
// opening it.
func Stat(path string) (exists bool, size int64, err error) {
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, 0, nil
	}
	if err != nil {
		return false, 0, err
	}

	return true, fi.Size(), nil
}

// Store is the worker's trading data store. The schema is migrated on
// first use, never on open.
type Store struct {
	path string

	mu       sync.Mutex
	db       *gorm.DB
	migrated bool
	closed   bool

	log *zap.Logger
}

func New(config Config, log *zap.Logger) *Store {
	return &Store{
		path: config.Path(),
		log:  log.Named("store"),
	}
}

func (s *Store) Path() string {
	return s.path
}

// Info tests the connection and counts the tables. It never creates or
// migrates the database.
func (s *Store) Info(ctx context.Context) (Info, error) {
	info := Info{Path: s.path, Names: Tables}

	exists, size, err := Stat(s.path)
	if err != nil {
		return info, err
	}

	info.Exists = exists
	info.Size = size

	if !exists {
		return info, nil
	}

	db, err := s.conn()
	if err != nil {
		return info, err
	}

	var count int64
	err = db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'").
		Scan(&count).Error
	if err != nil {
		return info, fmt.Errorf("failed to query tables: %w", err)
	}

	info.Tables = int(count)

	return info, nil
}

// InsertBars inserts bars, skipping bars that already exist for the
// same symbol and timestamp. It returns the number of inserted bars.
func (s *Store) InsertBars(ctx context.Context, bars []PriceBar) (int64, error) {
	if len(bars) == 0 {
		return 0, nil
	}

	db, err := s.migratedConn()
	if err != nil {
		return 0, err
	}

	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(bars, 250)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to insert bars: %w", res.Error)
	}

	return res.RowsAffected, nil
}

// CountBars returns the number of stored bars of symbol.
func (s *Store) CountBars(ctx context.Context, symbol string) (int64, error) {
	db, err := s.migratedConn()
	if err != nil {
		return 0, err
	}

	var count int64
	err = db.WithContext(ctx).Model(&PriceBar{}).Where("symbol = ?", symbol).Count(&count).Error

	return count, err
}

// Strategies returns all stored strategies, ordered by name.
func (s *Store) Strategies(ctx context.Context) ([]Strategy, error) {
	db, err := s.migratedConn()
	if err != nil {
		return nil, err
	}

	var strategies []Strategy
	err = db.WithContext(ctx).Order("name asc").Find(&strategies).Error

	return strategies, err
}

// SaveStrategy creates or updates a strategy by name.
func (s *Store) SaveStrategy(ctx context.Context, strategy *Strategy) error {
	db, err := s.migratedConn()
	if err != nil {
		return err
	}

	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "rules_json", "parameters_json", "updated_at"}),
		}).
		Create(strategy).Error
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true

	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}

	s.db = nil

	return sqlDB.Close()
}

func (s *Store) conn() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.connLocked()
}

func (s *Store) migratedConn() (*gorm.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.connLocked()
	if err != nil {
		return nil, err
	}

	if s.migrated {
		return db, nil
	}

	if err := db.AutoMigrate(models()...); err != nil {
		return nil, fmt.Errorf("auto migration failed: %w", err)
	}

	s.migrated = true

	s.log.Debug("database initialized", zap.String("path", s.path))

	return db, nil
}

func (s *Store) connLocked() (*gorm.DB, error) {
	if s.closed {
		return nil, ErrClosed
	}

	if s.db != nil {
		return s.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(s.path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// sqlite allows a single writer
	sqlDB.SetMaxOpenConns(1)

	s.db = db

	return db, nil
}
