package operations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/byod-backtesting/bridge/internal/gateway"
	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Settings persists the UI settings as a JSON file.
type Settings struct {
	path string

	mu sync.Mutex

	log *zap.Logger
}

func NewSettings(config Config, log *zap.Logger) *Settings {
	return &Settings{
		path: config.settingsPath(),
		log:  log.Named("settings"),
	}
}

// Load returns the persisted settings. A missing file yields empty
// settings.
func (s *Settings) Load() (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.load()
	if err != nil {
		return nil, err
	}

	return k.Raw(), nil
}

// Save merges values into the persisted settings and writes them.
func (s *Settings) Save(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, err := s.load()
	if err != nil {
		return err
	}

	// an empty delimiter keeps dotted keys as they are
	if err := k.Load(confmap.Provider(values, ""), nil); err != nil {
		return fmt.Errorf("failed to merge settings: %w", err)
	}

	data, err := k.Marshal(kjson.Parser())
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	return s.write(data)
}

func (s *Settings) load() (*koanf.Koanf, error) {
	k := koanf.New(".")

	_, err := os.Stat(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return k, nil
	}
	if err != nil {
		return nil, err
	}

	if err := k.Load(file.Provider(s.path), kjson.Parser()); err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	return k, nil
}

func (s *Settings) write(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".settings-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return err
	}

	s.log.Debug("settings saved", zap.String("path", s.path))

	return nil
}

// MARK: - Operations

type GetSettings struct {
	settings *Settings
}

func NewGetSettings(settings *Settings) *GetSettings {
	return &GetSettings{settings: settings}
}

func (o *GetSettings) Channel() string {
	return gateway.ChannelGetSettings
}

func (o *GetSettings) Invoke(ctx context.Context, _ json.RawMessage) (any, error) {
	values, err := o.settings.Load()
	if err != nil {
		return gateway.Fail("%s", err.Error()), nil
	}

	if values == nil {
		values = map[string]any{}
	}

	return values, nil
}

type SaveSettingsRequest struct {
	Settings map[string]any `json:"settings"`
}

type SaveSettingsResult struct {
	Saved bool `json:"saved"`
}

type SaveSettings struct {
	settings *Settings
}

func NewSaveSettings(settings *Settings) *SaveSettings {
	return &SaveSettings{settings: settings}
}

func (o *SaveSettings) Channel() string {
	return gateway.ChannelSaveSettings
}

func (o *SaveSettings) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	var req SaveSettingsRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}

	if err := o.settings.Save(req.Settings); err != nil {
		return gateway.Fail("%s", err.Error()), nil
	}

	return SaveSettingsResult{Saved: true}, nil
}
