package operations

import (
	"path/filepath"

	"github.com/byod-backtesting/bridge/internal/backend/store"
)

// DefaultSettingsFile is the name of the settings file in the data
// directory.
const DefaultSettingsFile = "settings.json"

const defaultPreviewRows = 10

type Config struct {
	// Store locates the worker's database. The host only inspects the
	// file, it never opens it.
	Store store.Config `conf:",squash"`

	// SettingsFile is the settings file, relative to the data
	// directory unless absolute.
	SettingsFile string `conf:"settings_file"`

	// PreviewRows is the number of rows returned by a file preview
	// unless the request asks for a different number.
	PreviewRows int `conf:"preview_rows"`

	// Dialog configures the file selection.
	Dialog DialogConfig `conf:"dialog"`
}

type DialogConfig struct {
	// Root is the directory listed when a request names none.
	Root string `conf:"root"`

	// Extensions filters the listed files when a request has no
	// filters of its own.
	Extensions []string `conf:"extensions"`
}

func (c Config) settingsPath() string {
	name := c.SettingsFile
	if name == "" {
		name = DefaultSettingsFile
	}

	if filepath.IsAbs(name) {
		return name
	}

	return filepath.Join(c.Store.DataDir, name)
}

func (c Config) previewRows() int {
	if c.PreviewRows <= 0 {
		return defaultPreviewRows
	}
	return c.PreviewRows
}
