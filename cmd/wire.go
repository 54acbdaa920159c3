package cmd

import (
	"io"
	"log/slog"
	"os"

	portlink "github.com/ggoodman/portlink-go"
	"github.com/ggoodman/portlink-go/internal/logctx"
	"github.com/ggoodman/portlink-go/storage"
)

// app carries what the commands share. Tests replace the settings loader
// and the store.
type app struct {
	loadSettings func() (portlink.Settings, error)
	openStore    func(portlink.Settings) (storage.Store, error)
	logOutput    io.Writer
}

func wireApp() *app {
	return &app{
		loadSettings: portlink.LoadSettings,
		openStore:    func(s portlink.Settings) (storage.Store, error) { return s.OpenStore() },
		logOutput:    os.Stderr,
	}
}

func (a *app) logHandler(s portlink.Settings) slog.Handler {
	return slog.NewJSONHandler(a.logOutput, &slog.HandlerOptions{
		Level:       s.Level(),
		ReplaceAttr: logctx.ReplaceLevel,
	})
}
