//go:build wireinject
// +build wireinject

package injector

import (
	"github.com/google/wire"
)

// InitializeApp builds the application graph. The graph is assembled in
// NewApp; regenerate with `wire ./internal/pkg/injector` after changing
// its providers.
func InitializeApp(configPath string) (*App, func(), error) {
	wire.Build(NewApp)
	return nil, nil, nil
}
