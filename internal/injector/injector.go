//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/spatialsync/internal/config"
)

// InitializeApp builds every component once from cfg.
func InitializeApp(ctx context.Context, cfg config.Config) (*App, func(), error) {
	wire.Build(
		configSet,
		observabilitySet,
		coreSet,
		wire.Struct(new(App), "*"),
	)
	return nil, nil, nil
}
