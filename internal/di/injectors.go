//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"github.com/jengzang/records-timeline/internal/config"
)

func InitApp(cfg *config.Config) (*App, func(), error) {
	wire.Build(
		StorageSet,
		ServiceSet,
		HTTPSet,
		NewApp,
	)
	return nil, nil, nil
}
