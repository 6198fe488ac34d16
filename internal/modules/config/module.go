package config

import "go.uber.org/fx"

// Module загружает конфиг и файл детекций один раз на старте.
func Module() fx.Option {
	return fx.Module("config",
		fx.Provide(
			NewConfig,
		),
	)
}
