// Command configgen writes a commented routerd config template, or checks an
// existing config file against the same rules routerd applies at startup.
package main

import (
	"flag"
	"os"

	"github.com/danmuck/procgraph/internal/config"
	"github.com/danmuck/procgraph/internal/logging"
	"github.com/rs/zerolog/log"
)

const defaultPath = "cmd/routerd/config.toml"

func main() {
	logging.ConfigureRuntime()

	kind := flag.String("kind", "router", "template kind (only router is known)")
	path := flag.String("path", defaultPath, "config file to write or check")
	check := flag.Bool("check", false, "validate path instead of writing it")
	force := flag.Bool("force", false, "overwrite an existing file")
	flag.Parse()

	if *check {
		file, err := config.Load(*path)
		if err != nil {
			log.Error().Err(err).Str("path", *path).Msg("config invalid")
			os.Exit(1)
		}
		log.Info().
			Str("path", *path).
			Str("name", file.Name).
			Str("listen", file.Listen.Addr).
			Int("edges", len(file.Edges)).
			Int("policies", len(file.Policy)).
			Msg("config ok")
		return
	}

	if err := config.WriteTemplate(*path, *kind, *force); err != nil {
		log.Error().Err(err).Str("path", *path).Msg("write template")
		os.Exit(1)
	}
	log.Info().Str("path", *path).Str("kind", *kind).Msg("template written")
}
