package main

import (
	"flag"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mahaj/critica-chat/pkg/db"
	"github.com/mahaj/critica-chat/pkg/logging"
)

func main() {
	hosts := flag.String("hosts", "localhost:9042", "comma separated scylla hosts")
	keyspace := flag.String("keyspace", "chat", "keyspace to create")
	flag.Parse()

	if _, err := logging.Setup("info", ""); err != nil {
		log.Fatal().Err(err).Msg("logging")
	}

	if err := db.Migrate(strings.Split(*hosts, ","), *keyspace, logging.Component("migrate")); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
}
