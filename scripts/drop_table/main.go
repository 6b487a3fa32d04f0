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
	keyspace := flag.String("keyspace", "chat", "keyspace holding the records table")
	flag.Parse()

	if _, err := logging.Setup("info", ""); err != nil {
		log.Fatal().Err(err).Msg("logging")
	}
	logger := logging.Component("drop_table")

	session, err := db.NewSession(strings.Split(*hosts, ","), *keyspace, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to ScyllaDB")
	}
	defer session.Close()

	logger.Info().Msg("dropping table records")
	if err := session.Query("DROP TABLE IF EXISTS records").Exec(); err != nil {
		logger.Fatal().Err(err).Msg("failed to drop table")
	}
	logger.Info().Msg("table dropped")
}
