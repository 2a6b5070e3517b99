package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"github.com/smallbiznis/creditledger/internal/credit"
	"github.com/smallbiznis/creditledger/internal/creditsync"
	"github.com/smallbiznis/creditledger/internal/logger"
	"github.com/smallbiznis/creditledger/internal/metrics"
	"github.com/smallbiznis/creditledger/internal/migration"
	"github.com/smallbiznis/creditledger/internal/stream"
	"github.com/smallbiznis/creditledger/internal/sweeper"
	"github.com/smallbiznis/creditledger/internal/tracker"
	"github.com/smallbiznis/creditledger/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		logger.Module,
		clock.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		metrics.Module,
		stream.Module,

		// Ledger and synchronization
		credit.Module,
		tracker.Module,
		creditsync.Module,
		sweeper.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
