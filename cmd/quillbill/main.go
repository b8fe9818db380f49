package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/quillora/quillbill/internal/clock"
	"github.com/quillora/quillbill/internal/config"
	"github.com/quillora/quillbill/internal/logger"
	"github.com/quillora/quillbill/internal/migration"
	"github.com/quillora/quillbill/internal/observability"
	"github.com/quillora/quillbill/internal/scheduler"
	"github.com/quillora/quillbill/internal/server"
	"github.com/quillora/quillbill/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		server.Module,
		scheduler.Module,
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
