package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/wasteworks/binsight/internal/clock"
	"github.com/wasteworks/binsight/internal/migration"
	"github.com/wasteworks/binsight/internal/observability"
	"github.com/wasteworks/binsight/internal/scheduler"
	"github.com/wasteworks/binsight/internal/server"
	"github.com/wasteworks/binsight/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure (config rides in with server.Module)
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		server.Module,

		// The engine loop runs in the worker; the API keeps a scheduler
		// only so the dev trigger endpoints can drive jobs manually.
		scheduler.Module,

		migration.Module,
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
