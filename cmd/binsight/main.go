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

// The self-hosted binary: HTTP API, audit engine, and migrations in one
// process. Cloud deployments run apps/api and apps/worker instead, and
// StartEngine skips the loop there so batches are only polled once.
func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		server.Module,

		scheduler.Module,
		fx.Invoke(scheduler.StartEngine),

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
