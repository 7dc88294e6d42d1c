// Package shutdown runs the coordinator's teardown in ordered phases.
//
// The fleet stops outside-in: the relay stops accepting requests, the
// supervision loops are cancelled, every worker process is terminated and
// waited for, and finally shared infrastructure (bus, stores, tracing) is
// closed. Handlers in one phase run concurrently; phases run in ascending
// order.
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("relay", shutdown.PhaseIntake, relay.Shutdown)
//	coord.RegisterFunc("workers", shutdown.PhaseWorkers, func(ctx context.Context) error {
//	    return table.StopAll(ctx, "shutdown")
//	})
//	ctx, stop := coord.NotifyContext(context.Background())
//	defer stop()
//	<-ctx.Done()
//	coord.ShutdownWithTimeout(0)
package shutdown
