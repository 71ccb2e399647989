// Package service runs one instance of a service built on the framework.
//
// A Runtime owns the broker connection, the registry entry and its
// heartbeats, optional sticky-active leader election, and the dispatchers
// for the three messaging patterns: RPC over request/reply, events over
// pub/sub, and durable commands over the work queue. Handlers are
// registered before Start and frozen afterwards:
//
//	rt, err := service.New(cfg)
//	if err != nil {
//		return err
//	}
//	rt.RegisterRPC("get_report", getReport)
//	rt.RegisterRPC("promote", promote, service.WithExclusive())
//	rt.RegisterEvent("orders.>", onOrderEvent)
//	rt.RegisterCommand("rebuild_index", rebuildIndex)
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	defer rt.Stop(context.Background())
//
// Registry heartbeats and leader-key renewals run on one supervised loop
// with two schedules. Three consecutive heartbeat failures mark the
// instance UNHEALTHY and release any leadership it holds; recovery is
// automatic once the store answers again.
package service
