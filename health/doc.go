// Package health aggregates component health for the reef daemon.
//
// A Monitor holds named checks. Check runs every check and folds the
// results with Aggregate: any unhealthy component makes the whole
// unhealthy, otherwise any degraded component makes it degraded.
//
//	mon := health.NewMonitor("reef")
//	mon.Register("bus", func() health.Status {
//	    if bus.Stats().Shutdown {
//	        return health.NewUnhealthy("bus", "shut down")
//	    }
//	    return health.NewHealthy("bus", "accepting spores")
//	})
//	mux.Handle("/health", mon.Handler())
//
// The handler answers 200 for healthy and degraded, 503 for unhealthy.
// Messages built from errors go through FromError, which strips URLs,
// paths, addresses and credentials before they are exposed.
package health
