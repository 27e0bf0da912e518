// Package reef implements the in-process knowledge bus.
//
// A Reef is a directory of named channels. Each Channel keeps the most
// recent spores in a bounded ring (the oldest is evicted when full) and
// dispatches every arriving spore to its recipients on a worker pool:
//
//   - a spore with a recipient goes to the handlers registered for it;
//   - a broadcast goes to every subscriber of the channel except its sender;
//   - a broadcast from spore.SystemAgent goes to every subscriber.
//
// The recipient set is taken when the spore is enqueued, so a handler
// registered later does not see it. Handler errors and panics are logged and
// counted, never returned to the sender. Handler completion order across
// workers is not guaranteed; a subscriber that needs serial processing must
// serialize inside its handler.
//
// Basic use:
//
//	r, err := reef.New(reef.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer r.Shutdown(true)
//
//	_ = r.SubscribeFunc("", "bob", func(ctx context.Context, s *spore.Spore) error {
//		logger.Info("got", "from", s.FromAgent(), "payload", s.Payload())
//		return nil
//	})
//	id, err := r.SendKnowledge(ctx, "alice", "bob", map[string]any{"fact": 42})
//
// Expired spores stay in the ring until the background sweeper removes
// them (every 60s by default); Peek never returns them. Spores evicted by
// overflow and spores removed by the sweeper both count as expired.
package reef
