// Package routing implements the rule engine and route executor of the data
// router.
//
// # Overview
//
// A Route carries an ordered list of transformations and an ordered list of
// rules. Each rule has an optional condition, its own transformations and a
// set of destination ids. Executing a route over a record batch:
//
//  1. applies the route-level pipeline to the whole batch
//  2. matches every surviving record against the rules, fan-out style
//  3. applies each matched rule's pipeline and appends the output to the
//     outbound batch of each of the rule's destinations
//  4. delivers the outbound batches concurrently through the delivery driver
//  5. aggregates the per-destination outcomes into the execution state
//
// # Loading
//
// Loader compiles a Route and its destination catalog into an immutable
// CompiledRoute. Conditions are parsed and pipelines compiled once, and
// destinations are built through a Factory. Destination ids that are unknown
// or disabled are skipped with a warning; everything else that is wrong is a
// ConfigError and nothing is delivered.
//
// # Error handling
//
// In continue mode a failed destination leaves the others untouched and the
// route ends PartiallyFailed, or Failed when every destination failed. In
// fail mode the first failure fails the route, halts batches that have not
// started yet, and sends the original input batch to the error destination
// when one is configured.
//
// # Usage
//
//	loader := routing.NewLoader(factory, delivery.DefaultPolicy(), logger)
//	executor := routing.NewExecutor(routing.ExecutorConfig{
//		Loader: loader,
//		Driver: delivery.NewDriver(delivery.WithLogger(logger)),
//		Logger: logger,
//	})
//
//	result, err := executor.ExecuteRoute(ctx, route, catalog, batch)
package routing
