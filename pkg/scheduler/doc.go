// Package scheduler runs the periodic reconciliation jobs of the billing
// engine on cron schedules:
//
//	expiry-sweep     persist time-based transitions (trial end, period end)
//	usage-reset      zero monthly export counters on the 1st
//	expiry-warnings  notify organizations whose period ends within the warning window
//
// Each job pages through candidate subscriptions and processes them with a
// bounded worker pool. A failing item is logged and counted and never stops
// the rest of the sweep. Every job can also be run once from the command
// line.
package scheduler
