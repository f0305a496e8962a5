// Package cronlock is a distributed cron scheduler. Multiple application
// instances register the same named jobs; each scheduled firing executes on
// exactly one instance. Coordination relies on atomically inserting a
// history record keyed by (job name, intended instant) into a shared store
// with a uniqueness constraint on that pair: the instance whose insert wins
// runs the job, the others skip silently.
//
// A minimal setup:
//
//	store, _ := sqlitestore.Open("history.db", "cronHistory")
//	reg := cronlock.New(cronlock.Options{Store: store, UTC: true})
//	_ = reg.Add(ctx, cronlock.JobConfig{
//		Name:     "nightly-report",
//		Schedule: schedule.Cron{Expr: "0 2 * * *"},
//		Job: func(ctx context.Context, intendedAt time.Time) (any, error) {
//			return buildReport(ctx, intendedAt)
//		},
//	})
//	_ = reg.Start(ctx)
//
// Schedules come in three forms (see package schedule): fixed intervals
// with optional boundary alignment, daily wall-clock times, and five-field
// cron expressions.
package cronlock
