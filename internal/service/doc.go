// Package service supervises calculation processes.
//
// The Supervisor accepts at most one active run per case. A run spawns the
// configured command in the case directory through a Runner and pushes
// every output line through one ordered pipeline:
//
//	Runner.Lines -> Classifier -> Store.Append -> Broadcaster.Publish -> Sinks
//
// An event is stored before anybody sees it, so a subscriber which reads
// History and then follows the stream observes a gapless sequence.
//
// Runner is a thin wrapper around os/exec:
//   - stdout and stderr are drained concurrently, line by line
//   - every line goes to the calculation log before it is delivered
//   - Wait is called only after both pipes hit EOF
//   - the exit status is fanned out to every WaitChan
//
// After a successful calculation an optional post processing command runs.
// Its outcome is reported with post_process events and never changes the
// job phase. The run stays active until it ends.
//
// The Janitor prunes old calculation logs on a cron or ISO8601 schedule.
package service
