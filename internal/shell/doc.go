// Package shell owns every child process the server starts on behalf of a
// client session.
//
// Two kinds of processes exist:
//
//   - A persistent shell per session, started under a PTY
//     (github.com/creack/pty) in its own session and process group.
//     Its output is drained into a [ScrollbackBuffer] so the PTY never
//     fills up. In [ModeNone] no OS process is started and the handle only
//     records the session.
//
//   - A short-lived process per pass-through command, started by
//     [Manager.Run] with Setpgid so the command and everything it forks
//     can be killed as a unit when its timeout fires.
//
// # Lifecycle
//
//  1. [Manager.CreateSession] spawns the persistent shell and stores its
//     handle under the session id, replacing any existing handle. Callers
//     check [Manager.HasSession] first when replacement is not wanted.
//
//  2. [Manager.Terminate] removes the handle, sends SIGHUP and SIGTERM to
//     the process group, waits up to the grace period and escalates to
//     SIGKILL. The entry is removed even when the process refuses to die,
//     and terminating an unknown id is a no-op.
//
//  3. [Manager.TerminateAll] is called on server shutdown.
//
// # Error kinds
//
// [ErrSpawnFailed], [ErrCommandNotFound] and [ErrTimeout] are returned
// wrapped; test them with errors.Is.
//
// # Log fields
//
// All log lines carry component=process-mgr.
package shell
