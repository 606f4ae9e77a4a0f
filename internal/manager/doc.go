// Package manager binds client connections to session contexts and runs their
// turns. It is structured into small files by concern:
//
//   - manager.go: core Manager type, constructor, Start, Ready, ListModels.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: Session and lifecycle state.
//   - errors.go: error types and helpers (IsTooBusy, IsSessionNotFound).
//   - sessions.go: CreateSession/DestroySession/ResetSession.
//   - queue_admission.go: per-session queueing and turn admission.
//   - inference.go: SubmitTurn and the per-turn generation worker.
//   - infer.go: one-shot turns and embeddings.
//   - evict.go: idle and capacity eviction.
//   - status_report.go: Status reporting.
//   - unload.go: graceful Close.
//
// Modes:
//
//   - per-connection (default): every connection id gets its own context on
//     the shared weights; re-creating a session drops the previous one.
//   - shared: one context is created at Start and every connection id binds
//     to it. Turns are serialised by the session's admission slots.
//
// External packages should treat this package as the orchestration layer and
// use public methods only.
package manager
