// Package types additionally documents the invariants that storage and
// queue implementations must uphold. These are restated here (rather
// than only in spec form) because they are the contract every backend
// must satisfy to be a valid participant in the pipeline.
//
// Queue state machine:
//
//	pending  -> processing                (claim_next)
//	processing -> completed               (mark_completed)
//	processing -> retry                   (mark_failed, retry_count < max_retries)
//	processing -> failed                  (mark_failed, retry_count >= max_retries)
//	retry    -> processing                (claim_next, once now >= next_attempt_at)
//	processing -> retry                   (reclaim_stale, heartbeat expired)
//
// For a given (RunID, DocID) at most one QueueItem may be in a
// non-terminal state ({pending, processing, retry}) at any instant. This
// is enforced by storage as a partial unique index, not by application
// logic, because the claim path must remain race-free under concurrent
// callers (see package queue).
//
// Document/Element invariants:
//
//   - exactly one Element per Document has ElementType == ElementRoot
//     and ParentID == nil.
//   - every non-root Element's ParentID, if set, names an Element with
//     the same DocID.
//   - DocumentPosition is a strict total order among a document's
//     elements; ElementOrder is a strict order among elements sharing a
//     ParentID.
//   - ContentHash is stable for identical source bytes: re-parsing
//     unchanged content must reproduce identical hashes so smart update
//     (package processor) can detect "nothing changed" cheaply.
//
// Entity invariant:
//
//	Every Entity in storage must have at least one live
//	ElementEntityMapping. When the last mapping pointing at an entity is
//	removed, the entity itself is deleted (see processor's
//	computeSmartUpdate).
package types
