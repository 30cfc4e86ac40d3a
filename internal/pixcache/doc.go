// Package pixcache is the bounded in-memory thumbnail pixel cache.
//
// A Cache answers "give me the preview of item X" in one of three ways: an
// already decoded image, a synchronous decode (LoadNow), or an asynchronous
// decode followed by a listener notification (LoadRequest). Decoded images are
// held for at most MaxCachedPixmaps entries; the least recently used one is
// evicted first. Work for the same identity is never duplicated while it is
// queued or in flight.
//
// Exactly one background goroutine performs queued loads, one at a time, taking
// the most recently requested item first. Its results are posted to a channel
// and applied by whoever drives the owner loop (Run or Dispatch); listener
// callbacks always run on that goroutine, outside the table lock. Requests that
// waited while too many other loads happened are abandoned and reported as
// OutcomeRequestExpired.
package pixcache
