package timeline

import "errors"

var (
	// ErrNoRelays means a dispatch was requested with zero relay addresses.
	ErrNoRelays = errors.New("no relay addresses to query")

	// ErrSessionClosed is returned by operations on a closed timeline session.
	ErrSessionClosed = errors.New("timeline session closed")

	// ErrUnknownTimeline is returned when a timeline key is not registered.
	ErrUnknownTimeline = errors.New("unknown timeline key")

	// ErrLoadInProgress rejects an overlapping LoadMore call; callers gate on
	// the previous call resolving.
	ErrLoadInProgress = errors.New("load more already in flight")

	// ErrDuplicateSubscription guards the one-active-subscription-per-
	// (relay, subscription ID) invariant.
	ErrDuplicateSubscription = errors.New("subscription ID already active on relay")

	// ErrUnsignedEvent is returned when publishing an event without ID or
	// signature and no signer is configured.
	ErrUnsignedEvent = errors.New("event is not signed and no signer configured")
)
