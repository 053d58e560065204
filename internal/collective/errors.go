package collective

import "errors"

// ErrProtocol marks a collective call failure — a broadcast, reduce,
// or barrier that could not complete. The whole job aborts; nothing at
// this layer retries on its own (retrying the dial itself is the
// caller's concern, handled by internal/resilience).
var ErrProtocol = errors.New("collective: protocol failure")
