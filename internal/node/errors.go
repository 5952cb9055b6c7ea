package node

import "errors"

// ErrDraining is returned by Put/Del once Shutdown has begun: the node
// refuses new writes during its grace period rather than accept work it
// cannot guarantee gets replicated before exit.
var ErrDraining = errors.New("node: shutting down, not accepting writes")
