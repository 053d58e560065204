package sketch

import "errors"

// ErrConfig is returned by New when epsilon or delta fall outside (0, 1),
// and by NewWithHashes and LoadTable for an unusable hash vector or table.
var ErrConfig = errors.New("sketch: epsilon and delta must be in the open interval (0, 1)")

// ErrIncompatible is returned by MergeInto and InnerProduct when the two
// sketches do not share identical geometry and hash vectors.
var ErrIncompatible = errors.New("sketch: geometry or hash vector mismatch")

// ErrInvalidRange is returned by RangeQuery when hi < lo.
var ErrInvalidRange = errors.New("sketch: range query requires lo <= hi")
