package perspective

import "errors"

// ErrInvalid is returned by Parse for values that are not a legal perspective.
var ErrInvalid = errors.New("perspective: invalid value")
