package board

import (
	"errors"
)

// error taxonomy for the sync engine. Everything here is a normal signal for the
// caller, not a crash: malformed network input is dropped and logged, and calls
// made after teardown began resolve to ErrSessionNotLive. Only lifecycle API
// misuse (a second Connect on one session) is a hard error surface.

var ErrSessionNotLive = errors.New("session not live")
var ErrAlreadyConnected = errors.New("session already connected")
var ErrMalformedDelta = errors.New("malformed delta")
var ErrSnapshotCorrupt = errors.New("snapshot corrupt")
var ErrNoSnapshot = errors.New("no snapshot")
