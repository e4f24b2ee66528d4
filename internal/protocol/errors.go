package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Block operations.
	ErrBadRequest  = "E_BAD_REQUEST"
	ErrOutOfBounds = "E_OUT_OF_BOUNDS"
	ErrNotFound    = "E_NOT_FOUND"
	ErrRateLimit   = "E_RATE_LIMIT"
	ErrConflict    = "E_CONFLICT"
	ErrInternal    = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrBadRequest:      {},
	ErrOutOfBounds:     {},
	ErrNotFound:        {},
	ErrRateLimit:       {},
	ErrConflict:        {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
