package tools

import "errors"

var (
	ErrToolNameEmpty         = errors.New("tool name is empty")
	ErrToolExecuteNil        = errors.New("tool execute function is nil")
	ErrToolAlreadyRegistered = errors.New("tool already registered")
	ErrReservedName          = errors.New("tool name is reserved")
	ErrMissingRequiredArg    = errors.New("missing required argument")
	ErrBinaryNotAllowed      = errors.New("binary not in allowlist")
)
