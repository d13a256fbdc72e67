package ddc

import (
	"github.com/agenthands/ddcstore/pkg/core"
)

var (
	ErrNotFound     = core.ErrNotFound
	ErrInvalidInput = core.ErrInvalidInput
	ErrCorrupt      = core.ErrCorrupt
	ErrConflict     = core.ErrConflict
	ErrUnresolved   = core.ErrUnresolved
	ErrThrottled    = core.ErrThrottled
	ErrTooLarge     = core.ErrTooLarge
	ErrClosed       = core.ErrClosed
)
