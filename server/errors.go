// server/errors.go
// Copyright(c) 2024-2026 vacs contributors, licensed under the GNU Public License, Version 3.
// SPDX: GPL-3.0-only

package server

import "errors"

var (
	ErrCallIdInUse       = errors.New("Call id already in use")
	ErrCallerBusy        = errors.New("Caller already has an outgoing call")
	ErrClientChannelFull = errors.New("Client outbound channel full")
	ErrDuplicateClient   = errors.New("Client with that id already connected")
	ErrInvalidDataset    = errors.New("Invalid coverage dataset")
	ErrInvalidToken      = errors.New("Invalid or expired token")
	ErrSessionClosed     = errors.New("Session closed")
)
