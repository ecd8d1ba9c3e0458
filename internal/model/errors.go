// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package model holds the shared value types and error taxonomy for the
// replication engine: targets, change sets, commands and statistics.
package model

import "errors"

// Sentinel errors mirroring the taxonomy in redis_sync/exceptions.py.
// Callers wrap these with fmt.Errorf("...: %w", err) to attach context.
var (
	ErrConnection     = errors.New("connection error")
	ErrConfiguration  = errors.New("configuration error")
	ErrMigration      = errors.New("migration error")
	ErrReplication    = errors.New("replication error")
	ErrSync           = errors.New("sync error")
	ErrScan           = errors.New("scan error")
	ErrReplConf       = errors.New("replconf error")
	ErrVerification   = errors.New("verification error")
	ErrTimeout        = errors.New("timeout error")
	ErrDataIntegrity  = errors.New("data integrity error")
	ErrNeedMore       = errors.New("resp: need more data")
	ErrMalformed      = errors.New("resp: malformed input")
	ErrUnhealthy      = errors.New("target is unhealthy")
	ErrNotImplemented = errors.New("not implemented")
)
