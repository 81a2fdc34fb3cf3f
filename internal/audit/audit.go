/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package audit is the shared audit-trail sink used by the ingest
// pipeline and the conflict engine. It is a thin, structured-logging
// wrapper over storage.AuditStore: every entry is also emitted as a zap
// log line so operators can follow state transitions without a database
// client, while the store keeps the durable, queryable trail.
package audit

import (
	"context"

	"go.uber.org/zap"

	"github.com/trrcms/core/pkg/storage"
)

// Recorder appends audit entries for one target kind (package, conflict,
// claim, …), always attributing an actor.
type Recorder struct {
	store  storage.AuditStore
	logger *zap.Logger
}

// New returns a Recorder writing through store and logging via logger.
func New(store storage.AuditStore, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Record appends one audit entry and logs it at info level.
func (r *Recorder) Record(ctx context.Context, entry storage.AuditEntry) error {
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.Error("failed to append audit entry",
			zap.String("target_id", entry.TargetID),
			zap.String("action", entry.Action),
			zap.Error(err))
		return err
	}
	r.logger.Info("audit entry recorded",
		zap.String("target_id", entry.TargetID),
		zap.String("action", entry.Action),
		zap.String("old_status", entry.OldStatus),
		zap.String("new_status", entry.NewStatus),
		zap.String("actor", entry.Actor))
	return nil
}

// History returns every audit entry for targetID, oldest first (the
// contract storage.AuditStore implementations are expected to honor).
func (r *Recorder) History(ctx context.Context, targetID string) ([]storage.AuditEntry, error) {
	return r.store.ListByTarget(ctx, targetID)
}
