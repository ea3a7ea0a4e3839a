// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/chem-gl/chemflow/event"
	chemlog "github.com/chem-gl/chemflow/internal/logger"
)

// SQLStore is the Postgres-backed EventStore (spec §4.B backend 2),
// required to produce the same replay projection as MemoryStore for any
// given call sequence (P9).
type SQLStore struct {
	db    *gorm.DB
	locks *flowLocks

	artifactInsertDisabled bool

	maxConflictRetries int
	conflictBaseBackoff time.Duration
}

// SQLStoreOption configures an SQLStore at construction.
type SQLStoreOption func(*SQLStore)

// WithArtifactInsertDisabled mirrors the engine's artifact_insert_disabled
// knob at the store layer.
func WithArtifactInsertDisabled(disabled bool) SQLStoreOption {
	return func(s *SQLStore) { s.artifactInsertDisabled = disabled }
}

// WithConflictRetries overrides the bounded retry/backoff applied when a
// transient append conflict (e.g. a serialization failure) occurs.
func WithConflictRetries(maxRetries int, baseBackoff time.Duration) SQLStoreOption {
	return func(s *SQLStore) {
		s.maxConflictRetries = maxRetries
		s.conflictBaseBackoff = baseBackoff
	}
}

// OpenSQLStore connects to Postgres at dsn and returns a ready SQLStore.
// Migration is library plumbing (AutoMigrate), not a scripted migration
// runner — grounded on the teacher's NewGormDB/AutoMigrate pair.
func OpenSQLStore(dsn string, opts ...SQLStoreOption) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	s := &SQLStore{
		db:                  db,
		locks:               newFlowLocks(),
		maxConflictRetries:  5,
		conflictBaseBackoff: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLStoreFromDB wraps an already-open *gorm.DB, e.g. one built by a
// test harness against a testcontainers-managed Postgres instance.
func NewSQLStoreFromDB(db *gorm.DB, opts ...SQLStoreOption) (*SQLStore, error) {
	s := &SQLStore{
		db:                  db,
		locks:               newFlowLocks(),
		maxConflictRetries:  5,
		conflictBaseBackoff: 20 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// AutoMigrate creates or updates the four tables this store owns and
// adds the produced_in_seq RESTRICT foreign key that GORM's struct tags
// alone cannot express across a composite-keyed parent table.
func (s *SQLStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&eventRow{}, &artifactRow{}, &stepExecutionErrorRow{}, &branchRow{}); err != nil {
		return fmt.Errorf("store: automigrate: %w", err)
	}

	var constraintExists int64
	s.db.Raw(`SELECT count(*) FROM pg_constraint WHERE conname = 'fk_artifacts_produced_in_event'`).Scan(&constraintExists)
	if constraintExists == 0 {
		if err := s.db.Exec(`
			ALTER TABLE workflow_step_artifacts
			ADD CONSTRAINT fk_artifacts_produced_in_event
			FOREIGN KEY (produced_in_flow, produced_in_seq)
			REFERENCES event_log (flow_id, seq)
			ON DELETE RESTRICT
		`).Error; err != nil {
			chemlog.GetStoreLogger().Warn().Err(err).Msg("could not add produced_in_seq FK constraint (may already exist under a different name)")
		}
	}
	return nil
}

func (s *SQLStore) Append(ctx context.Context, flowID string, evt event.Event, artifacts []Artifact) (int64, error) {
	if err := validateAppend(evt, artifacts); err != nil {
		return 0, err
	}
	evt, err := normalizePayload(evt)
	if err != nil {
		return 0, err
	}

	release, err := s.locks.acquire(ctx, flowID)
	if err != nil {
		return 0, fmt.Errorf("store: acquire flow lock: %w", err)
	}
	defer release()

	var seq int64
	attempt := 0
	for {
		seq, err = s.appendOnce(ctx, flowID, evt, artifacts)
		if err == nil {
			return seq, nil
		}
		if !isTransientConflict(err) || attempt >= s.maxConflictRetries {
			return 0, err
		}
		backoff := s.conflictBaseBackoff * time.Duration(1<<attempt)
		jitter := time.Duration(rand.Int63n(int64(backoff/2) + 1))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		attempt++
	}
}

func (s *SQLStore) appendOnce(ctx context.Context, flowID string, evt event.Event, artifacts []Artifact) (int64, error) {
	var seq int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Model(&eventRow{}).
			Where("flow_id = ?", flowID).
			Select("seq").Order("seq DESC").Limit(1).
			Scan(&maxSeq).Error; err != nil {
			return fmt.Errorf("store: lock flow for append: %w", err)
		}
		seq = maxSeq + 1

		ts := evt.Ts
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		payload, err := encodePayload(evt.Payload)
		if err != nil {
			return err
		}
		row := eventRow{FlowID: flowID, Seq: seq, Ts: ts, EventType: string(evt.Type), Payload: payload}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("store: insert event: %w", err)
		}

		if !s.artifactInsertDisabled {
			for _, a := range artifacts {
				ap, err := encodePayload(a.Payload)
				if err != nil {
					return err
				}
				am, err := encodePayload(a.Metadata)
				if err != nil {
					return err
				}
				ar := artifactRow{
					ArtifactHash:   a.Hash,
					Kind:           a.Kind,
					Payload:        ap,
					Metadata:       am,
					ProducedInSeq:  seq,
					ProducedInFlow: flowID,
				}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&ar).Error; err != nil {
					return fmt.Errorf("store: insert artifact %s: %w", a.Hash, err)
				}
			}
		}

		if se, ok := deriveStepExecutionError(flowID, evt); ok {
			details, err := encodePayload(se.Details)
			if err != nil {
				return err
			}
			row := stepExecutionErrorRow{
				FlowID: se.FlowID, StepID: se.StepID, AttemptNumber: se.AttemptNumber,
				ErrorClass: se.ErrorClass, Details: details, Ts: se.Ts,
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("store: insert step_execution_errors row: %w", err)
			}
		}

		if evt.Type == event.KindBranchCreated {
			var rootFlowID string
			if err := tx.Model(&eventRow{}).
				Where("flow_id = ? AND event_type = ?", flowID, string(event.KindFlowInitialized)).
				Select("payload->>'root_flow_id'").Scan(&rootFlowID).Error; err != nil {
				return fmt.Errorf("store: resolve root_flow_id for branch: %w", err)
			}
			if br, ok := deriveBranch(flowID, rootFlowID, evt); ok {
				row := branchRow{
					BranchID: br.BranchID, RootFlowID: br.RootFlowID, ParentFlowID: br.ParentFlowID,
					CreatedFromStepID: br.CreatedFromStepID, DivergenceParamsHash: br.DivergenceParamsHash,
					CreatedAt: br.CreatedAt, Name: br.Name,
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("store: insert workflow_branches row: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	chemlog.GetStoreLogger().Debug().Str("flow_id", flowID).Int64("seq", seq).Str("event_type", string(evt.Type)).Msg("appended event")
	return seq, nil
}

// isTransientConflict reports whether err looks like a retryable
// append conflict (serialization failure / deadlock) rather than a
// permanent error. Once the retries are exhausted, Append returns the
// last error to its caller; the engine hands such an error back from
// RunNext and records no step_failed for it.
func isTransientConflict(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		switch pgErr.SQLState() {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

func (s *SQLStore) List(ctx context.Context, flowID string, fromSeq int64) ([]event.Event, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Where("flow_id = ? AND seq >= ?", flowID, fromSeq).
		Order("seq ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list events: %w", err)
	}

	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		decoded, err := decodePayload(r.Payload)
		if err != nil {
			return nil, err
		}
		kind := event.Kind(r.EventType)
		typed, err := event.DecodePayload(kind, decoded)
		if err != nil {
			return nil, err
		}
		out = append(out, event.Event{
			Seq:     r.Seq,
			FlowID:  r.FlowID,
			Ts:      r.Ts,
			Type:    kind,
			Payload: typed,
		})
	}
	return out, nil
}

func (s *SQLStore) LatestSeq(ctx context.Context, flowID string) (int64, bool, error) {
	var maxSeq int64
	var count int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Where("flow_id = ?", flowID).Count(&count).Error; err != nil {
		return 0, false, fmt.Errorf("store: count events: %w", err)
	}
	if count == 0 {
		return 0, false, nil
	}
	if err := s.db.WithContext(ctx).Model(&eventRow{}).Where("flow_id = ?", flowID).
		Select("COALESCE(MAX(seq), 0)").Scan(&maxSeq).Error; err != nil {
		return 0, false, fmt.Errorf("store: latest seq: %w", err)
	}
	return maxSeq, true, nil
}

func (s *SQLStore) GetArtifact(ctx context.Context, hash string) (Artifact, error) {
	var row artifactRow
	err := s.db.WithContext(ctx).Where("artifact_hash = ?", hash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Artifact{}, fmt.Errorf("%w: %s", ErrArtifactNotFound, hash)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("store: get artifact: %w", err)
	}
	payload, err := decodePayload(row.Payload)
	if err != nil {
		return Artifact{}, err
	}
	metadata, err := decodePayload(row.Metadata)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Hash: row.ArtifactHash, Kind: row.Kind, Payload: payload, Metadata: metadata}, nil
}

func (s *SQLStore) RefArtifact(ctx context.Context, hash string) (int64, error) {
	var row artifactRow
	err := s.db.WithContext(ctx).Select("produced_in_seq").Where("artifact_hash = ?", hash).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrArtifactNotFound, hash)
	}
	if err != nil {
		return 0, fmt.Errorf("store: ref artifact: %w", err)
	}
	return row.ProducedInSeq, nil
}

func (s *SQLStore) ListStepExecutionErrors(ctx context.Context, flowID string) ([]StepExecutionError, error) {
	var rows []stepExecutionErrorRow
	if err := s.db.WithContext(ctx).Where("flow_id = ?", flowID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list step_execution_errors: %w", err)
	}
	out := make([]StepExecutionError, 0, len(rows))
	for _, r := range rows {
		var details string
		if d, err := decodePayload(r.Details); err == nil {
			if s, ok := d.(string); ok {
				details = s
			}
		}
		out = append(out, StepExecutionError{
			FlowID: r.FlowID, StepID: r.StepID, AttemptNumber: r.AttemptNumber,
			ErrorClass: r.ErrorClass, Details: details, Ts: r.Ts,
		})
	}
	return out, nil
}

func (s *SQLStore) ListBranches(ctx context.Context, rootFlowID string) ([]Branch, error) {
	var rows []branchRow
	if err := s.db.WithContext(ctx).Where("root_flow_id = ?", rootFlowID).Order("created_at ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: list workflow_branches: %w", err)
	}
	out := make([]Branch, 0, len(rows))
	for _, r := range rows {
		out = append(out, Branch{
			BranchID: r.BranchID, RootFlowID: r.RootFlowID, ParentFlowID: r.ParentFlowID,
			CreatedFromStepID: r.CreatedFromStepID, DivergenceParamsHash: r.DivergenceParamsHash,
			CreatedAt: r.CreatedAt, Name: r.Name,
		})
	}
	return out, nil
}

var _ EventStore = (*SQLStore)(nil)
