// Copyright (C) 2026 ChemFlow
// SPDX-License-Identifier: AGPL-3.0-or-later

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONPayload is a GORM-scannable/valuable JSON column, grounded on the
// teacher's AgentConfigJSON Scan/Value pattern. It round-trips through
// encoding/json rather than a typed Go struct, since event/artifact
// payloads are shaped per event kind, not per column.
type JSONPayload json.RawMessage

// Scan implements sql.Scanner.
func (j *JSONPayload) Scan(value any) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSONPayload(v)
		return nil
	default:
		return fmt.Errorf("store: cannot scan JSONPayload from %T", value)
	}
}

// Value implements driver.Valuer.
func (j JSONPayload) Value() (driver.Value, error) {
	if len(j) == 0 {
		return "null", nil
	}
	return []byte(j), nil
}

func encodePayload(v any) (JSONPayload, error) {
	if v == nil {
		return JSONPayload("null"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("store: marshal payload: %w", err)
	}
	return JSONPayload(b), nil
}

func decodePayload(j JSONPayload) (any, error) {
	if len(j) == 0 || string(j) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(j, &v); err != nil {
		return nil, fmt.Errorf("store: unmarshal payload: %w", err)
	}
	return v, nil
}

// eventRow is the event_log table (spec §6). Its primary key is
// (flow_id, seq) rather than a single global BIGSERIAL: seq must be
// monotonic and gap-free per flow (invariant I1) and byte-identical to
// the in-memory backend's numbering (P9), which a table-wide serial
// column spanning interleaved flows could not guarantee. See DESIGN.md.
type eventRow struct {
	FlowID    string      `gorm:"column:flow_id;type:uuid;primaryKey"`
	Seq       int64       `gorm:"column:seq;primaryKey"`
	Ts        time.Time   `gorm:"column:ts;not null"`
	EventType string      `gorm:"column:event_type;not null;index:idx_event_log_type"`
	Payload   JSONPayload `gorm:"column:payload;type:jsonb;not null"`
}

func (eventRow) TableName() string { return "event_log" }

// artifactRow is the workflow_step_artifacts table (spec §6).
type artifactRow struct {
	ArtifactHash  string      `gorm:"column:artifact_hash;primaryKey;type:text"`
	Kind          string      `gorm:"column:kind;type:text;not null"`
	Payload       JSONPayload `gorm:"column:payload;type:jsonb"`
	Metadata      JSONPayload `gorm:"column:metadata;type:jsonb"`
	ProducedInSeq int64       `gorm:"column:produced_in_seq;index"`
	ProducedInFlow string     `gorm:"column:produced_in_flow;type:uuid;not null"`
}

func (artifactRow) TableName() string { return "workflow_step_artifacts" }

// stepExecutionErrorRow is the step_execution_errors table (spec §6).
type stepExecutionErrorRow struct {
	ID            int64       `gorm:"column:id;primaryKey;autoIncrement"`
	FlowID        string      `gorm:"column:flow_id;type:uuid;index;not null"`
	StepID        string      `gorm:"column:step_id;type:text;not null"`
	AttemptNumber int         `gorm:"column:attempt_number;check:attempt_number >= 0"`
	ErrorClass    string      `gorm:"column:error_class;not null"`
	Details       JSONPayload `gorm:"column:details;type:jsonb"`
	Ts            time.Time   `gorm:"column:ts;not null"`
}

func (stepExecutionErrorRow) TableName() string { return "step_execution_errors" }

// branchRow is the workflow_branches table (spec §6).
type branchRow struct {
	BranchID             string      `gorm:"column:branch_id;primaryKey;type:uuid"`
	RootFlowID           string      `gorm:"column:root_flow_id;type:uuid;index;not null"`
	ParentFlowID         string      `gorm:"column:parent_flow_id;type:uuid"`
	CreatedFromStepID    string      `gorm:"column:created_from_step_id;type:text;not null"`
	DivergenceParamsHash string      `gorm:"column:divergence_params_hash;type:text"`
	CreatedAt            time.Time   `gorm:"column:created_at;not null"`
	Name                 string      `gorm:"column:name;type:text"`
	Metadata             JSONPayload `gorm:"column:metadata;type:jsonb"`
}

func (branchRow) TableName() string { return "workflow_branches" }
