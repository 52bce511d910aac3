package stores

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oarkflow/squealx"

	"github.com/oarkflow/abac"
)

// SQLAuditStore persists audit records in SQL
type SQLAuditStore struct {
	db *squealx.DB
}

func NewSQLAuditStore(db *squealx.DB) (*SQLAuditStore, error) {
	return &SQLAuditStore{db: db}, nil
}

func (s *SQLAuditStore) LogDecision(ctx context.Context, entry *abac.AuditRecord) error {
	if entry == nil {
		return fmt.Errorf("%w: nil audit record", abac.ErrInvalidRecord)
	}
	reqB, err := json.Marshal(entry.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	attrB, err := json.Marshal(entry.Attributes)
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	var decB []byte
	var allowed bool
	var effect, primary, reason string
	if d := entry.Decision; d != nil {
		if decB, err = json.Marshal(d); err != nil {
			return fmt.Errorf("marshal decision: %w", err)
		}
		allowed, effect, primary, reason = d.Allowed, string(d.Effect), d.PrimaryPolicyID, d.Reason
	}
	q := `INSERT INTO audit_log(id, timestamp, trace_id, subject_id, resource_type, resource_id, action, allowed, effect, primary_policy_id, reason, error, request_json, attributes_json, decision_json) VALUES(:id, :timestamp, :trace_id, :subject_id, :resource_type, :resource_id, :action, :allowed, :effect, :primary_policy_id, :reason, :error, :request_json, :attributes_json, :decision_json)`
	_, err = s.db.NamedExecContext(ctx, q, map[string]any{
		"id":                entry.ID,
		"timestamp":         formatSQLTime(entry.Timestamp),
		"trace_id":          entry.TraceID,
		"subject_id":        entry.Request.SubjectID,
		"resource_type":     entry.Request.ResourceType,
		"resource_id":       entry.Request.ResourceID,
		"action":            entry.Request.Action,
		"allowed":           boolToInt(allowed),
		"effect":            effect,
		"primary_policy_id": primary,
		"reason":            reason,
		"error":             entry.Error,
		"request_json":      string(reqB),
		"attributes_json":   string(attrB),
		"decision_json":     string(decB),
	})
	return err
}

func (s *SQLAuditStore) GetAccessLog(ctx context.Context, filter abac.AuditFilter) ([]*abac.AuditRecord, error) {
	q := `SELECT id, timestamp, trace_id, error, request_json, attributes_json, decision_json FROM audit_log WHERE 1=1`
	params := map[string]any{}
	if filter.SubjectID != "" {
		q += " AND subject_id = :subject_id"
		params["subject_id"] = filter.SubjectID
	}
	if filter.ResourceType != "" {
		q += " AND resource_type = :resource_type"
		params["resource_type"] = filter.ResourceType
	}
	if filter.Action != "" {
		q += " AND action = :action"
		params["action"] = filter.Action
	}
	if filter.Allowed != nil {
		q += " AND allowed = :allowed AND decision_json != ''"
		params["allowed"] = boolToInt(*filter.Allowed)
	}
	if !filter.StartTime.IsZero() {
		q += " AND timestamp >= :start"
		params["start"] = formatSQLTime(filter.StartTime)
	}
	if !filter.EndTime.IsZero() {
		q += " AND timestamp <= :end"
		params["end"] = formatSQLTime(filter.EndTime)
	}
	q += " ORDER BY timestamp"
	if filter.Limit > 0 {
		q += " LIMIT :limit"
		params["limit"] = filter.Limit
	} else {
		q += " LIMIT 100"
	}
	r, err := s.db.NamedQueryContext(ctx, q, params)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out := make([]*abac.AuditRecord, 0)
	for r.Next() {
		var id, traceID, errText, reqJSON, attrJSON, decJSON string
		var timestampRaw interface{}
		if err := r.Scan(&id, &timestampRaw, &traceID, &errText, &reqJSON, &attrJSON, &decJSON); err != nil {
			return nil, err
		}
		entry := &abac.AuditRecord{ID: id, TraceID: traceID, Error: errText}
		if t, err := parseSQLTime(timestampRaw); err == nil {
			entry.Timestamp = t
		}
		if err := json.Unmarshal([]byte(reqJSON), &entry.Request); err != nil {
			return nil, fmt.Errorf("audit %s: decode request: %w", id, err)
		}
		if attrJSON != "" && attrJSON != "null" {
			_ = json.Unmarshal([]byte(attrJSON), &entry.Attributes)
		}
		if decJSON != "" {
			entry.Decision = &abac.Decision{}
			if err := json.Unmarshal([]byte(decJSON), entry.Decision); err != nil {
				return nil, fmt.Errorf("audit %s: decode decision: %w", id, err)
			}
		}
		out = append(out, entry)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
