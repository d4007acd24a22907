package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type NodeStatus string

const (
	NodeStatusConnected    NodeStatus = "connected"
	NodeStatusDisconnected NodeStatus = "disconnected"
)

// Node is the durable record of a fleet member. Records are created on the
// first authenticated handshake and never deleted; disconnects only flip the
// status so history survives restarts and network blips.
type Node struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Platform        string            `json:"platform,omitempty"`
	Version         string            `json:"version,omitempty"`
	Capabilities    []string          `json:"capabilities,omitempty"`
	Status          NodeStatus        `json:"status"`
	ConnectedAt     *time.Time        `json:"connected_at,omitempty"`
	DisconnectedAt  *time.Time        `json:"disconnected_at,omitempty"`
	LastHeartbeatAt *time.Time        `json:"last_heartbeat_at,omitempty"`
	Metrics         json.RawMessage   `json:"metrics,omitempty"`
	Skills          map[string]string `json:"skills,omitempty"`
	ReportedJobs    json.RawMessage   `json:"reported_jobs,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// NodeIdentity is the self-reported identity block from the handshake.
type NodeIdentity struct {
	ID           string
	Name         string
	Platform     string
	Version      string
	Capabilities []string
}

// UpsertNodeConnected records a successful handshake: the node exists, is
// connected as of now, and its self-reported identity fields are refreshed.
func (s *Store) UpsertNodeConnected(ctx context.Context, ident NodeIdentity, at time.Time) error {
	caps, err := json.Marshal(ident.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO nodes (id, name, platform, version, capabilities, status, connected_at, last_heartbeat_at)
			VALUES (?, ?, ?, ?, ?, 'connected', ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				platform = excluded.platform,
				version = excluded.version,
				capabilities = excluded.capabilities,
				status = 'connected',
				connected_at = excluded.connected_at,
				last_heartbeat_at = excluded.last_heartbeat_at,
				updated_at = CURRENT_TIMESTAMP;
		`, ident.ID, ident.Name, ident.Platform, ident.Version, string(caps), at.UTC(), at.UTC())
		if err != nil {
			return fmt.Errorf("upsert node: %w", err)
		}
		return nil
	})
}

// MarkNodeDisconnected flips a connected node to disconnected. Returns false
// when the node was already disconnected (or unknown), so callers can avoid
// double events.
func (s *Store) MarkNodeDisconnected(ctx context.Context, nodeID string, at time.Time) (bool, error) {
	var affected int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE nodes
			SET status = 'disconnected', disconnected_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'connected';
		`, at.UTC(), nodeID)
		if err != nil {
			return fmt.Errorf("mark node disconnected: %w", err)
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// TouchNodeHeartbeat records a heartbeat: liveness timestamp plus the latest
// resource metrics and skill-health snapshots.
func (s *Store) TouchNodeHeartbeat(ctx context.Context, nodeID string, metricsJSON, skillsJSON string, at time.Time) error {
	if metricsJSON == "" {
		metricsJSON = "{}"
	}
	if skillsJSON == "" {
		skillsJSON = "{}"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE nodes
			SET last_heartbeat_at = ?, metrics = ?, skills = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, at.UTC(), metricsJSON, skillsJSON, nodeID)
		if err != nil {
			return fmt.Errorf("touch node heartbeat: %w", err)
		}
		return nil
	})
}

// SetNodeReportedJobs stores the node's most recent loaded-job report.
func (s *Store) SetNodeReportedJobs(ctx context.Context, nodeID string, jobsJSON string) error {
	if jobsJSON == "" {
		jobsJSON = "[]"
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE nodes
			SET reported_jobs = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, jobsJSON, nodeID)
		if err != nil {
			return fmt.Errorf("set node reported jobs: %w", err)
		}
		return nil
	})
}

func (s *Store) GetNode(ctx context.Context, nodeID string) (*Node, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, platform, version, capabilities, status,
			connected_at, disconnected_at, last_heartbeat_at,
			metrics, skills, reported_jobs, created_at, updated_at
		FROM nodes
		WHERE id = ?;
	`, nodeID)
	node := &Node{}
	if err := scanNode(row.Scan, node); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]Node, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, platform, version, capabilities, status,
			connected_at, disconnected_at, last_heartbeat_at,
			metrics, skills, reported_jobs, created_at, updated_at
		FROM nodes
		ORDER BY name ASC, id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		var node Node
		if err := scanNode(rows.Scan, &node); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func scanNode(scanFn func(dest ...any) error, node *Node) error {
	var capsJSON, metricsJSON, skillsJSON, jobsJSON string
	var connectedAt, disconnectedAt, lastHeartbeatAt sql.NullTime
	if err := scanFn(
		&node.ID,
		&node.Name,
		&node.Platform,
		&node.Version,
		&capsJSON,
		&node.Status,
		&connectedAt,
		&disconnectedAt,
		&lastHeartbeatAt,
		&metricsJSON,
		&skillsJSON,
		&jobsJSON,
		&node.CreatedAt,
		&node.UpdatedAt,
	); err != nil {
		return err
	}
	if connectedAt.Valid {
		t := connectedAt.Time
		node.ConnectedAt = &t
	}
	if disconnectedAt.Valid {
		t := disconnectedAt.Time
		node.DisconnectedAt = &t
	}
	if lastHeartbeatAt.Valid {
		t := lastHeartbeatAt.Time
		node.LastHeartbeatAt = &t
	}
	if capsJSON != "" {
		if err := json.Unmarshal([]byte(capsJSON), &node.Capabilities); err != nil {
			return fmt.Errorf("unmarshal capabilities: %w", err)
		}
	}
	if skillsJSON != "" && skillsJSON != "{}" {
		if err := json.Unmarshal([]byte(skillsJSON), &node.Skills); err != nil {
			return fmt.Errorf("unmarshal skills: %w", err)
		}
	}
	node.Metrics = json.RawMessage(metricsJSON)
	node.ReportedJobs = json.RawMessage(jobsJSON)
	return nil
}
