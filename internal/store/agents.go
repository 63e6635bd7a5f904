package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Agent is the catalog entry of a configured agent.
type Agent struct {
	Name         string    `json:"name"`
	Kind         string    `json:"kind"`
	Description  string    `json:"description,omitempty"`
	Version      string    `json:"version,omitempty"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Store) SaveAgent(a *Agent) error {
	caps, err := json.Marshal(a.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO agents (name, kind, description, version, capabilities, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(name) DO UPDATE SET
			kind = excluded.kind,
			description = excluded.description,
			version = excluded.version,
			capabilities = excluded.capabilities,
			updated_at = CURRENT_TIMESTAMP`,
		a.Name, a.Kind, a.Description, a.Version, string(caps))
	if err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return nil
}

func (s *Store) GetAgent(name string) (*Agent, error) {
	row := s.db.QueryRow(`SELECT name, kind, description, version, capabilities, created_at, updated_at FROM agents WHERE name = ?`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func (s *Store) ListAgents() ([]Agent, error) {
	rows, err := s.db.Query(`SELECT name, kind, description, version, capabilities, created_at, updated_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, rows.Err()
}

func (s *Store) DeleteAgent(name string) error {
	_, err := s.db.Exec(`DELETE FROM agents WHERE name = ?`, name)
	return err
}

func (s *Store) DeleteAgentsNotIn(names []string) error {
	if len(names) == 0 {
		_, err := s.db.Exec(`DELETE FROM agents`)
		return err
	}
	args := make([]any, len(names))
	for i, n := range names {
		args[i] = n
	}
	_, err := s.db.Exec(`DELETE FROM agents WHERE name NOT IN (`+inClause(len(names))+`)`, args...)
	return err
}

func scanAgent(sc scanner) (*Agent, error) {
	a := &Agent{}
	var description, version, caps sql.NullString
	if err := sc.Scan(&a.Name, &a.Kind, &description, &version, &caps, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Description = description.String
	a.Version = version.String
	if caps.Valid && caps.String != "" && caps.String != "null" {
		if err := json.Unmarshal([]byte(caps.String), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	return a, nil
}
