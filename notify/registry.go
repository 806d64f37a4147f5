package notify

import (
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mealhall/mealhall-core/types"
)

// Endpoint is one delivery target: a recipient address for email or a device
// channel for push, bound to a template or event name.
type Endpoint struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Event     string    `json:"event"`
	Target    string    `json:"target"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	ChannelEmail = "email"
	ChannelPush  = "push"
	ChannelOps   = "ops"
)

// Registry stores delivery endpoints in sqlite so they survive restarts and
// can be edited without a deploy.
type Registry struct {
	db      *sql.DB
	logger  types.Logger
	running int32
}

func NewRegistry(path string, logger types.Logger) (*Registry, error) {
	if path == "" {
		path = "./notify.db"
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, types.WrapError(err, "failed to open endpoint registry")
	}

	r := &Registry{db: db, logger: logger}
	if err := r.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS endpoints (
		id TEXT PRIMARY KEY,
		channel TEXT NOT NULL,
		event TEXT NOT NULL,
		target TEXT NOT NULL,
		enabled BOOLEAN DEFAULT true,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_endpoints_channel_event ON endpoints(channel, event);
	`

	if _, err := r.db.Exec(query); err != nil {
		return types.WrapError(err, "failed to create endpoints table")
	}
	return nil
}

func (r *Registry) Start() error {
	atomic.StoreInt32(&r.running, 1)
	return nil
}

func (r *Registry) Stop() error {
	if !atomic.CompareAndSwapInt32(&r.running, 1, 0) {
		return nil
	}
	return r.db.Close()
}

func (r *Registry) IsRunning() bool {
	return atomic.LoadInt32(&r.running) == 1
}

// EndpointsFor returns the enabled endpoints for a channel and event. The
// wildcard event "*" matches everything; ops alerts use it.
func (r *Registry) EndpointsFor(channel, event string) ([]*Endpoint, error) {
	rows, err := r.db.Query(
		`SELECT id, channel, event, target, enabled, created_at
		 FROM endpoints WHERE channel = ? AND (event = ? OR event = '*') AND enabled = true`,
		channel, event)
	if err != nil {
		return nil, types.WrapError(err, "failed to query endpoints")
	}
	defer rows.Close()

	return scanEndpoints(rows)
}

func (r *Registry) List() ([]*Endpoint, error) {
	rows, err := r.db.Query(
		`SELECT id, channel, event, target, enabled, created_at FROM endpoints ORDER BY created_at`)
	if err != nil {
		return nil, types.WrapError(err, "failed to list endpoints")
	}
	defer rows.Close()

	return scanEndpoints(rows)
}

func (r *Registry) Create(endpoint *Endpoint) error {
	_, err := r.db.Exec(
		`INSERT INTO endpoints (id, channel, event, target, enabled) VALUES (?, ?, ?, ?, ?)`,
		endpoint.ID, endpoint.Channel, endpoint.Event, endpoint.Target, endpoint.Enabled)
	if err != nil {
		return types.WrapError(err, "failed to create endpoint")
	}
	return nil
}

func (r *Registry) Delete(id string) error {
	result, err := r.db.Exec(`DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return types.WrapError(err, "failed to delete endpoint")
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return types.Errorf(types.ErrDeliveryEndpointUnknown, "id: %s", id)
	}
	return nil
}

func scanEndpoints(rows *sql.Rows) ([]*Endpoint, error) {
	var endpoints []*Endpoint
	for rows.Next() {
		endpoint := &Endpoint{}
		if err := rows.Scan(&endpoint.ID, &endpoint.Channel, &endpoint.Event,
			&endpoint.Target, &endpoint.Enabled, &endpoint.CreatedAt); err != nil {
			return nil, types.WrapError(err, "failed to scan endpoint")
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, rows.Err()
}
