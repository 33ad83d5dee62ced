package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/quarrydb/quarry-go/wire"
)

// ErrUnauthorized is returned for commands carrying a missing or invalid
// security token while the backend requires authentication.
var ErrUnauthorized = errors.New("unauthorized")

// ErrBadCredentials is returned when an authentication step does not match
// the configured secret for that step.
var ErrBadCredentials = errors.New("invalid credentials")

// ErrUnknownCommand is returned for command names the backend does not serve.
var ErrUnknownCommand = errors.New("unknown command")

// ErrUnknownHandle is returned by fetch for a handle with no open cursor.
var ErrUnknownHandle = errors.New("unknown statement handle")

// MemoryConfig controls the in-memory backend.
type MemoryConfig struct {
	// RequireAuth gates every non-auth command on a valid security token.
	RequireAuth bool
	// AppSecret is the expected first credential step.
	AppSecret string
	// Password is the expected final credential step.
	Password string
	// SigningKey signs issued security tokens (HS256).
	SigningKey []byte
	// TokenTTL bounds the lifetime of issued tokens.
	TokenTTL time.Duration
	// FetchBatch is the default row count per fetch reply.
	FetchBatch int
}

type memTable struct {
	columns []string
	rows    [][]string
}

type memCursor struct {
	table   string
	columns []string
	rows    [][]string
	pos     int
}

type authProgress struct {
	appID     string
	sessionID string
	stepDone  bool
}

// Memory is a toy execution engine: a handful of tables, paged cursors, a
// two-step credential exchange issuing signed tokens, and write
// notifications. It exists so in-process sessions and tests exercise the
// full collaborator contract without a server.
type Memory struct {
	cfg MemoryConfig

	mu       sync.Mutex
	tables   map[string]*memTable
	cursors  map[string]*memCursor
	pending  map[string]*authProgress
	watchers map[int]func(wire.Event)
	watchSeq int
}

// NewMemory builds a Memory backend. Zero-value config yields an
// unauthenticated backend with a batch size of 2.
func NewMemory(cfg MemoryConfig) *Memory {
	if cfg.FetchBatch <= 0 {
		cfg.FetchBatch = 2
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if len(cfg.SigningKey) == 0 {
		cfg.SigningKey = []byte("quarry-memory-backend")
	}
	return &Memory{
		cfg:      cfg,
		tables:   make(map[string]*memTable),
		cursors:  make(map[string]*memCursor),
		pending:  make(map[string]*authProgress),
		watchers: make(map[int]func(wire.Event)),
	}
}

// Exec implements Backend.
func (m *Memory) Exec(ctx context.Context, token, name string, args []string, opts Options) (*wire.Result, error) {
	switch name {
	case "authenticate":
		return m.authenticate(args)
	case "logout":
		return &wire.Result{Done: true}, nil
	}

	if m.cfg.RequireAuth {
		if err := m.verifyToken(token); err != nil {
			return nil, err
		}
	}

	switch name {
	case "execute":
		if len(args) == 0 {
			return nil, fmt.Errorf("execute: missing statement")
		}
		return m.execute(args[0])
	case "fetch":
		if len(args) == 0 {
			return nil, fmt.Errorf("fetch: missing handle")
		}
		return m.fetch(args[0])
	case "close_statement":
		if len(args) > 0 {
			m.mu.Lock()
			delete(m.cursors, args[0])
			m.mu.Unlock()
		}
		return &wire.Result{Done: true}, nil
	case "list_statements":
		return m.listStatements(), nil
	case "subscribe":
		return &wire.Result{Done: true}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
}

// Watch implements EventSource.
func (m *Memory) Watch(fn func(wire.Event)) (cancel func()) {
	m.mu.Lock()
	m.watchSeq++
	id := m.watchSeq
	m.watchers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.watchers, id)
		m.mu.Unlock()
	}
}

func (m *Memory) authenticate(args []string) (*wire.Result, error) {
	if len(args) < 3 {
		return nil, ErrBadCredentials
	}
	appID, sessionID, step := args[0], args[1], args[2]
	key := appID + "/" + sessionID

	m.mu.Lock()
	defer m.mu.Unlock()

	progress, ok := m.pending[key]
	if !ok || !progress.stepDone {
		if step != m.cfg.AppSecret {
			delete(m.pending, key)
			return nil, ErrBadCredentials
		}
		m.pending[key] = &authProgress{appID: appID, sessionID: sessionID, stepDone: true}
		return &wire.Result{
			Token: uuid.NewString(),
			Steps: []string{"credentials"},
		}, nil
	}

	if step != m.cfg.Password {
		delete(m.pending, key)
		return nil, ErrBadCredentials
	}
	delete(m.pending, key)

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   appID,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TokenTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	return &wire.Result{Token: signed, Done: true}, nil
}

func (m *Memory) verifyToken(token string) error {
	if token == "" {
		return ErrUnauthorized
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrUnauthorized
		}
		return m.cfg.SigningKey, nil
	})
	if err != nil || !parsed.Valid {
		return ErrUnauthorized
	}
	return nil
}

func (m *Memory) execute(stmt string) (*wire.Result, error) {
	trimmed := strings.TrimSpace(stmt)
	lower := strings.ToLower(trimmed)

	switch {
	case strings.HasPrefix(lower, "create table "):
		return m.createTable(trimmed)
	case strings.HasPrefix(lower, "insert into "):
		return m.insert(trimmed)
	case strings.HasPrefix(lower, "select "):
		return m.selectFrom(trimmed)
	case strings.HasPrefix(lower, "drop table "):
		return m.dropTable(trimmed)
	}
	return nil, fmt.Errorf("cannot parse statement: %s", trimmed)
}

func (m *Memory) createTable(stmt string) (*wire.Result, error) {
	rest := strings.TrimSpace(stmt[len("create table "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.LastIndex(rest, ")")
	if open < 1 || closeIdx < open {
		return nil, fmt.Errorf("cannot parse statement: %s", stmt)
	}
	name := strings.ToLower(strings.TrimSpace(rest[:open]))
	var columns []string
	for _, col := range strings.Split(rest[open+1:closeIdx], ",") {
		fields := strings.Fields(strings.TrimSpace(col))
		if len(fields) == 0 {
			return nil, fmt.Errorf("cannot parse statement: %s", stmt)
		}
		columns = append(columns, strings.ToLower(fields[0]))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[name]; exists {
		return nil, fmt.Errorf("table %s already exists", name)
	}
	m.tables[name] = &memTable{columns: columns}
	return &wire.Result{Done: true}, nil
}

func (m *Memory) dropTable(stmt string) (*wire.Result, error) {
	name := strings.ToLower(strings.TrimSpace(stmt[len("drop table "):]))

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.tables[name]; !exists {
		return nil, fmt.Errorf("table %s does not exist", name)
	}
	delete(m.tables, name)
	return &wire.Result{Done: true}, nil
}

func (m *Memory) insert(stmt string) (*wire.Result, error) {
	rest := strings.TrimSpace(stmt[len("insert into "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.LastIndex(rest, ")")
	if open < 1 || closeIdx < open {
		return nil, fmt.Errorf("cannot parse statement: %s", stmt)
	}
	name := strings.ToLower(strings.TrimSpace(strings.TrimSuffix(
		strings.TrimSpace(rest[:open]), "values")))
	var row []string
	for _, v := range strings.Split(rest[open+1:closeIdx], ",") {
		row = append(row, strings.Trim(strings.TrimSpace(v), "'\""))
	}

	m.mu.Lock()
	table, exists := m.tables[name]
	if !exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("table %s does not exist", name)
	}
	table.rows = append(table.rows, row)
	watchers := make([]func(wire.Event), 0, len(m.watchers))
	for _, fn := range m.watchers {
		watchers = append(watchers, fn)
	}
	m.mu.Unlock()

	event := wire.Event{Table: name, Op: "write", Row: row}
	for _, fn := range watchers {
		fn(event)
	}
	return &wire.Result{Done: true}, nil
}

func (m *Memory) selectFrom(stmt string) (*wire.Result, error) {
	lower := strings.ToLower(stmt)
	fromIdx := strings.Index(lower, " from ")
	if fromIdx < 0 {
		return nil, fmt.Errorf("cannot parse statement: %s", stmt)
	}
	name := strings.ToLower(strings.TrimSpace(stmt[fromIdx+len(" from "):]))

	m.mu.Lock()
	defer m.mu.Unlock()
	table, exists := m.tables[name]
	if !exists {
		return nil, fmt.Errorf("table %s does not exist", name)
	}

	handle := uuid.NewString()
	snapshot := make([][]string, len(table.rows))
	copy(snapshot, table.rows)
	m.cursors[handle] = &memCursor{
		table:   name,
		columns: table.columns,
		rows:    snapshot,
	}
	return &wire.Result{Handle: handle, Columns: table.columns}, nil
}

func (m *Memory) fetch(handle string) (*wire.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cursor, exists := m.cursors[handle]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	end := cursor.pos + m.cfg.FetchBatch
	if end > len(cursor.rows) {
		end = len(cursor.rows)
	}
	batch := cursor.rows[cursor.pos:end]
	cursor.pos = end
	done := cursor.pos >= len(cursor.rows)
	if done {
		delete(m.cursors, handle)
	}
	return &wire.Result{Rows: batch, Done: done}, nil
}

func (m *Memory) listStatements() *wire.Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := &wire.Result{Columns: []string{"handle", "table"}, Done: true}
	for handle, cursor := range m.cursors {
		result.Rows = append(result.Rows, []string{handle, cursor.table})
	}
	return result
}
