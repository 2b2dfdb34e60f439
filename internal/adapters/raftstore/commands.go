package raftstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/xjson"
)

var errInvalidCommand = errors.New("invalid command")

type CommandType uint8

const (
	CommandCreate CommandType = iota + 1
	CommandNextSequence
	CommandOpenSession
	CommandKeepAlive
	CommandCloseSession
	CommandExpireSession
)

func (c CommandType) String() string {
	switch c {
	case CommandCreate:
		return "CREATE"
	case CommandNextSequence:
		return "NEXT_SEQUENCE"
	case CommandOpenSession:
		return "OPEN_SESSION"
	case CommandKeepAlive:
		return "KEEP_ALIVE"
	case CommandCloseSession:
		return "CLOSE_SESSION"
	case CommandExpireSession:
		return "EXPIRE_SESSION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", c)
	}
}

type CreateOp struct {
	Path  string `json:"path"`
	Value []byte `json:"value,omitempty"`
}

type Command struct {
	Type    CommandType   `json:"type"`
	Ops     []CreateOp    `json:"ops,omitempty"`
	Name    string        `json:"name,omitempty"`
	Session string        `json:"session,omitempty"`
	Path    string        `json:"path,omitempty"`
	Value   []byte        `json:"value,omitempty"`
	TTL     time.Duration `json:"ttl,omitempty"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// needsIdempotencyKey reports whether applying the command twice differs from applying it
// once. Those commands carry a key so a retried write returns the first result.
func (c *Command) needsIdempotencyKey() bool {
	switch c.Type {
	case CommandCreate, CommandNextSequence, CommandOpenSession:
		return true
	default:
		return false
	}
}

// Result codes carried across forwarding so the caller can rebuild sentinel errors.
const (
	codeNodeExists     = "node_exists"
	codeSessionExpired = "session_expired"
	codeNotLeader      = "not_leader"
	codeInvalid        = "invalid"
	codeInternal       = "internal"
)

type CommandResult struct {
	Success  bool   `json:"success"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
	Index    uint64 `json:"index,omitempty"`
	Skipped  bool   `json:"skipped,omitempty"`
}

func NewCreateCommand(ops []CreateOp) *Command {
	return &Command{Type: CommandCreate, Ops: ops}
}

func NewSequenceCommand(name string) *Command {
	return &Command{Type: CommandNextSequence, Name: name}
}

func NewOpenSessionCommand(sessionID, path string, value []byte, ttl time.Duration) *Command {
	return &Command{Type: CommandOpenSession, Session: sessionID, Path: path, Value: value, TTL: ttl}
}

func NewKeepAliveCommand(sessionID string) *Command {
	return &Command{Type: CommandKeepAlive, Session: sessionID}
}

func NewCloseSessionCommand(sessionID string) *Command {
	return &Command{Type: CommandCloseSession, Session: sessionID}
}

func NewExpireSessionCommand(sessionID string) *Command {
	return &Command{Type: CommandExpireSession, Session: sessionID}
}

func (c *Command) Marshal() ([]byte, error) {
	return xjson.Marshal(c)
}

func UnmarshalCommand(data []byte) (*Command, error) {
	var cmd Command
	if err := xjson.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func failure(code string, err error) *CommandResult {
	return &CommandResult{Success: false, Code: code, Error: err.Error()}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrNodeExists):
		return codeNodeExists
	case errors.Is(err, domain.ErrSessionExpired):
		return codeSessionExpired
	case errors.Is(err, domain.ErrNotLeader):
		return codeNotLeader
	case errors.Is(err, errInvalidCommand):
		return codeInvalid
	default:
		return codeInternal
	}
}

// Err rebuilds the error a failed result stands for.
func (r *CommandResult) Err() error {
	if r == nil || r.Success {
		return nil
	}
	switch r.Code {
	case codeNodeExists:
		return domain.ErrNodeExists
	case codeSessionExpired:
		return domain.ErrSessionExpired
	case codeNotLeader:
		return domain.ErrNotLeader
	case codeInvalid:
		return fmt.Errorf("%w: %s", errInvalidCommand, r.Error)
	default:
		return errors.New(r.Error)
	}
}
