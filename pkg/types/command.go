package types

import "github.com/pixperk/tasklock/pkg/store"

// type of FSM command
type CommandType uint

const (
	CommandTypeCommit CommandType = iota + 1
)

func (t CommandType) String() string {
	switch t {
	case CommandTypeCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// commits a transaction's buffered mutations atomically
type CommitCmd struct {
	Partition string
	Mutations []store.Mutation
}

func (c CommitCmd) Type() CommandType { return CommandTypeCommit }
