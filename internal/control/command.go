// Package control est la frontière avec les collaborateurs externes (plugin
// hôte, détection de changements) : commandes en entrée, notifications en
// sortie. Les deux sont des structures JSON simples, transportées en mémoire
// ou via le endpoint websocket de Server.
package control

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOp      = errors.New("unknown control operation")
	ErrInvalidCommand = errors.New("invalid control command")
)

// Op est l'opération portée par une Command.
type Op string

const (
	OpConnect         Op = "connect"
	OpDisconnect      Op = "disconnect"
	OpTransferRequest Op = "transfer_request"
	OpCancel          Op = "cancel"
	OpUpdateTimeout   Op = "update_timeout"
)

// Command est une instruction pour un scheduler. Seuls les champs de Op sont lus.
type Command struct {
	Op Op `json:"op"`

	PeerID    string   `json:"peer_id,omitempty"`
	Endpoints []string `json:"endpoints,omitempty"`
	PublicKey string   `json:"public_key,omitempty"` // DER SubjectPublicKeyInfo en hexadécimal

	SourceFileID  string `json:"source_file_id,omitempty"`
	DestPath      string `json:"dest_path,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	// Cancel : une tâche (TaskID), un transfert (CorrelationID) ou tout (All).
	TaskID string `json:"task_id,omitempty"`
	All    bool   `json:"all,omitempty"`

	Seconds float64 `json:"seconds,omitempty"`
}

func Connect(peerID string, endpoints ...string) Command {
	return Command{Op: OpConnect, PeerID: peerID, Endpoints: endpoints}
}

func Disconnect(peerID string) Command {
	return Command{Op: OpDisconnect, PeerID: peerID}
}

func TransferRequest(sourceFileID, destPath, peerID, correlationID string) Command {
	return Command{Op: OpTransferRequest, SourceFileID: sourceFileID, DestPath: destPath, PeerID: peerID, CorrelationID: correlationID}
}

func CancelTask(taskID string) Command { return Command{Op: OpCancel, TaskID: taskID} }

func CancelCorrelation(correlationID string) Command {
	return Command{Op: OpCancel, CorrelationID: correlationID}
}

func CancelAll() Command { return Command{Op: OpCancel, All: true} }

func UpdateTimeout(seconds float64) Command {
	return Command{Op: OpUpdateTimeout, Seconds: seconds}
}

// Validate vérifie les champs requis par Op.
func (c Command) Validate() error {
	switch c.Op {
	case OpConnect:
		if c.PeerID == "" || len(c.Endpoints) == 0 {
			return fmt.Errorf("%w: connect needs peer_id and at least one endpoint", ErrInvalidCommand)
		}
		for _, ep := range c.Endpoints {
			if ep == "" {
				return fmt.Errorf("%w: empty endpoint for peer %s", ErrInvalidCommand, c.PeerID)
			}
		}
	case OpDisconnect:
		if c.PeerID == "" {
			return fmt.Errorf("%w: disconnect needs peer_id", ErrInvalidCommand)
		}
	case OpTransferRequest:
		if c.SourceFileID == "" || c.DestPath == "" || c.PeerID == "" || c.CorrelationID == "" {
			return fmt.Errorf("%w: transfer_request needs source_file_id, dest_path, peer_id and correlation_id", ErrInvalidCommand)
		}
	case OpCancel:
		if !c.All && c.TaskID == "" && c.CorrelationID == "" {
			return fmt.Errorf("%w: cancel needs task_id, correlation_id or all", ErrInvalidCommand)
		}
	case OpUpdateTimeout:
		if c.Seconds <= 0 {
			return fmt.Errorf("%w: update_timeout needs a positive number of seconds", ErrInvalidCommand)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOp, c.Op)
	}
	return nil
}

// CommandSink reçoit les commandes; implémenté par le scheduler.
type CommandSink interface {
	Submit(Command) error
}
