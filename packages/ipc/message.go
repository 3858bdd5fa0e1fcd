package ipc

import (
	"encoding/json"

	"github.com/abdul-hamid-achik/specrun/packages/core/event"
)

// MessageType tags an Envelope.
type MessageType string

const (
	TypeReadyForOptions     MessageType = "ready-for-options"
	TypeStarting            MessageType = "starting"
	TypeOptions             MessageType = "options"
	TypeRunFile             MessageType = "run-file"
	TypePeerFailed          MessageType = "peer-failed"
	TypeStateChange         MessageType = "state-change"
	TypeSharedWorkerConnect MessageType = "shared-worker-connect"
	TypeSharedWorkerReady   MessageType = "shared-worker-ready"
	TypeSharedWorkerError   MessageType = "shared-worker-error"
	TypeSharedWorkerMessage MessageType = "shared-worker-message"
)

var knownTypes = map[MessageType]bool{
	TypeReadyForOptions:     true,
	TypeStarting:            true,
	TypeOptions:             true,
	TypeRunFile:             true,
	TypePeerFailed:          true,
	TypeStateChange:         true,
	TypeSharedWorkerConnect: true,
	TypeSharedWorkerReady:   true,
	TypeSharedWorkerError:   true,
	TypeSharedWorkerMessage: true,
}

// Known reports whether t is part of the protocol.
func Known(t MessageType) bool {
	return knownTypes[t]
}

// Envelope is the unit exchanged over a Channel. Type selects which of the
// optional fields is set.
type Envelope struct {
	Type         MessageType          `json:"type"`
	Options      *Options             `json:"options,omitempty"`
	File         string               `json:"file,omitempty"`
	LineNumbers  []int                `json:"lineNumbers,omitempty"`
	StateChange  *event.StateChange   `json:"stateChange,omitempty"`
	SharedWorker *SharedWorkerMessage `json:"sharedWorker,omitempty"`
}

// Options is the run configuration a controller hands to a worker.
type Options struct {
	RunID           string   `json:"runId"`
	File            string   `json:"file"`
	LineNumbers     []int    `json:"lineNumbers,omitempty"`
	ProjectDir      string   `json:"projectDir,omitempty"`
	FailFast        bool     `json:"failFast,omitempty"`
	Serial          bool     `json:"serial,omitempty"`
	Match           []string `json:"match,omitempty"`
	UpdateSnapshots bool     `json:"updateSnapshots,omitempty"`
	SnapshotDir     string   `json:"snapshotDir,omitempty"`
	LogLevel        string   `json:"logLevel,omitempty"`
	LogFormat       string   `json:"logFormat,omitempty"`
}

// ForFile returns a copy of o targeting file.
func (o Options) ForFile(file string, lines []int) Options {
	o.File = file
	o.LineNumbers = lines
	return o
}

// SharedWorkerMessage is the payload of the shared-worker-* messages.
type SharedWorkerMessage struct {
	ChannelID   string          `json:"channelId"`
	Name        string          `json:"name,omitempty"`
	InitialData json.RawMessage `json:"initialData,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// StateChangeMessage wraps a state change for sending.
func StateChangeMessage(sc event.StateChange) Envelope {
	return Envelope{Type: TypeStateChange, StateChange: &sc}
}
