// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package logger

import "os"

// Component is an enumeration representing the "components" which can be logged against. A LogLevel can be
// configured on a per-component basis.
type Component int

const (
	// ComponentAll enables logging for every component.
	ComponentAll Component = iota

	// ComponentCommand enables command monitor logging.
	ComponentCommand

	// ComponentTopology enables topology logging.
	ComponentTopology

	// ComponentServerSelection enables server selection logging.
	ComponentServerSelection

	// ComponentConnection enables connection services logging.
	ComponentConnection
)

const (
	mongoDBLogAllEnvVar             = "MONGODB_LOG_ALL"
	mongoDBLogCommandEnvVar         = "MONGODB_LOG_COMMAND"
	mongoDBLogTopologyEnvVar        = "MONGODB_LOG_TOPOLOGY"
	mongoDBLogServerSelectionEnvVar = "MONGODB_LOG_SERVER_SELECTION"
	mongoDBLogConnectionEnvVar      = "MONGODB_LOG_CONNECTION"
)

// componentEnvVarMap maps the environment variable that configures a component's level to the
// component itself.
var componentEnvVarMap = map[string]Component{
	mongoDBLogCommandEnvVar:         ComponentCommand,
	mongoDBLogTopologyEnvVar:        ComponentTopology,
	mongoDBLogServerSelectionEnvVar: ComponentServerSelection,
	mongoDBLogConnectionEnvVar:      ComponentConnection,
}

// getEnvComponentLevels returns a component-to-level mapping defined by the environment
// variables, with "MONGODB_LOG_ALL" taking priority.
func getEnvComponentLevels() map[Component]Level {
	componentLevels := make(map[Component]Level)
	globalLevel := ParseLevel(os.Getenv(mongoDBLogAllEnvVar))

	for envVar, component := range componentEnvVarMap {
		level := globalLevel
		if globalLevel == LevelOff {
			level = ParseLevel(os.Getenv(envVar))
		}
		componentLevels[component] = level
	}

	return componentLevels
}

// ComponentMessage is the interface all structured log payloads implement: which component they
// belong to, the human-readable message, and the key/value pairs handed to the sink.
type ComponentMessage interface {
	Component() Component
	Message() string
	Serialize() []interface{}
}

// Log message literals.
const (
	CommandStarted             = "Command started"
	CommandSucceeded           = "Command succeeded"
	CommandFailed              = "Command failed"
	MessageDropped             = "Message dropped"
	TopologyDescriptionChanged = "Topology description changed"
	ServerSelectionFailed      = "Server selection failed"
)

// CommandStartedMessage is logged when a command is put on the wire.
type CommandStartedMessage struct {
	Name         string
	DatabaseName string
	RequestID    int64
	ServerHost   string
	Command      string
}

// Component implements ComponentMessage.
func (*CommandStartedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (*CommandStartedMessage) Message() string { return CommandStarted }

// Serialize implements ComponentMessage.
func (m *CommandStartedMessage) Serialize() []interface{} {
	return []interface{}{
		messageKey, CommandStarted,
		"commandName", m.Name,
		"databaseName", m.DatabaseName,
		"requestId", m.RequestID,
		"serverHost", m.ServerHost,
		"command", m.Command,
	}
}

// CommandSucceededMessage is logged when a command's reply is decoded cleanly.
type CommandSucceededMessage struct {
	Name       string
	RequestID  int64
	DurationMS int64
	Reply      string
}

// Component implements ComponentMessage.
func (*CommandSucceededMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (*CommandSucceededMessage) Message() string { return CommandSucceeded }

// Serialize implements ComponentMessage.
func (m *CommandSucceededMessage) Serialize() []interface{} {
	return []interface{}{
		messageKey, CommandSucceeded,
		"commandName", m.Name,
		"requestId", m.RequestID,
		"durationMS", m.DurationMS,
		"reply", m.Reply,
	}
}

// CommandFailedMessage is logged when a command fails, either with a server error or a
// transport-level one.
type CommandFailedMessage struct {
	Name       string
	RequestID  int64
	DurationMS int64
	Failure    string
}

// Component implements ComponentMessage.
func (*CommandFailedMessage) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (*CommandFailedMessage) Message() string { return CommandFailed }

// Serialize implements ComponentMessage.
func (m *CommandFailedMessage) Serialize() []interface{} {
	return []interface{}{
		messageKey, CommandFailed,
		"commandName", m.Name,
		"requestId", m.RequestID,
		"durationMS", m.DurationMS,
		"failure", m.Failure,
	}
}

// CommandMessageDropped replaces a message that could not be enqueued because the job buffer was
// full.
type CommandMessageDropped struct{}

// Component implements ComponentMessage.
func (*CommandMessageDropped) Component() Component { return ComponentCommand }

// Message implements ComponentMessage.
func (*CommandMessageDropped) Message() string { return MessageDropped }

// Serialize implements ComponentMessage.
func (*CommandMessageDropped) Serialize() []interface{} {
	return []interface{}{messageKey, MessageDropped}
}

// TopologyDescriptionChangedMessage is logged every time a hello reply or an application error
// produces a new topology description.
type TopologyDescriptionChangedMessage struct {
	PreviousDescription string
	NewDescription      string
}

// Component implements ComponentMessage.
func (*TopologyDescriptionChangedMessage) Component() Component { return ComponentTopology }

// Message implements ComponentMessage.
func (*TopologyDescriptionChangedMessage) Message() string { return TopologyDescriptionChanged }

// Serialize implements ComponentMessage.
func (m *TopologyDescriptionChangedMessage) Serialize() []interface{} {
	return []interface{}{
		messageKey, TopologyDescriptionChanged,
		"previousDescription", m.PreviousDescription,
		"newDescription", m.NewDescription,
	}
}
