// Copyright (C) MongoDB, Inc. 2017-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

// Package auth implements the SASL-conversation authenticators this driver speaks during a
// connection's handshake.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/xdg-go/scram"
	"github.com/xdg-go/stringprep"

	"github.com/mongocore/driver/x/bsonx/bsoncore"
	"github.com/mongocore/driver/x/mongo/driver"
)

// Mechanism names this package implements.
const (
	ScramSHA1   = "SCRAM-SHA-1"
	ScramSHA256 = "SCRAM-SHA-256"
)

// ErrUnsupportedMechanism is returned by NewScramAuthenticator for any mechanism name other than
// ScramSHA1/ScramSHA256.
var ErrUnsupportedMechanism = errors.New("auth: unsupported mechanism")

// ScramAuthenticator authenticates a connection via a saslStart/saslContinue conversation using
// the SCRAM-SHA-1 or SCRAM-SHA-256 mechanism.
type ScramAuthenticator struct {
	mechanism string
	source    string
	username  string
	password  string
}

// NewScramAuthenticator constructs a ScramAuthenticator for mechanism against source (the
// authentication database, "admin" if empty).
func NewScramAuthenticator(mechanism, source, username, password string) (*ScramAuthenticator, error) {
	switch mechanism {
	case ScramSHA1, ScramSHA256:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMechanism, mechanism)
	}
	if source == "" {
		source = "admin"
	}
	return &ScramAuthenticator{mechanism: mechanism, source: source, username: username, password: password}, nil
}

// Mechanism returns the mechanism name this authenticator negotiates.
func (a *ScramAuthenticator) Mechanism() string { return a.mechanism }

func (a *ScramAuthenticator) hashFn() scram.HashGeneratorFcn {
	if a.mechanism == ScramSHA256 {
		return scram.SHA256
	}
	return scram.SHA1
}

// preppedPassword applies SASLprep to the password for SCRAM-SHA-256, per RFC 5802; SCRAM-SHA-1
// authenticates against the pre-SASLprep MONGODB-CR password hash and is sent raw. A password
// that fails to prep (disallowed codepoints) is sent as-is, matching the server's own fallback.
func (a *ScramAuthenticator) preppedPassword() string {
	if a.mechanism != ScramSHA256 {
		return a.password
	}
	prepped, err := stringprep.SASLprep.Prepare(a.password)
	if err != nil {
		return a.password
	}
	return prepped
}

// Authenticate runs the SCRAM conversation over conn via saslStart/saslContinue.
func (a *ScramAuthenticator) Authenticate(ctx context.Context, conn driver.Connection) error {
	client, err := a.hashFn().NewClient(a.username, a.preppedPassword(), "")
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	convo := client.NewConversation()

	payload, err := convo.Step("")
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	resp, err := a.saslStart(ctx, conn, []byte(payload))
	if err != nil {
		return err
	}

	for {
		if resp.done && convo.Done() {
			return nil
		}
		next, err := convo.Step(string(resp.payload))
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
		if resp.done && convo.Done() {
			return nil
		}
		resp, err = a.saslContinue(ctx, conn, resp.conversationID, []byte(next))
		if err != nil {
			return err
		}
	}
}

type saslResponse struct {
	conversationID int32
	done           bool
	payload        []byte
}

func (a *ScramAuthenticator) saslStart(ctx context.Context, conn driver.Connection, payload []byte) (saslResponse, error) {
	return a.runSaslCommand(ctx, conn, func(dst *bsoncore.DocumentBuilder) error {
		dst.AppendInt32("saslStart", 1)
		dst.AppendString("mechanism", a.mechanism)
		dst.AppendBinary("payload", 0x00, payload)
		dst.AppendBoolean("autoAuthorize", true)
		return nil
	})
}

func (a *ScramAuthenticator) saslContinue(ctx context.Context, conn driver.Connection, conversationID int32, payload []byte) (saslResponse, error) {
	return a.runSaslCommand(ctx, conn, func(dst *bsoncore.DocumentBuilder) error {
		dst.AppendInt32("saslContinue", 1)
		dst.AppendInt32("conversationId", conversationID)
		dst.AppendBinary("payload", 0x00, payload)
		return nil
	})
}

func (a *ScramAuthenticator) runSaslCommand(ctx context.Context, conn driver.Connection, cmdFn driver.AppendCommandFn) (saslResponse, error) {
	op := &driver.Operation{
		CommandFn:  cmdFn,
		Database:   a.source,
		Deployment: driver.SingleConnectionDeployment{Conn: conn},
		Type:       driver.Read,
	}
	reply, err := op.Execute(ctx)
	if err != nil {
		return saslResponse{}, fmt.Errorf("auth: %w", err)
	}
	return parseSaslResponse(reply)
}

func parseSaslResponse(reply bsoncore.Document) (saslResponse, error) {
	var resp saslResponse
	elems, err := reply.Elements()
	if err != nil {
		return resp, fmt.Errorf("auth: malformed sasl reply: %w", err)
	}
	for _, elem := range elems {
		switch elem.Key() {
		case "conversationId":
			if v, ok := elem.Value().Int32(); ok {
				resp.conversationID = v
			}
		case "done":
			if b, ok := elem.Value().Boolean(); ok {
				resp.done = b
			}
		case "payload":
			if _, data, ok := elem.Value().Binary(); ok {
				resp.payload = data
			}
		}
	}
	return resp, nil
}
