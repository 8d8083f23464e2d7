// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package protocol defines the messages the dev server pushes to browsers
// over the HMR WebSocket channel.
//
// Every message is a JSON object keyed by "type". Delivery is
// fire-and-forget; the server never waits for an acknowledgement.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// PayloadType is the "type" discriminator of a Payload.
type PayloadType string

const (
	// TypeConnected is sent once when a client connects.
	TypeConnected PayloadType = "connected"

	// TypeUpdate carries one or more hot updates.
	TypeUpdate PayloadType = "update"

	// TypeFullReload asks clients to reload the page.
	TypeFullReload PayloadType = "full-reload"

	// TypePrune lists modules no longer imported by anything.
	TypePrune PayloadType = "prune"

	// TypeLog carries a message for the browser console.
	TypeLog PayloadType = "log"

	// TypeError reports a server-side failure to the browser.
	TypeError PayloadType = "error"

	// TypePing is the keep-alive text frame clients send.
	TypePing PayloadType = "ping"
)

// UpdateType distinguishes JS and CSS hot updates.
type UpdateType string

const (
	// UpdateJS re-imports a JS boundary module.
	UpdateJS UpdateType = "js-update"

	// UpdateCSS re-imports a stylesheet module.
	UpdateCSS UpdateType = "css-update"
)

// Subprotocol is the WebSocket subprotocol clients request.
const Subprotocol = "vite-hmr"

// ErrUnknownType is returned when decoding a payload with an unknown type.
var ErrUnknownType = errors.New("unknown payload type")

// Update is one boundary to re-fetch.
type Update struct {
	// Type is js-update or css-update.
	Type UpdateType `json:"type"`

	// Path is the URL of the boundary module to re-import.
	Path string `json:"path"`

	// AcceptedPath is the URL of the changed module the boundary accepts.
	// Equal to Path for self-accepting modules.
	AcceptedPath string `json:"acceptedPath"`

	// Timestamp is the cache-busting token to append as "?t=".
	Timestamp int64 `json:"timestamp"`
}

// ErrorInfo describes a server-side failure.
type ErrorInfo struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Plugin  string `json:"plugin,omitempty"`
	ID      string `json:"id,omitempty"`
}

// Payload is one message on the HMR channel.
type Payload struct {
	Type    PayloadType `json:"type"`
	Updates []Update    `json:"updates,omitempty"`
	Path    string      `json:"path,omitempty"`
	Paths   []string    `json:"paths,omitempty"`
	Data    string      `json:"data,omitempty"`
	Err     *ErrorInfo  `json:"err,omitempty"`
}

// Sender delivers payloads to every connected client.
//
// Implementations must deliver payloads to each client in the order Send
// was called.
type Sender interface {
	Send(p Payload)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(p Payload)

// Send calls f(p).
func (f SenderFunc) Send(p Payload) { f(p) }

// Connected builds the greeting sent on connect.
func Connected() Payload {
	return Payload{Type: TypeConnected}
}

// NewUpdate builds an update payload.
func NewUpdate(updates ...Update) Payload {
	return Payload{Type: TypeUpdate, Updates: updates}
}

// FullReload builds a reload payload. path is optional and, when set,
// limits the reload to pages showing that HTML file.
func FullReload(path string) Payload {
	return Payload{Type: TypeFullReload, Path: path}
}

// Prune builds a prune payload.
func Prune(paths []string) Payload {
	return Payload{Type: TypePrune, Paths: paths}
}

// Log builds a console message payload.
func Log(format string, args ...any) Payload {
	return Payload{Type: TypeLog, Data: fmt.Sprintf(format, args...)}
}

// Error builds an error payload.
func Error(info ErrorInfo) Payload {
	return Payload{Type: TypeError, Err: &info}
}

// Decode parses a payload and validates its type.
func Decode(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	switch p.Type {
	case TypeConnected, TypeUpdate, TypeFullReload, TypePrune, TypeLog, TypeError, TypePing:
		return p, nil
	default:
		return Payload{}, fmt.Errorf("%w: %q", ErrUnknownType, p.Type)
	}
}
