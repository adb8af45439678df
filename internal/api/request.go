// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// =============================================================================
// NAVIGATION CONTEXT
// =============================================================================

// Area classifies the navigation surface a request originates from.
type Area int

const (
	// AreaPublic is a surface available without authentication.
	AreaPublic Area = iota

	// AreaProtected requires an authenticated identity. A 401 with no
	// stored credential here means stale client state, and identity is
	// force-cleared defensively.
	AreaProtected

	// AreaAdmin is the administrative surface; 403 responses here are shown
	// in place instead of redirecting away.
	AreaAdmin
)

// Target is a redirect destination.
type Target string

const (
	// TargetLanding is the public landing surface, used after an
	// unrecoverable renewal failure.
	TargetLanding Target = "/"

	// TargetHome is the safe default area, used on authorization denial.
	TargetHome Target = "/home"
)

// Navigator abstracts the routing layer. The transport only ever asks where
// the user currently is and requests redirects as side effects; it renders
// nothing itself.
type Navigator interface {
	Current() Area
	Redirect(to Target)
}

// SessionSink is the narrow slice of session state the transport may touch.
// It is injected at construction so the transport never imports the session
// package (which itself sits on top of the transport).
type SessionSink interface {
	// ForceClear drops the in-memory identity. Idempotent.
	ForceClear()
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// Request describes one logical backend call. The same Request value is
// replayed after a successful renewal, so it must stay marshalable on every
// attempt.
type Request struct {
	Method string
	Path   string
	Body   any

	// Primary marks a direct user navigation action. Only primary requests
	// redirect on authorization denial; background calls surface the error
	// without yanking the user elsewhere.
	Primary bool

	// Admin marks a call belonging to the administrative surface.
	Admin bool
}

// Get builds a GET request for path.
func Get(path string) *Request {
	return &Request{Method: http.MethodGet, Path: path}
}

// Post builds a POST request with a JSON body.
func Post(path string, body any) *Request {
	return &Request{Method: http.MethodPost, Path: path, Body: body}
}

// Patch builds a PATCH request with a JSON body.
func Patch(path string, body any) *Request {
	return &Request{Method: http.MethodPatch, Path: path, Body: body}
}

// Delete builds a DELETE request for path.
func Delete(path string) *Request {
	return &Request{Method: http.MethodDelete, Path: path}
}

// AsPrimary marks the request as a primary navigation action.
func (r *Request) AsPrimary() *Request {
	r.Primary = true
	return r
}

// Response is a completed backend call.
type Response struct {
	Status int
	Body   []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}
