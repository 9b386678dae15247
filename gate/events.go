// Copyright 2022 The feedcast Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gate

import (
	"context"
	"time"
)

// FeedEventKind outcome of a gate operation
type FeedEventKind string

// Feed event kinds
const (
	FeedAccepted        FeedEventKind = "feed.accepted"
	FeedRejected        FeedEventKind = "feed.rejected"
	FeedFailed          FeedEventKind = "feed.failed"
	FeedCooldownExpired FeedEventKind = "feed.cooldown_expired"
)

// FeedEvent a gate outcome reported to observers
type FeedEvent struct {
	Kind            FeedEventKind `json:"kind"`
	RequestID       string        `json:"request_id,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
	NextAvailableAt *time.Time    `json:"next_available_at,omitempty"`
	Detail          string        `json:"detail,omitempty"`
}

// FeedObserver handler for FeedEvents. Called synchronously, must not block.
type FeedObserver func(event FeedEvent)

type requestIDKey struct{}

// ContextWithRequestID attach the REST request ID to a context
func ContextWithRequestID(ctxt context.Context, requestID string) context.Context {
	return context.WithValue(ctxt, requestIDKey{}, requestID)
}

// RequestIDFromContext read the REST request ID attached with ContextWithRequestID
func RequestIDFromContext(ctxt context.Context) string {
	if v, ok := ctxt.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}
