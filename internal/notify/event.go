// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/tombee/relay/internal/store"
)

// Event names.
const (
	EventRunSuccess   = "run_success"
	EventRunFailed    = "run_failed"
	EventRunMissedSLA = "run_missed_sla"
)

// IntegrationRef identifies the integration an event is about.
type IntegrationRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Event is the payload delivered to every sink.
type Event struct {
	Event       string         `json:"event"`
	Integration IntegrationRef `json:"integration"`
	ProjectID   string         `json:"projectId"`
	RunID       string         `json:"runId,omitempty"`
	PlannedAt   *time.Time     `json:"plannedAt,omitempty"`
	SLA         string         `json:"sla,omitempty"`
	Error       string         `json:"error,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}

// NewEvent builds an event for a run of in. The timestamp is left for the
// notifier to stamp.
func NewEvent(name string, in *store.Integration, run *store.Run) *Event {
	ev := &Event{Event: name}
	if in != nil {
		ev.Integration = IntegrationRef{ID: in.ID, Name: in.Name}
		ev.ProjectID = in.ProjectID
	}
	if run != nil {
		ev.RunID = run.ID
		planned := run.PlannedAt.UTC()
		ev.PlannedAt = &planned
		if ev.Integration.ID == "" {
			ev.Integration.ID = run.IntegrationID
		}
	}
	return ev
}

// Text renders a one-line human summary, used for Slack messages.
func (e *Event) Text() string {
	name := e.Integration.Name
	if name == "" {
		name = e.Integration.ID
	}

	var b strings.Builder
	switch e.Event {
	case EventRunSuccess:
		fmt.Fprintf(&b, ":white_check_mark: %s succeeded", name)
	case EventRunFailed:
		fmt.Fprintf(&b, ":x: %s failed", name)
	case EventRunMissedSLA:
		fmt.Fprintf(&b, ":warning: %s missed its SLA", name)
		if e.SLA != "" {
			fmt.Fprintf(&b, " of %s", e.SLA)
		}
	default:
		fmt.Fprintf(&b, "%s: %s", e.Event, name)
	}
	if e.PlannedAt != nil {
		fmt.Fprintf(&b, " (planned %s)", e.PlannedAt.Format(time.RFC3339))
	}
	if e.RunID != "" {
		fmt.Fprintf(&b, " run %s", e.RunID)
	}
	if e.Error != "" {
		fmt.Fprintf(&b, ": %s", e.Error)
	}
	return b.String()
}
