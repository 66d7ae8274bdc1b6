// Package webhook parses inbound task announcement payloads from upstream
// job systems into a normalised Announcement struct. Supported shapes are
// the native taskwatch format, the camelCase format mesh frontends emit,
// and CloudEvents envelopes.
package webhook

import (
	"encoding/json"
	"errors"
)

// Announcement represents a parsed task announcement.
type Announcement struct {
	TaskID   string            // e.g. "task-abc"
	Endpoint string            // SSE subscription URL, possibly relative
	Metadata map[string]string // scoping labels, e.g. resourceId, operation
	Source   string            // "generic", "mesh", "cloudevent", "unknown"
	RawEvent string            // original event type if available
}

// ErrEmptyBody is returned when the request body is empty.
var ErrEmptyBody = errors.New("empty request body")

// Parse attempts to detect and parse a task announcement from various
// sources. It tries the CloudEvents envelope, the native format, and the
// mesh frontend format in order. If the body is valid JSON but doesn't
// match any known format, an Announcement with Source "unknown" is
// returned (no error).
func Parse(body []byte) (*Announcement, error) {
	if len(body) == 0 {
		return nil, ErrEmptyBody
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}

	// CloudEvents first, "specversion" is its required discriminator.
	if _, ok := raw["specversion"]; ok {
		if a, err := parseCloudEvent(body); err == nil {
			return a, nil
		}
	}

	// Native format, keyed by "task_id".
	if _, ok := raw["task_id"]; ok {
		if a, err := parseGeneric(body); err == nil {
			return a, nil
		}
	}

	// Mesh frontend format, camelCase "taskId".
	if _, ok := raw["taskId"]; ok {
		if a, err := parseMesh(body); err == nil {
			return a, nil
		}
	}

	// Valid JSON but unrecognised format.
	return &Announcement{Source: "unknown"}, nil
}

// parseGeneric handles the native announcement payload.
//
//	{
//	    "task_id": "task-abc",
//	    "endpoint": "https://mesh.example/sse/subscribe/task-abc",
//	    "metadata": {"resourceId": "project-1", "operation": "upload"}
//	}
func parseGeneric(body []byte) (*Announcement, error) {
	var gen struct {
		TaskID   string            `json:"task_id"`
		Endpoint string            `json:"endpoint"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(body, &gen); err != nil {
		return nil, err
	}
	if gen.TaskID == "" {
		return nil, errors.New("generic: missing task_id field")
	}
	if gen.Endpoint == "" {
		return nil, errors.New("generic: missing endpoint field")
	}

	return &Announcement{
		TaskID:   gen.TaskID,
		Endpoint: gen.Endpoint,
		Metadata: gen.Metadata,
		Source:   "generic",
	}, nil
}

// parseMesh handles payloads from mesh web frontends.
//
//	{
//	    "taskId": "task-abc",
//	    "sseEndpoint": "/sse/subscribe/task-abc",
//	    "metadata": {"resourceId": "project-1"}
//	}
//
// The endpoint may arrive as "endpoint" or "sseEndpoint" and may be
// relative; resolution against the upstream base is the caller's job.
func parseMesh(body []byte) (*Announcement, error) {
	var mesh struct {
		TaskID      string            `json:"taskId"`
		Endpoint    string            `json:"endpoint"`
		SSEEndpoint string            `json:"sseEndpoint"`
		Metadata    map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(body, &mesh); err != nil {
		return nil, err
	}
	if mesh.TaskID == "" {
		return nil, errors.New("mesh: missing taskId field")
	}

	endpoint := mesh.Endpoint
	if endpoint == "" {
		endpoint = mesh.SSEEndpoint
	}
	if endpoint == "" {
		return nil, errors.New("mesh: missing endpoint field")
	}

	return &Announcement{
		TaskID:   mesh.TaskID,
		Endpoint: endpoint,
		Metadata: mesh.Metadata,
		Source:   "mesh",
	}, nil
}

// parseCloudEvent handles CloudEvents 1.0 envelopes.
//
//	{
//	    "specversion": "1.0",
//	    "type": "com.mesh.task.created",
//	    "subject": "task-abc",
//	    "data": {
//	        "endpoint": "https://mesh.example/sse/subscribe/task-abc",
//	        "metadata": {"operation": "upload"}
//	    }
//	}
//
// The task ID comes from data.task_id or data.taskId, falling back to the
// envelope subject.
func parseCloudEvent(body []byte) (*Announcement, error) {
	var ce struct {
		Type    string `json:"type"`
		Subject string `json:"subject"`
		Data    struct {
			TaskID      string            `json:"task_id"`
			TaskIDCamel string            `json:"taskId"`
			Endpoint    string            `json:"endpoint"`
			Metadata    map[string]string `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &ce); err != nil {
		return nil, err
	}

	taskID := ce.Data.TaskID
	if taskID == "" {
		taskID = ce.Data.TaskIDCamel
	}
	if taskID == "" {
		taskID = ce.Subject
	}
	if taskID == "" {
		return nil, errors.New("cloudevent: no task id in data or subject")
	}
	if ce.Data.Endpoint == "" {
		return nil, errors.New("cloudevent: missing data.endpoint field")
	}

	return &Announcement{
		TaskID:   taskID,
		Endpoint: ce.Data.Endpoint,
		Metadata: ce.Data.Metadata,
		Source:   "cloudevent",
		RawEvent: ce.Type,
	}, nil
}
