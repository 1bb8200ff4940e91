package api

import gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"

type ErrorResponse struct {
	Error string `json:"error"`
}

type CheckpointRequest struct {
	Owner      string `json:"owner"`
	Resource   string `json:"resource"`
	InstanceID string `json:"instance_id"`
}

type CheckpointResponse struct {
	Blocked          bool   `json:"blocked"`
	Resource         string `json:"resource"`
	RedirectTarget   string `json:"redirect_target,omitempty"`
	RemainingMinutes int    `json:"remaining_minutes,omitempty"`
	WarnOnUnload     bool   `json:"warn_on_unload"`
	Reassert         bool   `json:"reassert"`
	Reason           string `json:"reason"`
}

type ListLeasesResponse struct {
	Data []LeaseView `json:"data"`
}

type LeaseView struct {
	Owner            string            `json:"owner"`
	Resource         string            `json:"resource"`
	StartTime        int64             `json:"start_time"`
	EndTime          int64             `json:"end_time"`
	RemainingMinutes int               `json:"remaining_minutes"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type CreateLeaseRequest struct {
	Owner           string            `json:"owner"`
	Resource        string            `json:"resource"`
	DurationSeconds int64             `json:"duration_seconds"`
	Metadata        map[string]string `json:"metadata"`
}

type OverrideRequest struct {
	Action    gatetypes.OverrideAction `json:"action"`
	Owner     string                   `json:"owner"`
	Resource  string                   `json:"resource"`
	GrantedBy string                   `json:"granted_by"`
	Reason    string                   `json:"reason"`
}

type InstanceRequest struct {
	Action     gatetypes.InstanceAction `json:"action"`
	InstanceID string                   `json:"instance_id"`
	Owner      string                   `json:"owner"`
	Resource   string                   `json:"resource"`
}

type UnloadAdvisoryRequest struct {
	InstanceID string `json:"instance_id"`
}

type UnloadAdvisoryResponse struct {
	Warn      bool     `json:"warn"`
	Resources []string `json:"resources"`
}

type StatusResponse struct {
	Status string `json:"status"`
}
