package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/KomaiX512/accountmanager-gate/internal/data/models"
	gateerrors "github.com/KomaiX512/accountmanager-gate/internal/errors"
	gatetypes "github.com/KomaiX512/accountmanager-gate/internal/types"
	"github.com/KomaiX512/accountmanager-gate/pkg/metric"
	"github.com/rs/zerolog/log"
)

const (
	statusPath         = "/api/1.0/onboarding/status"
	validateAccessPath = "/api/1.0/onboarding/validate-access"
)

// Client talks to the onboarding backend, the only authoritative actor in
// the system. Any transport problem collapses into ErrBackendUnreachable so
// the reconciler can hold prior state without inspecting causes.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) Status(ctx context.Context, owner string, resource gatetypes.Resource) (models.JobStatus, error) {
	query := url.Values{}
	query.Set("owner", owner)
	query.Set("resource", string(resource))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+statusPath+"?"+query.Encode(), nil)
	if err != nil {
		return models.JobStatus{}, err
	}

	var status models.JobStatus
	if err := c.do(req, statusPath, &status); err != nil {
		return models.JobStatus{}, err
	}
	return status, nil
}

func (c *Client) ValidateAccess(ctx context.Context, owner string, resource gatetypes.Resource) (models.AccessVerdict, error) {
	body, err := json.Marshal(map[string]string{
		"owner":    owner,
		"resource": string(resource),
	})
	if err != nil {
		return models.AccessVerdict{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+validateAccessPath, bytes.NewReader(body))
	if err != nil {
		return models.AccessVerdict{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var verdict models.AccessVerdict
	if err := c.do(req, validateAccessPath, &verdict); err != nil {
		return models.AccessVerdict{}, err
	}
	return verdict, nil
}

func (c *Client) do(req *http.Request, path string, out interface{}) error {
	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metric.ObserveBackendCall(path, 0, time.Since(start))
		log.Warn().Err(err).Str("path", path).Msg("onboarding backend call failed")
		return fmt.Errorf("%w: %v", gateerrors.ErrBackendUnreachable, err)
	}
	defer resp.Body.Close()

	metric.ObserveBackendCall(path, resp.StatusCode, time.Since(start))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: unexpected status %d", gateerrors.ErrBackendUnreachable, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: undecodable response: %v", gateerrors.ErrBackendUnreachable, err)
	}
	return nil
}
