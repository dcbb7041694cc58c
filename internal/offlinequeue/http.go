package offlinequeue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"missiontrack/internal/model"
)

// HTTPSender posts a buffer to POST /v1/missions/{id}/sync.
type HTTPSender struct {
	BaseURL  string
	DeviceID string
	Client   *http.Client
}

func NewHTTPSender(baseURL, deviceID string) *HTTPSender {
	return &HTTPSender{BaseURL: strings.TrimRight(baseURL, "/"), DeviceID: deviceID, Client: &http.Client{Timeout: 30 * time.Second}}
}

type syncRequest struct {
	Reports  []model.PositionReport `json:"reports"`
	Commands []model.Command        `json:"commands"`
}

func (h *HTTPSender) Sync(ctx context.Context, missionID string, reports []model.PositionReport, commands []model.Command) (SyncAck, error) {
	body, err := json.Marshal(syncRequest{Reports: reports, Commands: commands})
	if err != nil {
		return SyncAck{}, err
	}
	u := h.BaseURL + "/v1/missions/" + url.PathEscape(missionID) + "/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return SyncAck{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.DeviceID != "" {
		req.Header.Set("X-Device-Id", h.DeviceID)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return SyncAck{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return SyncAck{}, fmt.Errorf("sync %s: status %d: %s", missionID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var ack SyncAck
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return SyncAck{}, fmt.Errorf("decode sync response: %w", err)
	}
	return ack, nil
}
