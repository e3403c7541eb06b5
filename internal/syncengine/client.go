// Package syncengine is the client side of the sync protocol (spec
// §4.6): pull and push over a thin authenticated HTTP transport,
// bounded retry, and single-flight coalescing of concurrent callers.
// The HTTP client shape (baseURL/token/http.Client/timeout, Bearer
// auth header, JSON body, error translation on non-2xx) is grounded on
// the teacher's HTTPClient (internal/rpc/http_client.go); bounded retry
// uses cenkalti/backoff/v4 and coalescing uses
// golang.org/x/sync/singleflight, both teacher dependencies
// (go.mod requires), applied here to outbound sync calls.
package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/farant/smaragda-sub003/internal/kerrors"
	"github.com/farant/smaragda-sub003/internal/store"
	"github.com/farant/smaragda-sub003/internal/syncserver"
	"github.com/farant/smaragda-sub003/internal/syncwire"
)

// Client pulls from and pushes to a sync server.
type Client struct {
	baseURL    string
	token      string
	deviceID   string
	httpClient *http.Client
	st         *store.Store
	log        *slog.Logger
	sf         singleflight.Group
}

// New constructs a sync Client.
func New(st *store.Store, baseURL, token, deviceID string, timeout time.Duration, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		token:      token,
		deviceID:   deviceID,
		httpClient: &http.Client{Timeout: timeout},
		st:         st,
		log:        log,
	}
}

func (c *Client) doJSON(ctx context.Context, path string, reqBody, respBody interface{}) error {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrValidation, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrTransport, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrTimeout, err.Error())
	}
	defer resp.Body.Close()

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrTransport, err.Error())
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrAuth, "unauthorized")
	}
	if resp.StatusCode == http.StatusConflict {
		var errResp syncwire.ErrorResponse
		_ = json.Unmarshal(respData, &errResp)
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrDivergentRes, errResp.Error)
	}
	if resp.StatusCode >= 400 {
		var errResp syncwire.ErrorResponse
		_ = json.Unmarshal(respData, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return kerrors.Wrap("syncengine.doJSON", kerrors.ErrTransport, msg)
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return kerrors.Wrap("syncengine.doJSON", kerrors.ErrTransport, err.Error())
		}
	}
	return nil
}

// retry wraps fn with cenkalti/backoff/v4's default exponential policy,
// capped to three attempts, matching spec §5's "retries are safe: pull
// is idempotent, push is idempotent."
func retry(ctx context.Context, fn func() error) error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2)
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && (kerrors.Is(err, kerrors.ErrAuth) || kerrors.Is(err, kerrors.ErrDivergentRes) || kerrors.Is(err, kerrors.ErrValidation)) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx))
}

// PullResult summarizes what Pull applied locally.
type PullResult struct {
	Accepted      int
	HighWaterMark int64
}

// Pull fetches everything the server has past the client's recorded
// server_hwm and ingests it locally (spec §4.6 Pull). Concurrent
// callers share one in-flight pull via singleflight.
func (c *Client) Pull(ctx context.Context) (*PullResult, error) {
	v, err, _ := c.sf.Do("pull", func() (interface{}, error) {
		return c.pull(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PullResult), nil
}

func (c *Client) pull(ctx context.Context) (*PullResult, error) {
	state, err := c.st.GetSyncState(ctx, c.baseURL)
	if err != nil {
		return nil, err
	}

	var resp syncwire.PullResponse
	err = retry(ctx, func() error {
		req := syncwire.PullRequest{Since: state.ServerHWM, DeviceID: c.deviceID}
		return c.doJSON(ctx, "/sync/pull", req, &resp)
	})
	if err != nil {
		return nil, err
	}

	accepted, err := syncserver.Ingest(ctx, c.st, c.baseURL, resp.Res, resp.Tessellae)
	if err != nil {
		return nil, err
	}

	if resp.HighWaterMark > state.ServerHWM {
		if err := c.st.SetServerHWM(ctx, c.baseURL, resp.HighWaterMark); err != nil {
			return nil, err
		}
	}

	return &PullResult{Accepted: accepted, HighWaterMark: resp.HighWaterMark}, nil
}

// PushResult summarizes what Push sent and the server's reply.
type PushResult struct {
	Accepted      int
	HighWaterMark int64
}

// Push sends every unpushed locally authored tessella (and the res
// rows they reference) to the server (spec §4.6 Push).
func (c *Client) Push(ctx context.Context) (*PushResult, error) {
	v, err, _ := c.sf.Do("push", func() (interface{}, error) {
		return c.push(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*PushResult), nil
}

func (c *Client) push(ctx context.Context) (*PushResult, error) {
	state, err := c.st.GetSyncState(ctx, c.baseURL)
	if err != nil {
		return nil, err
	}

	unpushed, err := c.st.UnpushedLocal(ctx, state.LastPushedLocalID)
	if err != nil {
		return nil, err
	}
	if len(unpushed) == 0 {
		return &PushResult{HighWaterMark: state.ServerHWM}, nil
	}

	resIDSeen := map[string]bool{}
	var resIDs []string
	var wireTessellae []syncwire.Tessella
	for _, t := range unpushed {
		wireTessellae = append(wireTessellae, syncwire.Tessella{
			ResID: t.ResID, BranchID: t.BranchID, Type: string(t.Type), Data: json.RawMessage(t.Data),
			CreatedAt: t.CreatedAt, Source: t.Source, OriginReplica: t.OriginReplica, OriginLocalID: t.OriginLocalID,
		})
		if !resIDSeen[t.ResID] {
			resIDSeen[t.ResID] = true
			resIDs = append(resIDs, t.ResID)
		}
	}

	resRows, err := c.st.ResForIDs(ctx, resIDs)
	if err != nil {
		return nil, err
	}
	var wireRes []syncwire.Res
	for _, r := range resRows {
		wireRes = append(wireRes, syncwire.Res{ID: r.ID, GenusID: r.GenusID, BranchID: r.BranchID, CreatedAt: r.CreatedAt})
	}

	var resp syncwire.PushResponse
	err = retry(ctx, func() error {
		req := syncwire.PushRequest{DeviceID: c.deviceID, Res: wireRes, Tessellae: wireTessellae}
		return c.doJSON(ctx, "/sync/push", req, &resp)
	})
	if err != nil {
		return nil, err
	}

	maxLocalID := state.LastPushedLocalID
	for _, t := range unpushed {
		if t.ID > maxLocalID {
			maxLocalID = t.ID
		}
	}
	if err := c.st.SetLastPushedLocalID(ctx, c.baseURL, maxLocalID); err != nil {
		return nil, err
	}
	if resp.HighWaterMark > state.ServerHWM {
		if err := c.st.SetServerHWM(ctx, c.baseURL, resp.HighWaterMark); err != nil {
			return nil, err
		}
	}

	return &PushResult{Accepted: resp.Accepted, HighWaterMark: resp.HighWaterMark}, nil
}

// Sync runs Pull then Push, the typical "mutually pull-then-push"
// convergence cycle of spec §4.6.
func (c *Client) Sync(ctx context.Context) (*PullResult, *PushResult, error) {
	pr, err := c.Pull(ctx)
	if err != nil {
		return nil, nil, err
	}
	pu, err := c.Push(ctx)
	if err != nil {
		return pr, nil, err
	}
	return pr, pu, nil
}
