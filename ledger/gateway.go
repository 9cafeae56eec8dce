package ledger

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

	"github.com/decred/slog"
)

// GatewayLedger talks JSON over HTTP to a remote transfer gateway. The
// gateway owns the actual value network; this is a thin accessor.
type GatewayLedger struct {
	base string
	hc   *http.Client
	log  slog.Logger
}

func NewGatewayLedger(baseURL string, log slog.Logger) *GatewayLedger {
	return &GatewayLedger{
		base: strings.TrimRight(baseURL, "/"),
		hc:   &http.Client{Timeout: 15 * time.Second},
		log:  log,
	}
}

func (g *GatewayLedger) doJSON(ctx context.Context, method, path string, req, resp any) error {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, g.base+path, body)
	if err != nil {
		return err
	}
	if req != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpResp, err := g.hc.Do(httpReq)
	if err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("gateway read: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway %s %s: status %d: %s",
			method, path, httpResp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp != nil {
		if err := json.Unmarshal(raw, resp); err != nil {
			return fmt.Errorf("gateway decode: %w", err)
		}
	}
	return nil
}

func (g *GatewayLedger) LatestOrdering(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := g.doJSON(ctx, http.MethodGet, "/v1/ordering", nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (g *GatewayLedger) SubmitTransfer(ctx context.Context, st *SignedTransfer) (Handle, error) {
	var out struct {
		Handle string `json:"handle"`
	}
	if err := g.doJSON(ctx, http.MethodPost, "/v1/transfers", st, &out); err != nil {
		return "", err
	}
	g.log.Debugf("gateway: submitted transfer %s -> %s (%d), handle=%s",
		st.From, st.To, st.Amount, out.Handle)
	return Handle(out.Handle), nil
}

func (g *GatewayLedger) ConfirmTransfer(ctx context.Context, h Handle, orderingToken string) error {
	path := "/v1/transfers/" + url.PathEscape(string(h)) +
		"?token=" + url.QueryEscape(orderingToken)
	// The gateway answers immediately; poll until it reports settled.
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		var out struct {
			Confirmed bool `json:"confirmed"`
		}
		if err := g.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return err
		}
		if out.Confirmed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (g *GatewayLedger) Balance(ctx context.Context, address string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	path := "/v1/balance/" + url.PathEscape(address)
	if err := g.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}
