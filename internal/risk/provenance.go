package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Provenance reports explorer-side facts about a contract: whether its source
// is verified and when it was deployed. A nil Provenance on the analyzer
// treats every token as unverified and makes no age claim.
type Provenance interface {
	IsVerified(ctx context.Context, token string) (bool, error)
	DeployedAt(ctx context.Context, token string) (time.Time, error)
}

const defaultExplorerAPI = "https://api.etherscan.io/v2/api"

// ExplorerProvenance answers provenance queries through an Etherscan-style
// HTTP API. The v2 endpoint serves every supported chain via the chainid
// parameter.
type ExplorerProvenance struct {
	baseURL string
	apiKey  string
	chainID uint64
	client  *http.Client
}

// NewExplorerProvenance builds a client for one chain. An empty baseURL falls
// back to the public Etherscan v2 endpoint.
func NewExplorerProvenance(baseURL, apiKey string, chainID uint64) *ExplorerProvenance {
	if baseURL == "" {
		baseURL = defaultExplorerAPI
	}
	return &ExplorerProvenance{
		baseURL: baseURL,
		apiKey:  apiKey,
		chainID: chainID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *ExplorerProvenance) get(ctx context.Context, params url.Values, out any) error {
	params.Set("chainid", strconv.FormatUint(p.chainID, 10))
	if p.apiKey != "" {
		params.Set("apikey", p.apiKey)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("explorer returned %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// IsVerified asks the explorer for the contract ABI, which it serves only
// for verified source. An explicit "not verified" answer is a clean false;
// anything else (rate limits, bad key) is an error.
func (p *ExplorerProvenance) IsVerified(ctx context.Context, token string) (bool, error) {
	params := url.Values{}
	params.Set("module", "contract")
	params.Set("action", "getabi")
	params.Set("address", token)

	var out struct {
		Status string `json:"status"`
		Result string `json:"result"`
	}
	if err := p.get(ctx, params, &out); err != nil {
		return false, err
	}
	if out.Status == "1" {
		return true, nil
	}
	if strings.Contains(out.Result, "not verified") {
		return false, nil
	}
	return false, fmt.Errorf("explorer: %s", out.Result)
}

// DeployedAt returns the timestamp of the first transaction touching the
// address, which for a contract is its creation.
func (p *ExplorerProvenance) DeployedAt(ctx context.Context, token string) (time.Time, error) {
	params := url.Values{}
	params.Set("module", "account")
	params.Set("action", "txlist")
	params.Set("address", token)
	params.Set("page", "1")
	params.Set("offset", "1")
	params.Set("sort", "asc")

	var out struct {
		Status string `json:"status"`
		Result []struct {
			TimeStamp string `json:"timeStamp"`
		} `json:"result"`
	}
	if err := p.get(ctx, params, &out); err != nil {
		return time.Time{}, err
	}
	if len(out.Result) == 0 {
		return time.Time{}, fmt.Errorf("no transactions recorded for %s", token)
	}
	secs, err := strconv.ParseInt(out.Result[0].TimeStamp, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad creation timestamp %q", out.Result[0].TimeStamp)
	}
	return time.Unix(secs, 0), nil
}
