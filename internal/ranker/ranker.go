package ranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"

	"solana-yield-agent/internal/strategy"
)

// Decision actions the engine may return.
const (
	ActionExecute = "execute"
	ActionNotify  = "notify"
	ActionSkip    = "skip"
)

// Decision is the engine's verdict on one opportunity, aligned by index
// with the request.
type Decision struct {
	Action     string  `json:"action"`
	Risk       string  `json:"risk"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// Approved pairs an opportunity with the engine's risk classification,
// which the executor uses for position sizing.
type Approved struct {
	Opportunity strategy.Opportunity
	Risk        string
	Confidence  float64
}

// rankItem is the wire form of one opportunity. User IDs stay out of
// the request; alignment by index maps decisions back to owners.
type rankItem struct {
	Strategy               string  `json:"strategy"`
	Action                 string  `json:"action"`
	AmountLamports         uint64  `json:"amount_lamports"`
	ExpectedProfitLamports int64   `json:"expected_profit_lamports"`
	Risk                   string  `json:"risk"`
	ProfitRatio            float64 `json:"profit_ratio"`
}

type rankRequest struct {
	Opportunities []rankItem `json:"opportunities"`
}

type rankResponse struct {
	Decisions []Decision `json:"decisions"`
}

// httpClientPool provides HTTP/2 connection pooling.
type httpClientPool struct {
	clients []*http.Client
	mu      sync.Mutex
	idx     uint32
}

func newHTTPClientPool(size int, timeout time.Duration) *httpClientPool {
	pool := &httpClientPool{
		clients: make([]*http.Client, size),
	}

	for i := 0; i < size; i++ {
		transport := &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		http2.ConfigureTransport(transport)

		pool.clients[i] = &http.Client{
			Transport: transport,
			Timeout:   timeout,
		}
	}

	return pool
}

func (p *httpClientPool) Get() *http.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	client := p.clients[p.idx%uint32(len(p.clients))]
	p.idx++
	return client
}

// Client is a stateless adapter around the external decision engine.
// It carries no opinion of its own unless the engine is unreachable
// and local fallback rules are enabled.
type Client struct {
	baseURL       string
	apiKey        string
	localFallback bool
	clientPool    *httpClientPool
}

// NewClient creates a ranker client. apiKey may be empty; the header is
// then omitted.
func NewClient(baseURL, apiKey string, timeout time.Duration, localFallback bool) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:       baseURL,
		apiKey:        apiKey,
		localFallback: localFallback,
		clientPool:    newHTTPClientPool(2, timeout),
	}
}

// Rank submits the opportunities to the engine and returns the approved
// subset in input order. On engine failure it falls back to local rules
// when enabled, otherwise approves nothing and returns the error.
func (c *Client) Rank(ctx context.Context, opps []strategy.Opportunity) ([]Approved, error) {
	if len(opps) == 0 {
		return nil, nil
	}

	decisions, err := c.rank(ctx, opps)
	if err != nil {
		if !c.localFallback {
			return nil, err
		}
		log.Warn().Err(err).Int("opportunities", len(opps)).Msg("decision engine unreachable, applying local rules")
		decisions = localRules(opps)
	}

	approved := make([]Approved, 0, len(opps))
	for i, d := range decisions {
		if d.Action != ActionExecute {
			continue
		}
		risk := d.Risk
		if risk == "" {
			risk = opps[i].Risk
		}
		approved = append(approved, Approved{
			Opportunity: opps[i],
			Risk:        risk,
			Confidence:  d.Confidence,
		})
	}
	return approved, nil
}

func (c *Client) rank(ctx context.Context, opps []strategy.Opportunity) ([]Decision, error) {
	start := time.Now()

	items := make([]rankItem, len(opps))
	for i, opp := range opps {
		items[i] = rankItem{
			Strategy:               opp.Strategy,
			Action:                 opp.Action,
			AmountLamports:         opp.AmountLamports,
			ExpectedProfitLamports: opp.ExpectedProfitLamports,
			Risk:                   opp.Risk,
			ProfitRatio:            profitRatio(opp),
		}
	}

	body, err := json.Marshal(rankRequest{Opportunities: items})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/rank", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	client := c.clientPool.Get()
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("rank failed (%d): %s", resp.StatusCode, string(raw))
	}

	var out rankResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode decisions: %w", err)
	}
	if len(out.Decisions) != len(opps) {
		return nil, fmt.Errorf("engine returned %d decisions for %d opportunities", len(out.Decisions), len(opps))
	}

	log.Debug().
		Dur("latency", time.Since(start)).
		Int("opportunities", len(opps)).
		Msg("decision engine ranked")

	return out.Decisions, nil
}

// localRules is the offline verdict table: high risk with a thin margin
// is skipped, low risk with a fat margin executes, everything else is
// surfaced to the user without executing.
func localRules(opps []strategy.Opportunity) []Decision {
	decisions := make([]Decision, len(opps))
	for i, opp := range opps {
		ratio := profitRatio(opp)
		switch {
		case opp.Risk == strategy.RiskHigh && ratio < 0.1:
			decisions[i] = Decision{
				Action:     ActionSkip,
				Risk:       opp.Risk,
				Reasoning:  "high risk with low profit ratio (<10%)",
				Confidence: 0.8,
			}
		case opp.Risk == strategy.RiskLow && ratio > 0.2:
			decisions[i] = Decision{
				Action:     ActionExecute,
				Risk:       opp.Risk,
				Reasoning:  "low risk with high profit ratio (>20%)",
				Confidence: 0.7,
			}
		default:
			decisions[i] = Decision{
				Action:     ActionNotify,
				Risk:       opp.Risk,
				Reasoning:  fmt.Sprintf("medium confidence opportunity (%s risk, %.1f%% profit)", opp.Risk, ratio*100),
				Confidence: 0.5,
			}
		}
	}
	return decisions
}

func profitRatio(opp strategy.Opportunity) float64 {
	if opp.AmountLamports == 0 {
		return 0
	}
	return float64(opp.ExpectedProfitLamports) / float64(opp.AmountLamports)
}
