package config

import (
	"os"
	"testing"
	"time"
)

func TestGetPrimaryRPCURL(t *testing.T) {
	os.Setenv("RPC_API_KEY", "test-api-key")
	defer os.Unsetenv("RPC_API_KEY")

	cfg := &Config{
		RPC: RPCConfig{
			PrimaryURL:       "https://rpc.example.com",
			PrimaryAPIKeyEnv: "RPC_API_KEY",
		},
	}
	m := &Manager{config: cfg}

	// Test case 1: Basic URL
	url := m.GetPrimaryRPCURL()
	expected := "https://rpc.example.com?api_key=test-api-key"
	if url != expected {
		t.Errorf("expected %s, got %s", expected, url)
	}

	// Test case 2: URL with existing query param
	m.config.RPC.PrimaryURL = "https://rpc.example.com?foo=bar"
	url = m.GetPrimaryRPCURL()
	expected = "https://rpc.example.com?foo=bar&api_key=test-api-key"
	if url != expected {
		t.Errorf("expected %s, got %s", expected, url)
	}

	// Test case 3: API key env var missing
	os.Unsetenv("RPC_API_KEY")
	m.config.RPC.PrimaryURL = "https://rpc.example.com"
	url = m.GetPrimaryRPCURL()
	expected = "https://rpc.example.com"
	if url != expected {
		t.Errorf("expected %s, got %s", expected, url)
	}
}

func TestGetFallbackRPCURL(t *testing.T) {
	os.Setenv("FALLBACK_RPC_API_KEY", "test-helius-key")
	defer os.Unsetenv("FALLBACK_RPC_API_KEY")

	cfg := &Config{
		RPC: RPCConfig{
			FallbackURL:       "https://mainnet.helius-rpc.com",
			FallbackAPIKeyEnv: "FALLBACK_RPC_API_KEY",
		},
	}
	m := &Manager{config: cfg}

	// Helius uses api-key param style
	url := m.GetFallbackRPCURL()
	expected := "https://mainnet.helius-rpc.com?api-key=test-helius-key"
	if url != expected {
		t.Errorf("expected %s, got %s", expected, url)
	}
}

func TestGetPricesWSURL(t *testing.T) {
	os.Setenv("RPC_API_KEY", "test-ws-key")
	defer os.Unsetenv("RPC_API_KEY")

	cfg := &Config{
		Prices: PricesConfig{
			WSURL: "wss://feed.example.com",
		},
		RPC: RPCConfig{
			PrimaryAPIKeyEnv: "RPC_API_KEY",
		},
	}
	m := &Manager{config: cfg}

	url := m.GetPricesWSURL()
	expected := "wss://feed.example.com?api_key=test-ws-key"
	if url != expected {
		t.Errorf("expected %s, got %s", expected, url)
	}

	// Empty URL means the feed is disabled and must stay empty
	m.config.Prices.WSURL = ""
	if url = m.GetPricesWSURL(); url != "" {
		t.Errorf("expected empty URL, got %s", url)
	}
}

func TestGetMinTradingBalance(t *testing.T) {
	m := &Manager{config: &Config{
		Scheduler: SchedulerConfig{MinTradingBalanceSol: 0.01},
	}}

	if got := m.GetMinTradingBalance(); got != 10_000_000 {
		t.Errorf("expected 10000000 lamports, got %d", got)
	}
}

func TestGetPriceCacheTTLClamped(t *testing.T) {
	m := &Manager{config: &Config{}}

	cases := []struct {
		secs int
		want time.Duration
	}{
		{30, 60 * time.Second},
		{300, 300 * time.Second},
		{900, 600 * time.Second},
	}
	for _, c := range cases {
		m.config.Prices.CacheTTLSeconds = c.secs
		if got := m.GetPriceCacheTTL(); got != c.want {
			t.Errorf("ttl %d: expected %v, got %v", c.secs, c.want, got)
		}
	}
}

func TestGetScanIntervalFloor(t *testing.T) {
	m := &Manager{config: &Config{
		Scheduler: SchedulerConfig{ScanIntervalSeconds: 2, MinIntervalSeconds: 5},
	}}

	if got := m.GetScanInterval(); got != 5*time.Second {
		t.Errorf("expected 5s floor, got %v", got)
	}

	m.config.Scheduler.ScanIntervalSeconds = 300
	if got := m.GetScanInterval(); got != 300*time.Second {
		t.Errorf("expected 300s, got %v", got)
	}
}
