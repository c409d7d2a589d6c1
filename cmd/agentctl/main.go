// agentctl is an operator tool for poking a running agent over its
// command API. It speaks the same routes the chat front-end does, so
// anything it can do is reproducible from the bot side.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
)

const callerHeader = "X-User-ID"

func usage() {
	fmt.Println("Usage: agentctl <command> [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  create <user-id>              create a wallet for a user")
	fmt.Println("  import <user-id> <mnemonic>   import a wallet from a BIP39 phrase")
	fmt.Println("  export <user-id>              export a user's mnemonic")
	fmt.Println("  address <user-id>             show a user's deposit address")
	fmt.Println("  balance <user-id>             show a user's balance")
	fmt.Println("  metrics <user-id>             show a user's performance metrics")
	fmt.Println("  trades <user-id>              show a user's recent trades")
	fmt.Println("  tx <signature>                check a transaction on chain")
	fmt.Println("  leaderboard                   show the anonymized leaderboard")
	fmt.Println("  status                        show the agent's component stats")
	fmt.Println("  health                        show the agent's health report")
	fmt.Println()
	fmt.Println("AGENT_URL overrides the target (default http://127.0.0.1:8080)")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	c := &client{
		baseURL: strings.TrimRight(envOr("AGENT_URL", "http://127.0.0.1:8080"), "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "create":
		err = c.create(args)
	case "import":
		err = c.importWallet(args)
	case "export":
		err = c.export(args)
	case "address":
		err = c.userGet(args, "/v1/wallets/%s/address")
	case "balance":
		err = c.userGet(args, "/v1/wallets/%s/balance")
	case "metrics":
		err = c.userGet(args, "/v1/users/%s/metrics")
	case "trades":
		err = c.userGet(args, "/v1/users/%s/trades")
	case "tx":
		if len(args) < 1 {
			usage()
		}
		err = c.get("/v1/tx/"+args[0], "")
	case "leaderboard":
		err = c.get("/v1/leaderboard", "")
	case "status":
		err = c.get("/status", "")
	case "health":
		err = c.health()
	default:
		usage()
	}

	if err != nil {
		color.Red("❌ %v", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type client struct {
	baseURL string
	http    *http.Client
}

func (c *client) create(args []string) error {
	if len(args) < 1 {
		usage()
	}
	userID := args[0]

	body, status, err := c.do(http.MethodPost, "/v1/wallets", userID,
		map[string]string{"user_id": userID})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return apiError(status, body)
	}

	var res struct {
		PublicKey string `json:"public_key"`
		Mnemonic  string `json:"mnemonic"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}

	color.Green("✅ wallet created")
	fmt.Printf("address:  %s\n", res.PublicKey)
	fmt.Printf("mnemonic: %s\n", res.Mnemonic)
	color.Yellow("⚠️  store the mnemonic now, it is shown only once")
	return nil
}

func (c *client) importWallet(args []string) error {
	if len(args) < 2 {
		usage()
	}
	userID := args[0]
	mnemonic := strings.Join(args[1:], " ")

	body, status, err := c.do(http.MethodPost, "/v1/wallets/import", userID,
		map[string]string{"user_id": userID, "mnemonic": mnemonic})
	if err != nil {
		return err
	}
	if status != http.StatusCreated {
		return apiError(status, body)
	}

	var res struct {
		PublicKey string `json:"public_key"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}

	color.Green("✅ wallet imported")
	fmt.Printf("address: %s\n", res.PublicKey)
	return nil
}

func (c *client) export(args []string) error {
	if len(args) < 1 {
		usage()
	}
	userID := args[0]

	body, status, err := c.do(http.MethodPost, fmt.Sprintf("/v1/wallets/%s/export", userID), userID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}

	var res struct {
		Mnemonic string `json:"mnemonic"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return err
	}

	color.Yellow("⚠️  anyone with this phrase controls the wallet")
	fmt.Println(res.Mnemonic)
	return nil
}

// userGet handles the read-only per-user routes, which only differ in
// path.
func (c *client) userGet(args []string, pathFmt string) error {
	if len(args) < 1 {
		usage()
	}
	userID := args[0]
	return c.get(fmt.Sprintf(pathFmt, userID), userID)
}

func (c *client) get(path, userID string) error {
	body, status, err := c.do(http.MethodGet, path, userID, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return apiError(status, body)
	}
	return printJSON(body)
}

func (c *client) health() error {
	body, status, err := c.do(http.MethodGet, "/health", "", nil)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		color.Green("✅ healthy")
	} else {
		color.Red("❌ unhealthy (%d)", status)
	}
	return printJSON(body)
}

func (c *client) do(method, path, userID string, payload interface{}) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(callerHeader, userID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("agent unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}

func apiError(status int, body []byte) error {
	var res struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &res) == nil && res.Error != "" {
		return fmt.Errorf("%s (%d)", res.Error, status)
	}
	return fmt.Errorf("unexpected response %d: %s", status, strings.TrimSpace(string(body)))
}

func printJSON(body []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(buf.String())
	return nil
}
