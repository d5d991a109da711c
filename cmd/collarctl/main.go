package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// collarctl is a thin operator client for the collar gateway. It mints a
// short-lived bearer token from the shared HMAC secret and forwards one API
// call per invocation.

const usage = `usage: collarctl [flags] <command> [args]

commands:
  price                                 current oracle price
  account <address>                     account balances
  credit <address> <cash> <collateral>  credit a bridged deposit (admin)
  offer <id>                            inspect a provider offer
  position <id>                         inspect a taker position
  settle <position-id>                  settle an expired position
  loan <id>                             inspect a loan

flags:
`

type client struct {
	base    string
	secret  string
	subject string
	scope   string
	http    *http.Client
}

func main() {
	base := flag.String("gateway", envOr("COLLARCTL_GATEWAY", "http://localhost:8080"), "gateway base URL")
	secret := flag.String("secret", os.Getenv("COLLARCTL_SECRET"), "auth HMAC secret (empty sends no token)")
	subject := flag.String("subject", os.Getenv("COLLARCTL_SUBJECT"), "token subject, the acting address")
	scope := flag.String("scope", "admin provide trade", "token scopes")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	c := &client{
		base:    *base,
		secret:  *secret,
		subject: *subject,
		scope:   *scope,
		http:    &http.Client{Timeout: 15 * time.Second},
	}

	if err := c.run(args[0], args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "collarctl: %v\n", err)
		os.Exit(1)
	}
}

func (c *client) run(command string, args []string) error {
	switch command {
	case "price":
		return c.call(http.MethodGet, "/v1/price", nil)
	case "account":
		if len(args) != 1 {
			return fmt.Errorf("account requires an address")
		}
		return c.call(http.MethodGet, "/v1/accounts/"+args[0], nil)
	case "credit":
		if len(args) != 3 {
			return fmt.Errorf("credit requires address, cash and collateral amounts")
		}
		return c.call(http.MethodPost, "/v1/accounts/"+args[0]+"/credit", map[string]string{
			"cash":       args[1],
			"collateral": args[2],
		})
	case "offer":
		if len(args) != 1 {
			return fmt.Errorf("offer requires an id")
		}
		return c.call(http.MethodGet, "/v1/offers/"+args[0], nil)
	case "position":
		if len(args) != 1 {
			return fmt.Errorf("position requires an id")
		}
		return c.call(http.MethodGet, "/v1/positions/"+args[0], nil)
	case "settle":
		if len(args) != 1 {
			return fmt.Errorf("settle requires a position id")
		}
		return c.call(http.MethodPost, "/v1/positions/"+args[0]+"/settle", nil)
	case "loan":
		if len(args) != 1 {
			return fmt.Errorf("loan requires an id")
		}
		return c.call(http.MethodGet, "/v1/loans/"+args[0], nil)
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func (c *client) call(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		token, err := c.mintToken()
		if err != nil {
			return fmt.Errorf("mint token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("gateway returned %d: %s", res.StatusCode, bytes.TrimSpace(raw))
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func (c *client) mintToken() (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss":   "collar-gateway",
		"sub":   c.subject,
		"scope": c.scope,
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
	})
	return token.SignedString([]byte(c.secret))
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
