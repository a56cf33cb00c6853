//go:build ignore

// cbtest drives the circuit breaker scenario against a running gateway and a
// demo backend started with backend.go. It mints an HS256 token with the
// gateway's secret, trips the breaker, waits out the cooldown and checks that
// a single probe closes it again.
//
// Usage:
//
//	go run cbtest.go -gateway http://localhost:8080 -backend http://localhost:8085 \
//	    -secret "$AUTH_HMAC_SECRET" -threshold 3 -cooldown 30s
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorCyan   = "\033[36m"
)

func main() {
	var (
		gatewayURL = flag.String("gateway", "http://localhost:8080", "Gateway URL")
		backendURL = flag.String("backend", "http://localhost:8085", "Demo backend URL (for /fail and /recover)")
		adminURL   = flag.String("admin", "http://localhost:9090", "Gateway admin URL")
		path       = flag.String("path", "/api/order", "Route path to exercise")
		policy     = flag.String("policy", "orderServiceCircuitBreaker", "Policy bound to the route")
		secret     = flag.String("secret", os.Getenv("AUTH_HMAC_SECRET"), "HS256 secret shared with the gateway")
		threshold  = flag.Int("threshold", 3, "Failure threshold of the policy")
		cooldown   = flag.Duration("cooldown", 30*time.Second, "Cooldown of the policy")
	)
	flag.Parse()

	if *secret == "" {
		fail("a -secret (or AUTH_HMAC_SECRET) is required")
	}

	token, err := mintToken(*secret)
	if err != nil {
		fail("mint token: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	target := *gatewayURL + *path

	fmt.Println(colorCyan + "━━━ CIRCUIT BREAKER SCENARIO ━━━" + colorReset)

	phase("PHASE 1: Unauthenticated request is rejected")
	expect(client, target, "", http.StatusUnauthorized)

	phase("PHASE 2: Normal operation")
	control(client, *backendURL+"/recover")
	expect(client, target, token, http.StatusOK)

	phase(fmt.Sprintf("PHASE 3: %d backend failures open the breaker", *threshold))
	control(client, *backendURL+"/fail")
	for i := 0; i < *threshold; i++ {
		expect(client, target, token, http.StatusServiceUnavailable)
	}
	expectState(client, *adminURL, *policy, "OPEN")

	phase("PHASE 4: Open breaker short-circuits without reaching the backend")
	control(client, *backendURL+"/recover")
	expect(client, target, token, http.StatusServiceUnavailable)

	phase(fmt.Sprintf("PHASE 5: Probe after %s cooldown closes the breaker", *cooldown))
	time.Sleep(*cooldown + 500*time.Millisecond)
	expect(client, target, token, http.StatusOK)
	expectState(client, *adminURL, *policy, "CLOSED")

	fmt.Println()
	fmt.Println(colorGreen + "✓ Scenario complete" + colorReset)
}

func mintToken(secret string) (string, error) {
	tok, err := jwt.NewBuilder().
		Subject("cbtest").
		IssuedAt(time.Now()).
		Expiration(time.Now().Add(time.Hour)).
		Build()
	if err != nil {
		return "", err
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(secret)))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

func expect(client *http.Client, url, token string, want int) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		fail("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		fail("request failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != want {
		fail("expected %d, got %d: %s", want, resp.StatusCode, body)
	}
	fmt.Printf(colorGreen+"  ✓ %d"+colorReset+" request_id=%s\n", resp.StatusCode, resp.Header.Get("X-Request-ID"))
}

func expectState(client *http.Client, adminURL, policy, want string) {
	resp, err := client.Get(adminURL + "/breakers")
	if err != nil {
		fmt.Printf(colorYellow+"  ⚠ could not read breaker state: %v\n"+colorReset, err)
		return
	}
	defer resp.Body.Close()

	var breakers map[string]struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&breakers); err != nil {
		fail("decode breaker state: %v", err)
	}

	if got := breakers[policy].State; got != want {
		fail("expected %s to be %s, got %s", policy, want, got)
	}
	fmt.Printf(colorGreen+"  ✓ %s is %s\n"+colorReset, policy, want)
}

func control(client *http.Client, url string) {
	resp, err := client.Post(url, "text/plain", nil)
	if err != nil {
		fail("backend control %s: %v", url, err)
	}
	resp.Body.Close()
}

func phase(name string) {
	fmt.Println()
	fmt.Println(colorBlue + name + colorReset)
}

func fail(format string, args ...any) {
	fmt.Printf(colorRed+"  ✗ "+format+"\n"+colorReset, args...)
	os.Exit(1)
}
