// Command healthcheck probes the bot's ops endpoint for container HEALTHCHECK use.
// It exits 0 on a 200 response and 1 otherwise.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	client := &http.Client{Timeout: 3 * time.Second}
	ctx := context.Background()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL(os.Getenv), nil)
	if err != nil {
		os.Exit(1)
	}
	resp, err := client.Do(req)
	if err != nil {
		os.Exit(1)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Printf("failed to close response body: %v", err)
		}
	}()
	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

// probeURL honours HEALTHCHECK_URL, else targets /healthz on the port from HTTP_ADDR.
// HEALTHCHECK_PATH=/readyz switches to the readiness probe.
func probeURL(getenv func(string) string) string {
	if u := getenv("HEALTHCHECK_URL"); u != "" {
		return u
	}
	port := "8080"
	if addr := getenv("HTTP_ADDR"); addr != "" {
		if i := strings.LastIndex(addr, ":"); i >= 0 && i < len(addr)-1 {
			port = addr[i+1:]
		}
	}
	path := getenv("HEALTHCHECK_PATH")
	if path == "" {
		path = "/healthz"
	}
	return "http://localhost:" + port + path
}
