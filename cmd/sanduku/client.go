package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"
)

// maxClientResponseBytes caps gateway responses read by one-shot commands.
const maxClientResponseBytes = 64 << 20 // 64 MB, downloads are base64 inline

var (
	clientGatewayURL string
	clientAPIKey     string
	clientTimeout    int
)

// registerClientFlags adds the gateway connection flags shared by every
// one-shot client command.
func registerClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&clientGatewayURL, "gateway-url", "http://localhost:8090", "gateway HTTP API URL")
		cmd.Flags().StringVar(&clientAPIKey, "api-key", "", "API key for gateway authentication (or SANDUKU_API_KEY env)")
		cmd.Flags().IntVar(&clientTimeout, "timeout", 300, "request timeout in seconds")
	}
}

// apiClient is a thin HTTP client for the gateway's /v1 API, used by the
// one-shot commands. The serve process owns all sandbox state; client
// commands never touch the store or the backend directly.
type apiClient struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func newAPIClient() (*apiClient, error) {
	apiKey := goutils.Env("SANDUKU_API_KEY", clientAPIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("API key required (use --api-key or set SANDUKU_API_KEY)")
	}
	baseURL := strings.TrimRight(goutils.Env("SANDUKU_GATEWAY_URL", clientGatewayURL), "/")
	return &apiClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   http.DefaultClient,
	}, nil
}

// clientContext returns a context bounded by the --timeout flag.
func clientContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(clientTimeout)*time.Second)
}

// call performs one JSON request against the gateway and decodes the
// response into out when non-nil.
func (c *apiClient) call(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach gateway at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxClientResponseBytes))
	if err != nil {
		return fmt.Errorf("reading gateway response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
			Kind  string `json:"kind"`
		}
		_ = json.Unmarshal(data, &errBody)
		if errBody.Error != "" {
			if errBody.Kind != "" {
				return fmt.Errorf("%s (%s)", errBody.Error, errBody.Kind)
			}
			return fmt.Errorf("%s", errBody.Error)
		}
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding gateway response: %w", err)
		}
	}
	return nil
}

// sandboxInfo mirrors the gateway's sandbox response shape.
type sandboxInfo struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"`
	State      string    `json:"state"`
	PoolOrigin bool      `json:"pool_origin"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func printSandbox(sb sandboxInfo) {
	fmt.Printf("%s\ttemplate=%s\tstate=%s\texpires=%s\n",
		sb.ID, sb.Template, sb.State, sb.ExpiresAt.Format(time.RFC3339))
}
