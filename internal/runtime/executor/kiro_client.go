package executor

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	authkiro "github.com/kirolink/kiro-gateway/internal/auth/kiro"
	"github.com/kirolink/kiro-gateway/internal/config"
)

const (
	kiroBaseURLTemplate    = "https://codewhisperer.%s.amazonaws.com/generateAssistantResponse"
	kiroAmazonQURLTemplate = "https://codewhisperer.%s.amazonaws.com/SendMessageStreaming"
	kiroUsageURLTemplate   = "https://q.%s.amazonaws.com/getUsageLimits"
	kiroDefaultRegion      = "us-east-1"

	// Kiro upstream inspects the user-agent; every component below mirrors
	// what the Kiro IDE's bundled AWS SDK sends.
	kiroSDKVersion      = "1.0.0"
	kiroIDEVersion      = "0.1.25"
	kiroNodeVersion     = "20.16.0"
	kiroOSRelease       = "25.0.0"
	kiroAgentMode       = "vibe"
	fallbackMachineSeed = "KIRO_DEFAULT_MACHINE"
)

// kiroClient owns the upstream HTTP transport: endpoint selection, the
// Kiro IDE header set, and response decompression. Retry policy lives with
// the executor.
type kiroClient struct {
	cfg        *config.Config
	httpClient *http.Client
	machineIDs sync.Map
}

func newKiroClient(cfg *config.Config) *kiroClient {
	proxyURL := ""
	if cfg != nil {
		proxyURL = cfg.ProxyURL
	}
	return &kiroClient{
		cfg:        cfg,
		httpClient: newUpstreamHTTPClient(proxyURL, cfg.RequestTimeout()),
	}
}

// do sends one upstream exchange and returns the response with its body
// wrapped for transparent decompression. The caller owns Close and the
// status check.
func (c *kiroClient) do(ctx context.Context, token *authkiro.KiroTokenStorage, accountID, model string, body []byte) (*http.Response, error) {
	if token == nil {
		return nil, fmt.Errorf("kiro client: token storage missing")
	}

	c.debugDumpPayload("kiro request", body)

	endpoint := c.buildEndpoint(model, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, token, accountID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	decodeBody(resp)
	return resp, nil
}

func (c *kiroClient) buildEndpoint(model string, token *authkiro.KiroTokenStorage) string {
	region := c.resolveRegion(token)
	if strings.HasPrefix(strings.ToLower(model), "amazonq") {
		return fmt.Sprintf(kiroAmazonQURLTemplate, region)
	}
	return fmt.Sprintf(kiroBaseURLTemplate, region)
}

func (c *kiroClient) usageEndpoint(token *authkiro.KiroTokenStorage) string {
	return fmt.Sprintf(kiroUsageURLTemplate, c.resolveRegion(token))
}

// resolveRegion prefers the account's own region (explicit field, then the
// profile ARN), then the configured default.
func (c *kiroClient) resolveRegion(token *authkiro.KiroTokenStorage) string {
	if token != nil {
		if region := strings.TrimSpace(token.Region); region != "" {
			return region
		}
		if region := authkiro.ExtractRegionFromARN(token.ProfileArn); region != "" {
			return region
		}
	}
	if c.cfg != nil {
		if region := strings.TrimSpace(c.cfg.Region); region != "" {
			return region
		}
	}
	return kiroDefaultRegion
}

func (c *kiroClient) applyHeaders(req *http.Request, token *authkiro.KiroTokenStorage, accountID string) {
	machineID := c.machineID(accountID, token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", acceptedEncodings)
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("amz-sdk-invocation-id", uuid.NewString())
	req.Header.Set("amz-sdk-request", "attempt=1; max=1")
	req.Header.Set("x-amzn-kiro-agent-mode", kiroAgentMode)
	req.Header.Set("x-amz-user-agent", fmt.Sprintf("aws-sdk-js/%s KiroIDE-%s-%s", kiroSDKVersion, kiroIDEVersion, machineID))
	req.Header.Set("User-Agent", kiroUserAgent(machineID))
}

// kiroUserAgent renders the full IDE user-agent. The form is bit-exact:
// upstream rejects requests that do not look like the Kiro IDE.
func kiroUserAgent(machineID string) string {
	return fmt.Sprintf("aws-sdk-js/%s ua/2.1 os/%s#%s lang/js md/nodejs#%s api/codewhispererruntime#1.0.0 m/E KiroIDE-%s-%s",
		kiroSDKVersion, runtime.GOOS, kiroOSRelease, kiroNodeVersion, kiroIDEVersion, machineID)
}

// machineID derives a stable per-account machine identifier: the hex SHA-256
// of the first non-empty of account ID, profile ARN, and client ID.
func (c *kiroClient) machineID(accountID string, token *authkiro.KiroTokenStorage) string {
	seed := strings.TrimSpace(accountID)
	if seed == "" && token != nil {
		seed = strings.TrimSpace(token.ProfileArn)
	}
	if seed == "" && token != nil {
		seed = strings.TrimSpace(token.ClientID)
	}
	if seed == "" {
		seed = fallbackMachineSeed
	}
	if cached, ok := c.machineIDs.Load(seed); ok {
		return cached.(string)
	}
	sum := sha256.Sum256([]byte(seed))
	digest := hex.EncodeToString(sum[:])
	c.machineIDs.Store(seed, digest)
	return digest
}

func (c *kiroClient) debugDumpPayload(label string, payload []byte) {
	if c.cfg == nil || !c.cfg.Debug || len(payload) == 0 {
		return
	}
	const limit = 4096
	dump := bytes.TrimSpace(payload)
	truncated := false
	if len(dump) > limit {
		dump = append([]byte{}, dump[:limit]...)
		truncated = true
	} else {
		dump = append([]byte{}, dump...)
	}
	render := sanitizePayloadForLog(dump)
	if render == "" {
		render = "[binary payload omitted]"
	}
	log.WithFields(log.Fields{
		"provider":  "kiro",
		"bytes":     len(payload),
		"truncated": truncated,
	}).Debugf("%s payload: %s", label, render)
}

// sanitizePayloadForLog strips the control bytes AWS event-stream framing
// leaves in a payload so debug dumps stay readable. CRLF collapses to a
// single newline; other C0/C1 controls are dropped.
func sanitizePayloadForLog(payload []byte) string {
	if len(payload) == 0 {
		return ""
	}

	out := make([]byte, 0, len(payload))
	lastWasCR := false

	for _, b := range payload {
		switch {
		case b == '\r':
			if !lastWasCR {
				out = append(out, '\n')
			}
			lastWasCR = true
			continue
		case b == '\n':
			if lastWasCR {
				lastWasCR = false
				continue
			}
			out = append(out, '\n')
			continue
		}

		lastWasCR = false
		switch {
		case b == '\t':
			out = append(out, b)
		case b < 0x20:
			continue
		case b == 0x7f:
			continue
		case b >= 0x80 && b < 0xa0:
			continue
		default:
			out = append(out, b)
		}
	}

	return strings.TrimSpace(string(out))
}
