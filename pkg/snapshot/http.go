package snapshot

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"
)

// SignatureHeader carries the upstream publisher's base64-encoded
// signature over the SHA-256 digest of the response body.
const SignatureHeader = "Gavel-Signature"

// maxPayloadSize bounds a single source payload.
const maxPayloadSize = 32 << 20

// HTTPFetch returns a FetchFunc that GETs the given URL. A nil client
// uses a default with a 10 second timeout.
func HTTPFetch(client *http.Client, url string) FetchFunc {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (SourceData, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return SourceData{}, fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return SourceData{}, fmt.Errorf("fetch failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return SourceData{}, fmt.Errorf("fetch failed: status %d", resp.StatusCode)
		}

		payload, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadSize+1))
		if err != nil {
			return SourceData{}, fmt.Errorf("failed to read payload: %w", err)
		}
		if len(payload) > maxPayloadSize {
			return SourceData{}, fmt.Errorf("payload exceeds %d bytes", maxPayloadSize)
		}

		sig, err := base64.StdEncoding.DecodeString(resp.Header.Get(SignatureHeader))
		if err != nil {
			return SourceData{}, fmt.Errorf("bad %s header: %w", SignatureHeader, err)
		}

		return SourceData{Payload: payload, Signature: sig}, nil
	}
}
