// Package awsbedrock implements proxyexec.Client for Claude models hosted on
// AWS Bedrock. By the time Do/DoStream see it, preprocess.TranslateBodyStage
// has already rewritten the request into the prompt/max_tokens_to_sample
// shape Claude-on-Bedrock's InvokeModel expects; buildRequest only strips
// the model field back out (Bedrock takes it as a path segment, not a body
// field). Every call is SigV4-signed against the region-specific
// bedrock-runtime host; streaming responses arrive framed as AWS's binary
// vnd.amazon.eventstream rather than SSE, decoded with
// aws-sdk-go-v2/aws/protocol/eventstream instead of this package's sibling
// SSELineReader.
package awsbedrock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/protocol/eventstream"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/credentials"

	"github.com/relayhaus/llmrelay/pkg/keypool"
	"github.com/relayhaus/llmrelay/pkg/preprocess"
	"github.com/relayhaus/llmrelay/pkg/provider"
	"github.com/relayhaus/llmrelay/pkg/proxyexec"
)

const service = "bedrock"

// Client signs and forwards requests to Bedrock's InvokeModel family of
// APIs. The host is derived per-request from the key's region, since a key
// pool can mix keys across regions.
type Client struct {
	httpClient *http.Client
	signer     *v4.Signer
}

// New creates a Bedrock client.
func New() *Client {
	return &Client{httpClient: provider.NewHTTPClient(), signer: v4.NewSigner()}
}

// credentialsFromKey splits the AWS access key pair out of the key record.
// Key.Secret is formatted "<access-key-id>:<secret-access-key>" for AWS
// entries in the key pool, the same convention internal/app's awsKeysFrom
// uses when loading AWS credentials from config.
func credentialsFromKey(key *keypool.Key) (aws.Credentials, error) {
	parts := strings.SplitN(key.Secret, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return aws.Credentials{}, fmt.Errorf("awsbedrock: key %q is not in accessKeyID:secretAccessKey form", key.ID)
	}
	staticProvider := credentials.NewStaticCredentialsProvider(parts[0], parts[1], "")
	return staticProvider.Retrieve(context.Background())
}

func host(region string) string {
	return fmt.Sprintf("bedrock-runtime.%s.amazonaws.com", region)
}

func modelID(body map[string]any) string {
	if m, ok := body["model"].(string); ok && m != "" {
		return m
	}
	return "anthropic.claude-v2"
}

func (c *Client) sign(ctx context.Context, req *http.Request, payload []byte, key *keypool.Key) error {
	creds, err := credentialsFromKey(key)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(payload)
	payloadHash := hex.EncodeToString(sum[:])
	return c.signer.SignHTTP(ctx, creds, req, payloadHash, service, key.Region, time.Now())
}

func (c *Client) buildRequest(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key, streaming bool) (*http.Request, error) {
	body := make(map[string]any, len(out.Body))
	for k, v := range out.Body {
		if k == "model" {
			continue
		}
		body[k] = v
	}

	wire, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	action := "invoke"
	if streaming {
		action = "invoke-with-response-stream"
	}
	u := fmt.Sprintf("https://%s/model/%s/%s", host(key.Region), modelID(out.Body), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(wire))
	if err != nil {
		return nil, err
	}
	for k, v := range out.Headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if err := c.sign(ctx, req, wire, key); err != nil {
		return nil, err
	}
	return req, nil
}

// Do issues a buffered InvokeModel call.
func (c *Client) Do(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (*proxyexec.UpstreamResponse, error) {
	req, err := c.buildRequest(ctx, out, key, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	status, header, body, err := provider.BufferedResponse(resp)
	if err != nil {
		return nil, err
	}
	return &proxyexec.UpstreamResponse{StatusCode: status, Header: header, Body: body}, nil
}

// DoStream issues an InvokeModelWithResponseStream call. A non-2xx initial
// response is returned buffered, same as every other provider's contract;
// a 2xx response's body is AWS's binary event-stream framing, decoded chunk
// by chunk in a background goroutine.
func (c *Client) DoStream(ctx context.Context, out *preprocess.OutgoingRequest, key *keypool.Key) (<-chan proxyexec.StreamEvent, *proxyexec.UpstreamResponse, error) {
	req, err := c.buildRequest(ctx, out, key, true)
	if err != nil {
		return nil, nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status, header, body, err := provider.BufferedResponse(resp)
		if err != nil {
			return nil, nil, err
		}
		return nil, &proxyexec.UpstreamResponse{StatusCode: status, Header: header, Body: body}, nil
	}

	events := make(chan proxyexec.StreamEvent)
	go pumpEventStream(resp, events)

	return events, &proxyexec.UpstreamResponse{StatusCode: resp.StatusCode, Header: resp.Header}, nil
}

// bedrockChunk is the payload of each "chunk" event-stream message: base64
// model output under "bytes".
type bedrockChunk struct {
	Bytes string `json:"bytes"`
}

func pumpEventStream(resp *http.Response, events chan<- proxyexec.StreamEvent) {
	defer close(events)
	defer func() { _ = resp.Body.Close() }()

	decoder := eventstream.NewDecoder(resp.Body)
	var buf []byte
	for {
		msg, err := decoder.Decode(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				events <- proxyexec.StreamEvent{Err: err}
			}
			return
		}

		eventType := headerValue(msg.Headers, ":event-type")
		switch eventType {
		case "chunk":
			var chunk bedrockChunk
			if err := json.Unmarshal(msg.Payload, &chunk); err != nil {
				events <- proxyexec.StreamEvent{Err: fmt.Errorf("awsbedrock: decoding chunk envelope: %w", err)}
				return
			}
			data, err := base64.StdEncoding.DecodeString(chunk.Bytes)
			if err != nil {
				events <- proxyexec.StreamEvent{Err: fmt.Errorf("awsbedrock: decoding chunk payload: %w", err)}
				return
			}
			events <- proxyexec.StreamEvent{Data: data}
		case "exception", "modelStreamErrorException", "internalServerException":
			events <- proxyexec.StreamEvent{Err: fmt.Errorf("awsbedrock: upstream stream error: %s", string(msg.Payload))}
			return
		}
	}
}

func headerValue(headers eventstream.Headers, name string) string {
	for _, h := range headers {
		if h.Name == name {
			if s, ok := h.Value.Get().(string); ok {
				return s
			}
		}
	}
	return ""
}
