// Package stepfunctions resumes AWS Step Functions task tokens, for
// deployments that run the rendered state machine instead of the
// in-process orchestrator.
package stepfunctions

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go"

	"github.com/Pbarnett/github-link-up-buddy-sub008/internal/saga"
)

const (
	signingName = "states"
	contentType = "application/x-amz-json-1.0"
	targetScope = "AWSStepFunctions"

	// service limits on SendTaskFailure
	maxErrorLen = 256
	maxCauseLen = 32768
)

// Client sends task results to Step Functions. It satisfies the callback
// gateway's and sweeper's TaskResumer.
type Client struct {
	endpoint string
	region   string
	creds    sdkaws.CredentialsProvider
	http     sdkaws.HTTPClient
	signer   *v4.Signer
	nowFunc  func() time.Time
}

// NewFromConfig builds a Client from a loaded AWS config. A configured
// BaseEndpoint wins over the regional endpoint.
func NewFromConfig(cfg sdkaws.Config) *Client {
	endpoint := fmt.Sprintf("https://states.%s.amazonaws.com/", cfg.Region)
	if cfg.BaseEndpoint != nil && *cfg.BaseEndpoint != "" {
		endpoint = *cfg.BaseEndpoint
	}
	var client sdkaws.HTTPClient = http.DefaultClient
	if cfg.HTTPClient != nil {
		client = cfg.HTTPClient
	}
	return &Client{
		endpoint: endpoint,
		region:   cfg.Region,
		creds:    cfg.Credentials,
		http:     client,
		signer:   v4.NewSigner(),
		nowFunc:  time.Now,
	}
}

type sendTaskSuccessInput struct {
	TaskToken string `json:"taskToken"`
	Output    string `json:"output"`
}

type sendTaskFailureInput struct {
	TaskToken string `json:"taskToken"`
	Error     string `json:"error,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

// SendTaskSuccess completes the waiting task with output as its result.
func (c *Client) SendTaskSuccess(ctx context.Context, taskToken string, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage("{}")
	}
	return c.call(ctx, "SendTaskSuccess", sendTaskSuccessInput{TaskToken: taskToken, Output: string(output)})
}

// SendTaskFailure fails the waiting task; code becomes the error the
// state's Catch matches on.
func (c *Client) SendTaskFailure(ctx context.Context, taskToken, code, cause string) error {
	return c.call(ctx, "SendTaskFailure", sendTaskFailureInput{
		TaskToken: taskToken,
		Error:     truncate(code, maxErrorLen),
		Cause:     truncate(cause, maxCauseLen),
	})
}

func (c *Client) call(ctx context.Context, action string, in any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Amz-Target", targetScope+"."+action)

	if c.creds == nil {
		return fmt.Errorf("%s: no AWS credentials configured", action)
	}
	creds, err := c.creds.Retrieve(ctx)
	if err != nil {
		return fmt.Errorf("%s: retrieve credentials: %w", action, err)
	}
	sum := sha256.Sum256(body)
	if err := c.signer.SignHTTP(ctx, creds, req, hex.EncodeToString(sum[:]), signingName, c.region, c.nowFunc()); err != nil {
		return fmt.Errorf("sign %s: %w", action, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode/100 == 2 {
		return nil
	}
	return fmt.Errorf("%s: %w", action, decodeError(resp, raw))
}

// decodeError maps a JSON protocol error response. Stale and foreign
// tokens map to the saga's token errors so callers treat both engines the
// same way.
func decodeError(resp *http.Response, raw []byte) error {
	var body struct {
		Type    string `json:"__type"`
		Message string `json:"message"`
		Upper   string `json:"Message"`
	}
	_ = json.Unmarshal(raw, &body)
	code := body.Type
	if code == "" {
		code = resp.Header.Get("X-Amzn-ErrorType")
	}
	if i := strings.LastIndex(code, "#"); i >= 0 {
		code = code[i+1:]
	}
	code, _, _ = strings.Cut(code, ":")
	msg := body.Message
	if msg == "" {
		msg = body.Upper
	}

	switch code {
	case "TaskTimedOut", "TaskDoesNotExist":
		return fmt.Errorf("%w: %s", saga.ErrTaskTimedOut, msg)
	case "InvalidToken":
		return fmt.Errorf("%w: %s", saga.ErrInvalidToken, msg)
	}
	if code == "" {
		code = http.StatusText(resp.StatusCode)
	}
	fault := smithy.FaultClient
	if resp.StatusCode >= 500 {
		fault = smithy.FaultServer
	}
	return &smithy.GenericAPIError{Code: code, Message: msg, Fault: fault}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
