package policynet

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/cresconet/loadctl/pkg/config"
	"github.com/cresconet/loadctl/pkg/version"
)

// soapTimeFormat is what the head-end expects for policy windows.
const soapTimeFormat = time.RFC3339

// Client is the SOAP implementation of Provider. Transport failures are
// retried with exponential backoff; sustained head-end outages trip a
// circuit breaker so workflow workers fail fast instead of piling up on
// a dead endpoint.
type Client struct {
	cfg     *config.PolicyNetConfig
	httpc   *http.Client
	session *sessionManager
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a head-end client from configuration.
func NewClient(cfg *config.PolicyNetConfig, logger *slog.Logger) *Client {
	c := &Client{
		cfg:    cfg,
		httpc:  &http.Client{Timeout: cfg.CallTimeout},
		logger: logger.With("component", "policynet"),
	}
	c.session = newSessionManager(c.login, cfg.SessionLifetime)
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "policynet",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 30 * time.Second,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				breakerState.Set(1)
			} else {
				breakerState.Set(0)
			}
			c.logger.Warn("head-end breaker state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return c
}

var _ Provider = (*Client)(nil)

// CreatePolicy registers a new override policy with the head-end.
func (c *Client) CreatePolicy(ctx context.Context, in CreateInput) (*CallResult, error) {
	return c.createPolicy(ctx, in, 0)
}

// ReplacePolicy registers a policy superseding an existing one.
func (c *Client) ReplacePolicy(ctx context.Context, in CreateInput, replacesPolicyID int64) (*CallResult, error) {
	return c.createPolicy(ctx, in, replacesPolicyID)
}

func (c *Client) createPolicy(ctx context.Context, in CreateInput, replacesPolicyID int64) (*CallResult, error) {
	env, err := c.call(ctx, "CreatePolicy", createPolicyRequest{
		PolicyName:       in.PolicyName,
		Site:             in.Site,
		Meters:           in.Meters,
		SwitchState:      strings.ToUpper(in.Status),
		StartTime:        in.Start.UTC().Format(soapTimeFormat),
		EndTime:          in.End.UTC().Format(soapTimeFormat),
		ReplacesPolicyID: replacesPolicyID,
	})
	if err != nil {
		return nil, err
	}
	if env.Body.Policy == nil {
		return nil, fmt.Errorf("head-end returned no CreatePolicyResponse")
	}
	return env.Body.Policy.toCallResult(), nil
}

// DeployPolicy pushes a created policy out to the meter.
func (c *Client) DeployPolicy(ctx context.Context, policyID int64) (*CallResult, error) {
	env, err := c.call(ctx, "DeployPolicy", policyActionRequest{
		XMLName:  xml.Name{Local: "DeployPolicy"},
		PolicyID: policyID,
	})
	if err != nil {
		return nil, err
	}
	if env.Body.Deploy == nil {
		return nil, fmt.Errorf("head-end returned no DeployPolicyResponse")
	}
	return env.Body.Deploy.toCallResult(), nil
}

// UndeployPolicy withdraws a deployed policy from the meter.
func (c *Client) UndeployPolicy(ctx context.Context, policyID int64) (*CallResult, error) {
	env, err := c.call(ctx, "UndeployPolicy", policyActionRequest{
		XMLName:  xml.Name{Local: "UndeployPolicy"},
		PolicyID: policyID,
	})
	if err != nil {
		return nil, err
	}
	if env.Body.Undeploy == nil {
		return nil, fmt.Errorf("head-end returned no UndeployPolicyResponse")
	}
	return env.Body.Undeploy.toCallResult(), nil
}

// DeletePolicy removes a policy from the head-end entirely.
func (c *Client) DeletePolicy(ctx context.Context, policyID int64) (*CallResult, error) {
	env, err := c.call(ctx, "DeletePolicy", policyActionRequest{
		XMLName:  xml.Name{Local: "DeletePolicy"},
		PolicyID: policyID,
	})
	if err != nil {
		return nil, err
	}
	if env.Body.Delete == nil {
		return nil, fmt.Errorf("head-end returned no DeletePolicyResponse")
	}
	return env.Body.Delete.toCallResult(), nil
}

// PolicyExists asks the head-end whether it still knows the policy.
func (c *Client) PolicyExists(ctx context.Context, policyID int64) (bool, error) {
	env, err := c.call(ctx, "GetPolicy", policyActionRequest{
		XMLName:  xml.Name{Local: "GetPolicy"},
		PolicyID: policyID,
	})
	if err != nil {
		return false, err
	}
	if env.Body.Get == nil {
		return false, fmt.Errorf("head-end returned no GetPolicyResponse")
	}
	switch env.Body.Get.StatusCode {
	case 200:
		return true, nil
	case 404:
		return false, nil
	default:
		return false, fmt.Errorf("unexpected GetPolicy status %d: %s",
			env.Body.Get.StatusCode, env.Body.Get.Message)
	}
}

// login acquires a fresh session token. Credentials are never logged.
func (c *Client) login(ctx context.Context) (string, error) {
	env, err := c.post(ctx, "Login", loginRequest{
		Username: c.cfg.Username,
		Password: c.cfg.Password,
	}, "")
	if err != nil {
		return "", fmt.Errorf("head-end login failed: %w", err)
	}
	if env.Body.Login == nil || env.Body.Login.SessionToken == "" {
		return "", fmt.Errorf("head-end login returned no session token")
	}
	c.logger.Debug("acquired head-end session", "username", c.cfg.Username)
	return env.Body.Login.SessionToken, nil
}

// call runs one session-authenticated operation through the breaker.
// An auth fault invalidates the cached session and retries once with a
// fresh login.
func (c *Client) call(ctx context.Context, operation string, payload any) (*responseEnvelope, error) {
	start := time.Now()
	env, err := c.callOnce(ctx, operation, payload)
	if err != nil && isAuthFault(err) {
		c.session.invalidate()
		env, err = c.callOnce(ctx, operation, payload)
	}
	callDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		callsTotal.WithLabelValues(operation, "error").Inc()
		return nil, err
	}
	callsTotal.WithLabelValues(operation, "success").Inc()
	return env, nil
}

func (c *Client) callOnce(ctx context.Context, operation string, payload any) (*responseEnvelope, error) {
	token, err := c.session.get(ctx)
	if err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, operation, payload, token)
	})
	if err != nil {
		return nil, err
	}
	return result.(*responseEnvelope), nil
}

// post performs one SOAP round trip, retrying transport-level failures
// with exponential backoff.
func (c *Client) post(ctx context.Context, operation string, payload any, sessionToken string) (*responseEnvelope, error) {
	env := requestEnvelope{
		NS:   soapEnvelopeNS,
		Body: requestBody{Payload: payload},
	}
	if sessionToken != "" {
		env.Header = &soapHeader{SessionToken: sessionToken}
	}
	reqXML, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}
	body := append([]byte(xml.Header), reqXML...)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.cfg.MaxRetryElapsed

	var respEnv *responseEnvelope
	doPost := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "text/xml; charset=utf-8")
		req.Header.Set("SOAPAction", operation)
		req.Header.Set("User-Agent", version.Full())

		resp, err := c.httpc.Do(req)
		if err != nil {
			c.logger.Warn("head-end call failed, retrying",
				"operation", operation, "error", err)
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode >= 500 {
			return fmt.Errorf("head-end returned HTTP %d", resp.StatusCode)
		}

		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read head-end response: %w", err)
		}
		var decoded responseEnvelope
		if err := xml.Unmarshal(raw, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode %s response: %w", operation, err))
		}
		if decoded.Body.Fault != nil {
			// SOAP faults are application errors, not transport ones.
			return backoff.Permanent(&faultError{
				Code:    decoded.Body.Fault.Code,
				Message: decoded.Body.Fault.String,
			})
		}
		respEnv = &decoded
		return nil
	}

	if err := backoff.Retry(doPost, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return respEnv, nil
}

// faultError is a SOAP fault surfaced as a Go error.
type faultError struct {
	Code    string
	Message string
}

func (e *faultError) Error() string {
	return fmt.Sprintf("head-end fault %s: %s", e.Code, e.Message)
}

// isAuthFault reports whether the error is a session/auth fault the
// client can recover from by re-logging in.
func isAuthFault(err error) bool {
	var fe *faultError
	if !errors.As(err, &fe) {
		return false
	}
	code := strings.ToLower(fe.Code)
	return strings.Contains(code, "session") || strings.Contains(code, "auth")
}
