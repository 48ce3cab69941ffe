// Package enclaveclient is the gateway's typed view of the enclave protocol.
// It reconstructs taxonomy errors from enclave responses so the identity
// service can react to kinds, most importantly not-found driving a restore.
package enclaveclient

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/R3E-Network/key_custodian/internal/domain"
	"github.com/R3E-Network/key_custodian/internal/errors"
	"github.com/R3E-Network/key_custodian/internal/httputil"
	"github.com/R3E-Network/key_custodian/pkg/logger"
)

// Client calls the enclave's internal routes.
type Client struct {
	http *httputil.ServiceClient
	log  *logger.Logger
}

// Config configures the enclave client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Log     *logger.Logger
}

func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = logger.NewDefault("enclaveclient")
	}
	return &Client{
		http: httputil.NewServiceClient(httputil.ServiceClientConfig{
			BaseURL: cfg.BaseURL,
			APIKey:  cfg.APIKey,
			Timeout: cfg.Timeout,
		}),
		log: cfg.Log,
	}
}

type generateRequest struct {
	IdentityID string `json:"identity_id"`
	Alg        string `json:"alg"`
}

type generateResponse struct {
	PublicKey string `json:"public_key"`
}

type signRequest struct {
	IdentityID string `json:"identity_id"`
	Digest     string `json:"digest"`
	Ticket     string `json:"ticket"`
}

type identityRequest struct {
	IdentityID string `json:"identity_id"`
}

type exportResponse struct {
	Alg       string `json:"alg"`
	SealedKey string `json:"sealed_key"`
}

type importRequest struct {
	IdentityID string `json:"identity_id"`
	Alg        string `json:"alg"`
	SealedKey  string `json:"sealed_key"`
}

// Generate asks the enclave for a fresh key under identityID.
func (c *Client) Generate(ctx context.Context, identityID, alg string) (string, error) {
	var resp generateResponse
	err := c.post(ctx, "/internal/generate", generateRequest{IdentityID: identityID, Alg: alg}, &resp)
	if err != nil {
		return "", err
	}
	return resp.PublicKey, nil
}

// Sign submits a digest and its ticket for signing.
func (c *Client) Sign(ctx context.Context, identityID, digest, ticket string) (domain.SignatureResponse, error) {
	var resp domain.SignatureResponse
	err := c.post(ctx, "/internal/sign", signRequest{IdentityID: identityID, Digest: digest, Ticket: ticket}, &resp)
	if err != nil {
		return domain.SignatureResponse{}, err
	}
	return resp, nil
}

// Destroy removes the enclave's key for identityID.
func (c *Client) Destroy(ctx context.Context, identityID string) error {
	return c.post(ctx, "/internal/destroy", identityRequest{IdentityID: identityID}, nil)
}

// Export retrieves the sealed backup blob for identityID.
func (c *Client) Export(ctx context.Context, identityID string) (alg, sealedKey string, err error) {
	var resp exportResponse
	if err := c.post(ctx, "/internal/backup/export", identityRequest{IdentityID: identityID}, &resp); err != nil {
		return "", "", err
	}
	return resp.Alg, resp.SealedKey, nil
}

// Import installs a sealed backup into the enclave.
func (c *Client) Import(ctx context.Context, identityID, alg, sealedKey string) error {
	return c.post(ctx, "/internal/backup/import", importRequest{IdentityID: identityID, Alg: alg, SealedKey: sealedKey}, nil)
}

// Health probes the enclave's open health route.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.http.Get(ctx, "/health")
	if err != nil {
		return errors.Upstream("enclave unreachable", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Upstream("enclave unhealthy", nil).WithDetails("status", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body, target interface{}) error {
	resp, err := c.http.Post(ctx, path, body)
	if err != nil {
		c.log.WithContext(ctx).WithError(err).WithField("path", path).Error("enclave call failed")
		return errors.Upstream("enclave unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return c.remapError(resp)
	}
	if target == nil {
		return nil
	}
	raw, err := httputil.ReadAllStrict(resp.Body, 1<<20)
	if err != nil {
		return errors.Upstream("read enclave response", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return errors.Upstream("decode enclave response", err)
	}
	return nil
}

// remapError rebuilds a taxonomy error from an enclave error body. Kinds the
// sign pipeline depends on pass through; anything else, including an internal
// key rejection, is an upstream fault of the deployment rather than of the
// end caller.
func (c *Client) remapError(resp *http.Response) error {
	var body httputil.ErrorBody
	raw, err := httputil.ReadAllStrict(resp.Body, 64<<10)
	if err == nil {
		_ = json.Unmarshal(raw, &body)
	}
	message := body.Error
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	switch errors.Kind(body.Kind) {
	case errors.KindValidation:
		return errors.Validation(message)
	case errors.KindForbidden:
		return errors.Forbidden(message)
	case errors.KindNotFound:
		return errors.NotFound(message)
	case errors.KindConflict:
		return errors.Conflict(message)
	case errors.KindGone:
		return errors.Gone(message)
	case errors.KindRateLimited:
		return errors.RateLimited(message)
	default:
		c.log.WithFields(map[string]interface{}{
			"status": resp.StatusCode,
			"kind":   body.Kind,
		}).Error("unexpected enclave error")
		return errors.Upstream("enclave rejected the request", nil).
			WithDetails("status", resp.StatusCode).
			WithDetails("kind", body.Kind)
	}
}
