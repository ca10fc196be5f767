package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/middleware"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// Identity headers the gateway sets for downstream services. Client-supplied
// values are always dropped.
const (
	HeaderUserID     = "X-User-ID"
	HeaderUserEmail  = "X-User-Email"
	HeaderTenantID   = "X-Tenant-ID"
	HeaderTenantRole = "X-Tenant-Role"
)

var identityHeaders = []string{HeaderUserID, HeaderUserEmail, HeaderTenantID, HeaderTenantRole}

// ServiceClient handles HTTP communication with microservices
type ServiceClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	breaker    *utils.CircuitBreaker
	log        logrus.FieldLogger
}

// ServiceClients holds all service clients
type ServiceClients struct {
	AuthService   *ServiceClient
	TenantService *ServiceClient
	AuditService  *ServiceClient
}

// NewServiceClient creates a new service client
func NewServiceClient(name, baseURL string, log logrus.FieldLogger) *ServiceClient {
	return &ServiceClient{
		name:    name,
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		breaker: utils.NewCircuitBreaker(name, 5, 30*time.Second),
		log:     log,
	}
}

// ProxyRequest proxies requests to the appropriate microservice
func (sc *ServiceClient) ProxyRequest(c *gin.Context) {
	const op = "gateway.proxy"

	// Build target URL
	targetURL := sc.baseURL + c.Request.URL.Path
	if c.Request.URL.RawQuery != "" {
		targetURL += "?" + c.Request.URL.RawQuery
	}

	var body io.Reader
	if c.Request.Body != nil {
		bodyBytes, err := io.ReadAll(c.Request.Body)
		if err != nil {
			utils.BadRequestResponse(c, "Failed to read request body")
			return
		}
		body = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(c.Request.Context(), c.Request.Method, targetURL, body)
	if err != nil {
		utils.InternalServerErrorResponse(c, "Failed to create request")
		return
	}

	// Copy headers
	for key, values := range c.Request.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	setIdentityHeaders(c, req.Header)

	var resp *http.Response
	err = sc.breaker.Execute(req.Context(), func(context.Context) error {
		r, err := sc.httpClient.Do(req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		sc.log.WithError(err).WithFields(logrus.Fields{
			"service":    sc.name,
			"request_id": c.GetString(utils.RequestIDKey),
		}).Warn("upstream request failed")
		utils.ErrorFromKind(c, apperr.Wrap(apperr.KindUnavailable, op, err))
		return
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		utils.ErrorFromKind(c, apperr.Wrap(apperr.KindUnavailable, op, err))
		return
	}

	// Copy response headers
	for key, values := range resp.Header {
		for _, value := range values {
			c.Header(key, value)
		}
	}
	c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), responseBody)
}

// setIdentityHeaders replaces identity headers with what the gateway verified.
// The tenant headers come from the token's claims only. A tenant resolved
// from a subdomain, slug header or query parameter is never forwarded as
// X-Tenant-ID since the caller may not be a member of it.
func setIdentityHeaders(c *gin.Context, h http.Header) {
	for _, name := range identityHeaders {
		h.Del(name)
	}
	if v := c.GetString(middleware.UserIDKey); v != "" {
		h.Set(HeaderUserID, v)
	}
	if v := c.GetString(middleware.EmailKey); v != "" {
		h.Set(HeaderUserEmail, v)
	}
	if claims, err := middleware.CurrentClaims(c); err == nil && claims.HasTenant() {
		h.Set(HeaderTenantID, claims.TenantID())
		h.Set(HeaderTenantRole, claims.TenantRole())
	}
	if v := c.GetString(utils.RequestIDKey); v != "" {
		h.Set(middleware.RequestIDHeader, v)
	}
}

// HealthCheck checks if a service is healthy
func (sc *ServiceClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sc.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := sc.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	return nil
}

// GetServiceStatus returns the status of all services
func (scs *ServiceClients) GetServiceStatus(ctx context.Context) map[string]interface{} {
	status := make(map[string]interface{})
	for _, sc := range []*ServiceClient{scs.AuthService, scs.TenantService, scs.AuditService} {
		if sc == nil || sc.baseURL == "" {
			continue
		}
		entry := map[string]interface{}{
			"healthy": true,
			"circuit": string(sc.breaker.GetState()),
		}
		if err := sc.HealthCheck(ctx); err != nil {
			entry["healthy"] = false
			entry["error"] = err.Error()
		}
		status[sc.name+"_service"] = entry
	}
	return status
}
