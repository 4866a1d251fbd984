package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	internaldns "github.com/changerawr/domains/internal/dns"
	"github.com/changerawr/domains/internal/registry/service"
)

// DomainHandler handles the custom-domain management API.
type DomainHandler struct {
	svc    *service.DomainService
	logger *zap.Logger
}

// NewDomainHandler creates a new DomainHandler.
func NewDomainHandler(svc *service.DomainService, logger *zap.Logger) *DomainHandler {
	return &DomainHandler{svc: svc, logger: logger}
}

// Register mounts the domain routes on the given router group.
func (h *DomainHandler) Register(rg *gin.RouterGroup) {
	projects := rg.Group("/projects/:projectId/domains")
	{
		projects.POST("", h.AddDomain)
		projects.GET("", h.ListDomains)
	}
	domains := rg.Group("/domains")
	{
		domains.GET("/resolve", h.CheckResolution)
		domains.GET("/:id", h.GetDomain)
		domains.POST("/:id/verify", h.VerifyDomain)
		domains.DELETE("/:id", h.RemoveDomain)
	}
}

// AddDomain handles POST /projects/:projectId/domains.
//
// Request body: {"domain": "changelog.acme.com"}
//
// Response: the PENDING domain with the CNAME and TXT records to publish.
func (h *DomainHandler) AddDomain(c *gin.Context) {
	var req struct {
		Domain string `json:"domain" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	d, err := h.svc.AddDomain(c.Request.Context(), c.Param("projectId"), req.Domain)
	if err != nil {
		h.writeError(c, "add domain", err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// ListDomains handles GET /projects/:projectId/domains.
func (h *DomainHandler) ListDomains(c *gin.Context) {
	domains, err := h.svc.ListDomains(c.Request.Context(), c.Param("projectId"))
	if err != nil {
		h.writeError(c, "list domains", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"domains": domains,
		"count":   len(domains),
		"max":     internaldns.MaxDomainsPerProject,
	})
}

// GetDomain handles GET /domains/:id.
func (h *DomainHandler) GetDomain(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	d, err := h.svc.GetDomain(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "get domain", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// VerifyDomain handles POST /domains/:id/verify.
// 200 when the domain is verified, 422 with diagnostics while it is not.
func (h *DomainHandler) VerifyDomain(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	d, res, err := h.svc.VerifyDomain(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, "verify domain", err)
		return
	}

	body := gin.H{
		"verified": d.IsVerified(),
		"domain":   d,
	}
	if res != nil {
		body["result"] = res
	}
	if d.IsVerified() {
		body["message"] = "Domain ownership verified. Your changelog is now served at https://" + d.Domain
		c.JSON(http.StatusOK, body)
		return
	}
	body["errors"] = res.Errors
	c.JSON(http.StatusUnprocessableEntity, body)
}

// RemoveDomain handles DELETE /domains/:id.
func (h *DomainHandler) RemoveDomain(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.svc.RemoveDomain(c.Request.Context(), id); err != nil {
		h.writeError(c, "remove domain", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CheckResolution handles GET /domains/resolve?domain=.
func (h *DomainHandler) CheckResolution(c *gin.Context) {
	raw := c.Query("domain")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "domain query parameter is required"})
		return
	}
	domain, resolves, err := h.svc.CheckResolution(c.Request.Context(), raw)
	if err != nil {
		h.writeError(c, "check resolution", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": domain, "resolves": resolves})
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid domain ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *DomainHandler) writeError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrDomainNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "domain not found"})
	case errors.Is(err, service.ErrInvalidDomain):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDomainBlocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDomainTaken):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDomainLimitReached):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		h.logger.Error(op, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// VerifyEndpointHandler answers the HTTP ownership challenge. It is served on
// every hostname routed to the platform so that the prober can reach it
// through the customer's own domain.
type VerifyEndpointHandler struct {
	svc    *service.DomainService
	logger *zap.Logger
}

// NewVerifyEndpointHandler creates a new VerifyEndpointHandler.
func NewVerifyEndpointHandler(svc *service.DomainService, logger *zap.Logger) *VerifyEndpointHandler {
	return &VerifyEndpointHandler{svc: svc, logger: logger}
}

// Register mounts the challenge route at its fixed public path.
func (h *VerifyEndpointHandler) Register(r gin.IRoutes) {
	r.GET(internaldns.VerifyPath, h.Verify)
}

// Verify handles GET /api/changelog/verify-domain?domain=&token=.
func (h *VerifyEndpointHandler) Verify(c *gin.Context) {
	domain, token := c.Query("domain"), c.Query("token")
	if domain == "" || token == "" {
		c.JSON(http.StatusBadRequest, internaldns.VerifyResponse{Error: "domain and token are required"})
		return
	}

	ok, err := h.svc.ConfirmOwnership(c.Request.Context(), domain, token)
	if err != nil {
		if errors.Is(err, service.ErrDomainNotFound) {
			c.JSON(http.StatusNotFound, internaldns.VerifyResponse{Error: "unknown domain"})
			return
		}
		h.logger.Error("confirm ownership", zap.Error(err))
		c.JSON(http.StatusInternalServerError, internaldns.VerifyResponse{Error: "internal error"})
		return
	}
	c.JSON(http.StatusOK, internaldns.VerifyResponse{Success: true, Verified: ok})
}
