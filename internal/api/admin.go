package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Rajchodisetti/portfolio-sync/internal/admin"
)

// reserved query keys; everything else is a filter
var listKeys = map[string]bool{"page": true, "size": true, "search": true}

func listParams(c *gin.Context) admin.ListParams {
	p := admin.ListParams{Search: c.Query("search")}
	p.Page, _ = strconv.Atoi(c.Query("page"))
	p.Size, _ = strconv.Atoi(c.Query("size"))
	for k, vs := range c.Request.URL.Query() {
		if listKeys[k] || len(vs) == 0 || vs[0] == "" {
			continue
		}
		if p.Filters == nil {
			p.Filters = map[string]string{}
		}
		p.Filters[k] = vs[0]
	}
	return p
}

func (s *Server) adminProviders(c *gin.Context) {
	out, err := s.admin.ProviderStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) adminSystem(c *gin.Context) {
	out, err := s.admin.SystemMetrics(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) adminUsers(c *gin.Context) {
	out, err := s.admin.Users(c.Request.Context(), listParams(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) adminUser(c *gin.Context) {
	out, err := s.admin.User(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) adminAudit(c *gin.Context) {
	out, err := s.admin.AuditLogs(c.Request.Context(), listParams(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
