package middleware

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/audit"
	"github.com/codevault/codevault/internal/safego"
)

// auditedRoutes maps security-relevant routes (method + gin route template) to
// the action name recorded in the audit trail. Routes not listed here are not
// audited; validation attempts have their own audit table.
var auditedRoutes = map[string]string{
	"POST /api/v1/auth/register":                       "auth.register",
	"POST /api/v1/auth/login":                          "auth.login",
	"POST /api/v1/auth/api-key":                        "auth.api_key_rotate",
	"POST /api/v1/licenses":                            "license.create",
	"DELETE /api/v1/licenses/:id":                      "license.delete",
	"POST /api/v1/licenses/:id/revoke":                 "license.revoke",
	"POST /api/v1/licenses/:id/reset-hwid":             "hwid.reset",
	"DELETE /api/v1/licenses/:id/bindings/:binding_id": "hwid.unbind",
	"POST /api/v1/webhooks":                            "webhook.create",
	"DELETE /api/v1/webhooks/:id":                      "webhook.delete",
	"DELETE /api/v1/projects/:id":                      "project.delete",
}

// auditShipTimeout bounds each background ship so a slow collector cannot
// accumulate goroutines indefinitely.
const auditShipTimeout = 15 * time.Second

// AuditMiddleware ships an audit entry for every security-relevant management
// action after the response is written. Shipping runs in the background and
// never affects the request outcome. A shipper with no destinations disables
// the middleware entirely.
func AuditMiddleware(shipper *audit.MultiShipper) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if !shipper.Enabled() {
			return
		}

		action, ok := auditedRoutes[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return
		}

		entry := &audit.LogEntry{
			Timestamp:  time.Now().UTC(),
			Action:     action,
			IPAddress:  c.ClientIP(),
			StatusCode: c.Writer.Status(),
			ResourceID: c.Param("id"),
		}
		if userID := c.GetString(UserIDKey); userID != "" {
			entry.UserID = userID
		}
		if method := c.GetString(AuthMethodKey); method != "" {
			entry.AuthMethod = method
		}
		if requestID := c.GetString(RequestIDKey); requestID != "" {
			entry.RequestID = requestID
		}
		if bindingID := c.Param("binding_id"); bindingID != "" {
			entry.Metadata = map[string]interface{}{"binding_id": bindingID}
		}

		safego.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), auditShipTimeout)
			defer cancel()
			_ = shipper.Ship(ctx, entry)
		})
	}
}
