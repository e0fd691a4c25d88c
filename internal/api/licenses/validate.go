package licenses

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codevault/codevault/internal/license"
)

// ValidateHandler serves the public validation endpoint. It is the only
// unauthenticated API route: generated wrapper clients hold a license key,
// not an account credential.
//
// The handler returns 200 for every well-formed request, including
// rejections; the decision lives in the response status field so clients
// have one code path. Only a malformed body gets a 400.
//
// @Summary      Validate license
// @Description  Validate a license key against a machine fingerprint. The response is HMAC-signed; clients verify the signature before trusting the decision.
// @Tags         Validation
// @Accept       json
// @Produce      json
// @Success      200  {object}  license.Response
// @Failure      400  {object}  map[string]interface{}
// @Router       /api/v1/license/validate [post]
func ValidateHandler(engine *license.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req license.Request
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		resp := engine.Validate(c.Request.Context(), &req, c.ClientIP())
		c.JSON(http.StatusOK, resp)
	}
}
