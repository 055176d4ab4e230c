package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cppla/ecoreceipt/utils"
)

// BodyLimit caps request bodies at maxBytes. Reads past the cap fail, which the
// handlers report as an oversized upload.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if ctx.Request.ContentLength > maxBytes {
			utils.Error(ctx, http.StatusRequestEntityTooLarge, 41301, "request body too large")
			ctx.Abort()
			return
		}
		ctx.Request.Body = http.MaxBytesReader(ctx.Writer, ctx.Request.Body, maxBytes)
		ctx.Next()
	}
}
