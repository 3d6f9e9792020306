package results

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/doc-forge/internal/pdf"
)

// DownloadHandler は GET /api/download/:id/:kind のハンドラーを返します。
func DownloadHandler(w *Writer) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := strings.TrimSpace(c.Param("id"))
		if jobID == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    pdf.CodeInvalidInput,
				"message": "jobId を指定してください。",
			})
			return
		}
		kind, ok := ParseKind(c.Param("kind"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    pdf.CodeInvalidInput,
				"message": "成果物の種類は markdown / json / images のいずれかを指定してください。",
			})
			return
		}

		attachment, err := w.Open(jobID, kind)
		if err != nil {
			pdf.RespondWithError(c, err)
			return
		}
		pdf.StreamAttachment(c, jobID, attachment)
	}
}
