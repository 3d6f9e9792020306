package pdf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// Attachment はダウンロード応答として返すファイルです。
type Attachment struct {
	Filename    string
	ContentType string
	Size        int64
	Body        io.ReadCloser
}

// RespondWithError は err を {"code", "message"} 形式のJSONで返します。
// *Error 以外のエラーは内部エラーとして扱い、詳細は返しません。
func RespondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		c.JSON(statusForCode(apiErr.Code), gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func statusForCode(code string) int {
	switch code {
	case CodeLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidInput:
		return http.StatusBadRequest
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// ExtractSingleFile はフォームからアップロードされたファイルを1つ取り出します。
func ExtractSingleFile(form *multipart.Form) (*multipart.FileHeader, error) {
	if form == nil {
		return nil, NewError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
	}
	for _, key := range []string{"file", "file[]", "files", "files[]"} {
		if files := form.File[key]; len(files) > 0 {
			return files[0], nil
		}
	}
	return nil, NewError(CodeInvalidInput, "PDFファイルを選択してください。", nil)
}

// FormBool はフォーム値を真偽値として読み取ります。値がない場合は def を返します。
func FormBool(c *gin.Context, key string, def bool) (bool, error) {
	raw, ok := c.GetPostForm(key)
	if !ok {
		return def, nil
	}
	raw = strings.TrimSpace(raw)
	switch strings.ToLower(raw) {
	case "":
		return def, nil
	case "on", "yes":
		return true, nil
	case "off", "no":
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def, NewError(CodeInvalidInput, fmt.Sprintf("%s の値が不正です。", key), err)
	}
	return v, nil
}

// StreamAttachment は a をダウンロード応答として書き出し、Body を閉じます。
func StreamAttachment(c *gin.Context, jobID string, a *Attachment) {
	defer a.Body.Close()
	encodedName := url.PathEscape(a.Filename)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", a.Filename, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", jobID)
	c.DataFromReader(http.StatusOK, a.Size, a.ContentType, a.Body, nil)
}
