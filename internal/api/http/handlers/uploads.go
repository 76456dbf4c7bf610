package handlers

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/ticket-chat/internal/service"
	apperrors "github.com/spec-kit/ticket-chat/pkg/util"
)

func isMultipart(c *fiber.Ctx) bool {
	return strings.HasPrefix(string(c.Request().Header.ContentType()), fiber.MIMEMultipartForm)
}

func readUpload(fh *multipart.FileHeader, maxBytes int) (service.Upload, error) {
	if maxBytes > 0 && fh.Size > int64(maxBytes) {
		return service.Upload{}, apperrors.NewValidationError("file too large", map[string]any{"file": fh.Filename, "max_bytes": maxBytes})
	}
	f, err := fh.Open()
	if err != nil {
		return service.Upload{}, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return service.Upload{}, fmt.Errorf("read upload: %w", err)
	}
	mimeType := fh.Header.Get(fiber.HeaderContentType)
	if mimeType == "" || mimeType == fiber.MIMEOctetStream {
		mimeType = http.DetectContentType(data)
	}
	return service.Upload{Name: fh.Filename, MimeType: mimeType, Data: data}, nil
}
