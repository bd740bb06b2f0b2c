package handler

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/api/dto"
)

// sniffLen is how much of an upload is read to detect its type
const sniffLen = 3072

// Upload handles POST /api/v1/uploads
// Stores the multipart "file" field in the original category
func (h *UploadHandler) Upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)

	fh, err := c.FormFile("file")
	if err != nil {
		h.logger.Error("Invalid upload", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "multipart field \"file\" is required",
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload"})
		return
	}
	defer f.Close()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read upload"})
		return
	}
	head = head[:n]
	mt := mimetype.Detect(head)

	obj, err := h.blobs.SaveOriginal(c.Request.Context(), io.MultiReader(bytes.NewReader(head), f), fh.Size, fh.Filename, mt.String())
	if err != nil {
		h.logger.Error("Failed to store upload",
			slog.String("filename", fh.Filename),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to store upload"})
		return
	}

	h.logger.Info("Upload stored",
		slog.String("filename", obj.Filename),
		slog.String("mime_type", mt.String()),
		slog.Int64("size", fh.Size),
	)

	c.JSON(http.StatusCreated, dto.UploadResponse{
		Filename: obj.Filename,
		URL:      obj.URL,
		MimeType: mt.String(),
		Size:     fh.Size,
	})
}
