package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/api/dto"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
)

// recordKey reads :record_id and :file_index
func recordKey(c *gin.Context) (domain.RecordKey, bool) {
	recordID := c.Param("record_id")
	fileIndex, err := strconv.Atoi(c.Param("file_index"))
	if recordID == "" || err != nil || fileIndex < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "record_id is required and file_index must be a non-negative integer",
		})
		return domain.RecordKey{}, false
	}
	return domain.RecordKey{RecordID: recordID, FileIndex: fileIndex}, true
}

// GetRecord handles GET /api/v1/records/:record_id/files/:file_index
func (h *RecordHandler) GetRecord(c *gin.Context) {
	key, ok := recordKey(c)
	if !ok {
		return
	}

	rec, err := h.intake.Record(c.Request.Context(), key)
	if err != nil {
		writeError(c, err, "Failed to get record")
		return
	}

	c.JSON(http.StatusOK, dto.NewRecordDTO(rec))
}

// CancelRecord handles POST /api/v1/records/:record_id/files/:file_index/cancel
// Running jobs stop at their next checkpoint
func (h *RecordHandler) CancelRecord(c *gin.Context) {
	key, ok := recordKey(c)
	if !ok {
		return
	}

	h.logger.Info("CancelRecord called", slog.String("record", key.String()))

	rec, err := h.intake.Cancel(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("Failed to cancel record",
			slog.String("record", key.String()),
			slog.String("error", err.Error()),
		)
		writeError(c, err, "Failed to cancel record")
		return
	}

	c.JSON(http.StatusOK, dto.NewRecordDTO(rec))
}

// RetryRecord handles POST /api/v1/records/:record_id/files/:file_index/retry
// Re-enqueues a failed record from its stored source
func (h *RecordHandler) RetryRecord(c *gin.Context) {
	key, ok := recordKey(c)
	if !ok {
		return
	}

	h.logger.Info("RetryRecord called", slog.String("record", key.String()))

	sub, err := h.intake.Retry(c.Request.Context(), key)
	if err != nil {
		h.logger.Warn("Failed to retry record",
			slog.String("record", key.String()),
			slog.String("error", err.Error()),
		)
		writeError(c, err, "Failed to retry record")
		return
	}

	c.JSON(http.StatusAccepted, dto.RetryResponse{
		JobID:  sub.Job.ID,
		Record: dto.NewRecordDTO(sub.Record),
	})
}
