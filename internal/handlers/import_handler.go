package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"csv-import-service/internal/importer"
	"csv-import-service/internal/models"
)

// ImportHandler receives file-attached notifications over HTTP.
type ImportHandler struct {
	importer *importer.Importer
	logger   *logrus.Entry
}

// NewImportHandler creates the notification handler.
func NewImportHandler(imp *importer.Importer, logger *logrus.Logger) *ImportHandler {
	log := logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ImportHandler{
		importer: imp,
		logger:   log.WithField("component", "import-handler"),
	}
}

// FileAttached handles the inbound notification that a file was attached to a
// business event.
// POST /events/file-attached
func (h *ImportHandler) FileAttached(c *gin.Context) {
	var event models.FileAttachedEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "INVALID_NOTIFICATION", Message: err.Error()},
		})
		return
	}
	// Every outcome is reported against the originating event, so a
	// notification without an event identifier has nowhere to report to.
	if event.EventID == "" || event.EntityName == "" || event.FileName == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "INVALID_NOTIFICATION", Message: "eventId, entityName and fileName are required"},
		})
		return
	}

	result, err := h.importer.HandleFileAttached(c.Request.Context(), &event)
	if err != nil {
		h.logger.WithFields(logrus.Fields{
			"entityName": event.EntityName,
			"fileName":   event.FileName,
		}).WithError(err).Error("Import failed")
		// A 5xx tells the delivering side to retry the notification; fatal
		// failures happen before any row is dispatched.
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Success: false,
			Error:   models.Error{Code: "IMPORT_FAILED", Message: err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "status": result.Status, "lines": result.Lines})
}
