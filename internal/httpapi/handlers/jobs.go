package handlers

import (
	"errors"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tablehq/sheetserve/internal/common"
	"github.com/tablehq/sheetserve/internal/convert"
)

type jobView struct {
	ID               string    `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	Format           string    `json:"format"`
	Status           string    `json:"status"`
	Error            *string   `json:"error,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func viewOf(j *convert.Job) jobView {
	return jobView{
		ID:               j.ID,
		OriginalFilename: j.OriginalFilename,
		Format:           string(j.Format),
		Status:           string(j.Status),
		Error:            j.Error,
		CreatedAt:        j.CreatedAt,
		UpdatedAt:        j.UpdatedAt,
	}
}

func allowedUpload(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".xlsx", ".xls":
		return true
	}
	return false
}

// CreateConversion accepts a multipart spreadsheet upload plus a target
// format and queues the conversion.
func (h *Handler) CreateConversion(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	format, okf := convert.ParseFormat(c.PostForm("format"))
	if !okf {
		common.Fail(c, http.StatusBadRequest, 10010, "format must be html or sql")
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10011, "file is required")
		return
	}
	if !allowedUpload(fh.Filename) {
		common.Fail(c, http.StatusBadRequest, 10012, "only .xlsx and .xls files are accepted")
		return
	}

	f, err := fh.Open()
	if err != nil {
		common.Fail(c, http.StatusBadRequest, 10013, "failed to read upload")
		return
	}
	defer f.Close()

	job, err := h.ConvSvc.Submit(c.Request.Context(), uid, fh.Filename, format, f)
	if err != nil {
		if errors.Is(err, convert.ErrQuotaExceeded) {
			common.Fail(c, http.StatusTooManyRequests, 42901, "daily conversion limit reached")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50010, "failed to queue conversion")
		return
	}

	common.OK(c, viewOf(job))
}

func (h *Handler) ListConversions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	jobs, err := h.ConvSvc.List(c.Request.Context(), uid, 50)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50011, "failed to list conversions")
		return
	}

	views := make([]jobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, viewOf(&jobs[i]))
	}
	common.OK(c, gin.H{"conversions": views})
}

func (h *Handler) GetConversion(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	job, err := h.ConvSvc.Get(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40410, "conversion not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to load conversion")
		return
	}

	common.OK(c, viewOf(job))
}

// GetConversionStatus serves the poll endpoint from the Redis status
// cache when possible, falling back to the database.
func (h *Handler) GetConversionStatus(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	jobID := c.Param("id")

	if h.Redis != nil {
		if fields, hit, err := h.Redis.GetJobStatus(c.Request.Context(), jobID); err == nil && hit {
			// The cached entry carries the owner, so a hit answers the
			// request without touching the database.
			switch fields["user_id"] {
			case strconv.FormatUint(uid, 10):
				common.OK(c, gin.H{"id": jobID, "status": fields["status"], "error": fields["error"]})
				return
			case "":
				// Entry written before user_id was cached; fall back to
				// the database lookup below.
			default:
				common.Fail(c, http.StatusNotFound, 40410, "conversion not found")
				return
			}
		}
	}

	job, err := h.ConvSvc.Get(c.Request.Context(), uid, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			common.Fail(c, http.StatusNotFound, 40410, "conversion not found")
			return
		}
		common.Fail(c, http.StatusInternalServerError, 50012, "failed to load conversion")
		return
	}
	errMsg := ""
	if job.Error != nil {
		errMsg = *job.Error
	}
	common.OK(c, gin.H{"id": job.ID, "status": string(job.Status), "error": errMsg})
}

func (h *Handler) DownloadConversion(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	absPath, name, err := h.ConvSvc.ResolveDownload(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			common.Fail(c, http.StatusNotFound, 40410, "conversion not found")
		case errors.Is(err, convert.ErrNotReady):
			common.Fail(c, http.StatusConflict, 40910, "conversion is not completed yet")
		case errors.Is(err, convert.ErrArtifactMissing):
			common.Fail(c, http.StatusGone, 41010, "output file is no longer available")
		default:
			common.Fail(c, http.StatusInternalServerError, 50013, "failed to resolve download")
		}
		return
	}

	c.FileAttachment(absPath, name)
}
