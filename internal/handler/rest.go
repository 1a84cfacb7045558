package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flybeeper/geolog/internal/engine"
	"github.com/flybeeper/geolog/internal/export"
	"github.com/flybeeper/geolog/internal/models"
	"github.com/flybeeper/geolog/internal/repository"
	"github.com/flybeeper/geolog/pkg/utils"
)

const (
	defaultSampleLimit = 100
	maxSampleLimit     = 1000
	defaultCopyName    = "New profile"

	// Ячейка около 5 м, сопоставима с точностью GPS
	sampleGeohashPrecision = 9
)

// sampleView сэмпл в ответе API с geohash ячейкой
type sampleView struct {
	*models.LocationSample
	Geohash string `json:"geohash"`
}

// Recorder управление записью: выбор профиля, статус движка, единицы
type Recorder interface {
	SelectProfile(ctx context.Context, id int64) (*models.Profile, error)
	CurrentProfile(ctx context.Context) (*models.Profile, error)
	ProfileUpdated(ctx context.Context, id int64) error
	ProfileDeleted(ctx context.Context, id int64) error
	Snapshot() engine.Status
	Subscribe(buffer int) (<-chan engine.Status, func())
	Recording() bool
	Connected() bool
	Units() models.Units
	SetUnits(ctx context.Context, units models.Units) error
}

// RESTHandler обработчик REST API endpoints
type RESTHandler struct {
	storage  repository.Storage
	recorder Recorder
	exporter *export.Exporter
	logger   *utils.Logger
	timeout  time.Duration
}

// NewRESTHandler создает новый REST handler
func NewRESTHandler(storage repository.Storage, recorder Recorder, logger *utils.Logger) *RESTHandler {
	return &RESTHandler{
		storage:  storage,
		recorder: recorder,
		exporter: export.NewExporter(storage),
		logger:   logger,
		timeout:  30 * time.Second,
	}
}

// ==================== Профили ====================

// ListProfiles возвращает все профили, кроме Off
// GET /api/v1/profiles
func (h *RESTHandler) ListProfiles(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	profiles, err := h.storage.ListProfiles(ctx)
	if err != nil {
		h.internalError(c, err, "Failed to retrieve profiles")
		return
	}

	c.JSON(http.StatusOK, gin.H{"profiles": profiles})
}

// GetProfile возвращает профиль по id
// GET /api/v1/profiles/{id}
func (h *RESTHandler) GetProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	id, ok := profileID(c)
	if !ok {
		return
	}

	p, err := h.storage.GetProfileByID(ctx, id)
	if err != nil {
		h.storageError(c, err, "Failed to retrieve profile")
		return
	}

	c.JSON(http.StatusOK, p)
}

// CreateProfile создает пользовательский профиль
// POST /api/v1/profiles
func (h *RESTHandler) CreateProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var p models.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	p.ID = 0
	p.Kind = models.ProfileUser
	if err := p.Validate(); err != nil {
		badRequest(c, "invalid_profile", err.Error())
		return
	}

	id, err := h.storage.SaveProfile(ctx, &p)
	if err != nil {
		h.storageError(c, err, "Failed to save profile")
		return
	}
	p.ID = id

	h.logger.WithFields(map[string]interface{}{
		"profile_id": id,
		"name":       p.Name,
	}).Info("Profile created")

	c.JSON(http.StatusCreated, &p)
}

// UpdateProfile заменяет настройки профиля. Тип профиля не меняется.
// PUT /api/v1/profiles/{id}
func (h *RESTHandler) UpdateProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	id, ok := profileID(c)
	if !ok {
		return
	}

	existing, err := h.storage.GetProfileByID(ctx, id)
	if err != nil {
		h.storageError(c, err, "Failed to retrieve profile")
		return
	}
	if existing.IsOff() {
		h.storageError(c, repository.ErrOffProfile, "")
		return
	}

	var p models.Profile
	if err := c.ShouldBindJSON(&p); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}
	p.ID = id
	p.Kind = existing.Kind
	if err := p.Validate(); err != nil {
		badRequest(c, "invalid_profile", err.Error())
		return
	}

	if _, err := h.storage.SaveProfile(ctx, &p); err != nil {
		h.storageError(c, err, "Failed to save profile")
		return
	}

	if err := h.recorder.ProfileUpdated(ctx, id); err != nil {
		h.internalError(c, err, "Failed to apply profile")
		return
	}

	c.JSON(http.StatusOK, &p)
}

// DeleteProfile удаляет профиль. Если он был выбран, запись переключается на Off.
// DELETE /api/v1/profiles/{id}
func (h *RESTHandler) DeleteProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	id, ok := profileID(c)
	if !ok {
		return
	}

	if err := h.storage.DeleteProfile(ctx, id); err != nil {
		h.storageError(c, err, "Failed to delete profile")
		return
	}

	if err := h.recorder.ProfileDeleted(ctx, id); err != nil {
		h.internalError(c, err, "Failed to switch profile")
		return
	}

	h.logger.WithField("profile_id", id).Info("Profile deleted")
	c.Status(http.StatusNoContent)
}

// CopyProfile копирует профиль в новый пользовательский
// POST /api/v1/profiles/{id}/copy
func (h *RESTHandler) CopyProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	id, ok := profileID(c)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid_body", err.Error())
			return
		}
	}
	if req.Name == "" {
		req.Name = defaultCopyName
	}

	src, err := h.storage.GetProfileByID(ctx, id)
	if err != nil {
		h.storageError(c, err, "Failed to retrieve profile")
		return
	}

	p := src.Copy(req.Name)
	newID, err := h.storage.SaveProfile(ctx, p)
	if err != nil {
		h.storageError(c, err, "Failed to save profile")
		return
	}
	p.ID = newID

	c.JSON(http.StatusCreated, p)
}

// GetCurrentProfile возвращает выбранный профиль
// GET /api/v1/profiles/current
func (h *RESTHandler) GetCurrentProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	p, err := h.recorder.CurrentProfile(ctx)
	if err != nil {
		h.storageError(c, err, "Failed to retrieve current profile")
		return
	}

	c.JSON(http.StatusOK, p)
}

// SelectProfile выбирает профиль записи
// PUT /api/v1/profiles/current
func (h *RESTHandler) SelectProfile(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var req struct {
		ID int64 `json:"id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}

	p, err := h.recorder.SelectProfile(ctx, req.ID)
	if err != nil {
		h.storageError(c, err, "Failed to select profile")
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"profile_id": p.ID,
		"name":       p.Name,
	}).Info("Profile selected")

	c.JSON(http.StatusOK, p)
}

// ==================== Сэмплы ====================

// ListSamples возвращает сэмплы в порядке id
// GET /api/v1/samples?from=2024-05-01T00:00:00Z&to=...&after_id=0&limit=100
func (h *RESTHandler) ListSamples(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	from, to, ok := timeRange(c)
	if !ok {
		return
	}

	limit := defaultSampleLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxSampleLimit {
			badRequest(c, "invalid_limit", fmt.Sprintf("Limit must be between 1 and %d", maxSampleLimit))
			return
		}
		limit = n
	}

	var afterID int64
	if v := c.Query("after_id"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			badRequest(c, "invalid_after_id", "after_id must be a non-negative integer")
			return
		}
		afterID = n
	}

	samples, err := h.storage.ListSamples(ctx, repository.SampleQuery{
		From:    from,
		To:      to,
		AfterID: afterID,
		Limit:   limit,
	})
	if err != nil {
		h.internalError(c, err, "Failed to retrieve samples")
		return
	}

	views := make([]sampleView, len(samples))
	for i, s := range samples {
		views[i] = sampleView{LocationSample: s, Geohash: s.Point().Geohash(sampleGeohashPrecision)}
	}

	c.JSON(http.StatusOK, gin.H{
		"samples": views,
		"count":   len(views),
	})
}

// DeleteSamples удаляет все сэмплы
// DELETE /api/v1/samples
func (h *RESTHandler) DeleteSamples(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	if err := h.storage.DeleteAllSamples(ctx); err != nil {
		h.internalError(c, err, "Failed to delete samples")
		return
	}

	h.logger.Info("All samples deleted")
	c.Status(http.StatusNoContent)
}

// Export отдает трек файлом GPX или KML
// GET /api/v1/export?format=gpx&from=...&to=...&merge_gap=15m&min_points=5&min_time=1m&min_distance=1000&max_speed=70
func (h *RESTHandler) Export(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	opts, ok := exportOptions(c)
	if !ok {
		return
	}

	segments, err := h.exporter.Segments(ctx, opts)
	if err != nil {
		h.internalError(c, err, "Failed to build export")
		return
	}

	filename := fmt.Sprintf("geolog-%s.%s", time.Now().UTC().Format("20060102-150405"), opts.Format)
	c.Header("Content-Type", opts.Format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Status(http.StatusOK)

	if err := export.Write(c.Writer, opts.Format, segments); err != nil {
		// Заголовки уже отправлены, остается только залогировать
		h.logger.WithError(err).Error("Failed to write export")
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"format":   string(opts.Format),
		"segments": len(segments),
	}).Info("Export completed")
}

// ==================== Статус и настройки ====================

// GetStatus возвращает снимок состояния движка
// GET /api/v1/status
func (h *RESTHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    h.recorder.Snapshot(),
		"recording": h.recorder.Recording(),
		"connected": h.recorder.Connected(),
		"units":     h.recorder.Units().String(),
	})
}

// GetPreferences возвращает настройки пользователя
// GET /api/v1/preferences
func (h *RESTHandler) GetPreferences(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	p, err := h.recorder.CurrentProfile(ctx)
	if err != nil {
		h.storageError(c, err, "Failed to retrieve current profile")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"units":      h.recorder.Units().String(),
		"profile_id": p.ID,
	})
}

// UpdatePreferences меняет единицы измерения
// PUT /api/v1/preferences
func (h *RESTHandler) UpdatePreferences(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	var req struct {
		Units string `json:"units" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid_body", err.Error())
		return
	}

	units, err := models.ParseUnits(req.Units)
	if err != nil {
		badRequest(c, "invalid_units", "Units must be metric or imperial")
		return
	}

	if err := h.recorder.SetUnits(ctx, units); err != nil {
		h.internalError(c, err, "Failed to save preferences")
		return
	}

	c.JSON(http.StatusOK, gin.H{"units": units.String()})
}

// ==================== Helpers ====================

func profileID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		badRequest(c, "invalid_id", "Profile id must be a positive integer")
		return 0, false
	}
	return id, true
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	// Unix время в секундах
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q", v)
	}
	return time.Unix(sec, 0), nil
}

func timeRange(c *gin.Context) (time.Time, time.Time, bool) {
	from, err := parseTime(c.Query("from"))
	if err != nil {
		badRequest(c, "invalid_from", "from must be RFC3339 or unix seconds")
		return time.Time{}, time.Time{}, false
	}
	to, err := parseTime(c.Query("to"))
	if err != nil {
		badRequest(c, "invalid_to", "to must be RFC3339 or unix seconds")
		return time.Time{}, time.Time{}, false
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		badRequest(c, "invalid_range", "to must not be before from")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func exportOptions(c *gin.Context) (export.Options, bool) {
	opts := export.DefaultOptions()

	if v := c.Query("format"); v != "" {
		f, err := export.ParseFormat(v)
		if err != nil {
			badRequest(c, "invalid_format", "Format must be gpx or kml")
			return opts, false
		}
		opts.Format = f
	}

	from, to, ok := timeRange(c)
	if !ok {
		return opts, false
	}
	opts.Start, opts.End = from, to

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{"merge_gap", &opts.MergeGap},
		{"min_time", &opts.MinTime},
	}
	for _, d := range durations {
		if v := c.Query(d.name); v != "" {
			parsed, err := time.ParseDuration(v)
			if err != nil || parsed < 0 {
				badRequest(c, "invalid_"+d.name, d.name+" must be a non-negative duration")
				return opts, false
			}
			*d.dst = parsed
		}
	}

	if v := c.Query("min_points"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(c, "invalid_min_points", "min_points must be a non-negative integer")
			return opts, false
		}
		opts.MinPoints = n
	}

	floats := []struct {
		name string
		dst  *float64
	}{
		{"min_distance", &opts.MinDistance},
		{"max_speed", &opts.MaxSpeed},
	}
	for _, f := range floats {
		if v := c.Query(f.name); v != "" {
			parsed, err := strconv.ParseFloat(v, 64)
			if err != nil || parsed < 0 {
				badRequest(c, "invalid_"+f.name, f.name+" must be a non-negative number")
				return opts, false
			}
			*f.dst = parsed
		}
	}

	return opts, true
}

func badRequest(c *gin.Context, code, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    code,
		"message": message,
	})
}

func (h *RESTHandler) internalError(c *gin.Context, err error, message string) {
	h.logger.WithError(err).Error(message)
	c.JSON(http.StatusInternalServerError, gin.H{
		"code":    "internal_error",
		"message": message,
	})
}

// storageError переводит ошибки хранилища в HTTP коды
func (h *RESTHandler) storageError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "not_found",
			"message": "Profile not found",
		})
	case errors.Is(err, repository.ErrOffProfile):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "off_profile",
			"message": "The Off profile cannot be modified or deleted",
		})
	case errors.Is(err, models.ErrInvalidOrdinal):
		badRequest(c, "invalid_profile", err.Error())
	default:
		h.internalError(c, err, message)
	}
}
