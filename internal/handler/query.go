package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/sentinel/config"
	"github.com/xtxerr/sentinel/internal/errors"
	"github.com/xtxerr/sentinel/internal/storage/backend"
)

func (a *API) listStatuses(c *gin.Context) {
	statuses, err := a.deps.Status.ListStatuses(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, statuses)
}

func (a *API) devices(c *gin.Context) {
	ids, err := a.deps.Status.Devices(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	c.JSON(http.StatusOK, ids)
}

func (a *API) deviceStatus(c *gin.Context) {
	st, err := a.deps.Status.Status(c.Request.Context(), c.Param("deviceId"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (a *API) history(c *gin.Context) {
	q := backend.Query{DeviceID: c.Param("deviceId")}

	var err error
	if q.Since, err = parseTime(c.Query("since")); err != nil {
		fail(c, errors.Wrap(err, "since"))
		return
	}
	if q.Until, err = parseTime(c.Query("until")); err != nil {
		fail(c, errors.Wrap(err, "until"))
		return
	}
	if q.Limit, err = parseLimit(c.Query("limit")); err != nil {
		fail(c, err)
		return
	}
	if err := q.Validate(); err != nil {
		fail(c, err)
		return
	}

	samples, err := a.deps.History.QuerySamples(c.Request.Context(), q)
	if err != nil {
		fail(c, err)
		return
	}
	if len(samples) == 0 {
		// Distinguish "no rows in range" from "never seen".
		if _, err := a.deps.Status.Status(c.Request.Context(), q.DeviceID); errors.IsNotFound(err) {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, samples)
}

func (a *API) summary(c *gin.Context) {
	since, err := parseTime(c.Query("since"))
	if err != nil {
		fail(c, errors.Wrap(err, "since"))
		return
	}

	sum, err := a.deps.Summary.Device(c.Request.Context(), c.Param("deviceId"), since)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

// parseTime accepts RFC 3339, Unix milliseconds, or a negative duration
// relative to now ("-15m"). Empty yields the zero time.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d < 0 {
		return time.Now().Add(d).UTC(), nil
	}
	return time.Time{}, errors.NewInvalidValue("time", s, "want RFC 3339, Unix milliseconds or a negative duration")
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return config.DefaultHistoryLimit, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, errors.NewInvalidValue("limit", s, "must be a positive integer")
	}
	if n > config.MaxHistoryLimit {
		n = config.MaxHistoryLimit
	}
	return n, nil
}
