package controlplane

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"

	"github.com/kraiz/nusbot/internal/fetch"
	"github.com/kraiz/nusbot/internal/hub"
	"github.com/kraiz/nusbot/internal/metrics"
	"github.com/kraiz/nusbot/internal/version"
)

const defaultChangeDays = 7

func init() {
	gin.SetMode(gin.ReleaseMode)
}

func newRouter(config Config, src Source) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())
	r.Use(corsHandler())
	r.Use(compression())

	h := &handlers{src: src}

	r.GET("/", func(c *gin.Context) {
		writeJSON(c, http.StatusOK, gin.H{"name": version.AppName, "version": version.Detailed()})
	})
	r.GET("/health", func(c *gin.Context) {
		writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1")
	v1.Use(rateLimiter())
	v1.Use(tokenAuth(config.Token))
	{
		v1.GET("/status", h.status)
		v1.GET("/users", h.users)
		v1.POST("/users/:cid/fetch", h.fetch)
		v1.GET("/changes", h.changes)
	}

	r.NoRoute(func(c *gin.Context) {
		abortJSON(c, http.StatusNotFound, "not_found", "not found")
	})
	r.NoMethod(func(c *gin.Context) {
		abortJSON(c, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.HandleMethodNotAllowed = true

	return r
}

type handlers struct {
	src Source
}

func (h *handlers) status(c *gin.Context) {
	st, err := h.src.Status(c.Request.Context())
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (h *handlers) users(c *gin.Context) {
	users := h.src.Users(c.Request.Context())
	if users == nil {
		users = []User{}
	}
	writeJSON(c, http.StatusOK, users)
}

func (h *handlers) fetch(c *gin.Context) {
	cid := c.Param("cid")
	err := h.src.RequestFetch(c.Request.Context(), cid)
	switch {
	case err == nil:
		writeJSON(c, http.StatusAccepted, &FetchResponse{CID: cid, Status: "requested"})
	case errors.Is(err, fetch.ErrAlreadyPending):
		writeJSON(c, http.StatusConflict, &FetchResponse{CID: cid, Status: "pending"})
	case errors.Is(err, hub.ErrUnknownUser):
		abortJSON(c, http.StatusNotFound, "unknown_user", err.Error())
	case errors.Is(err, hub.ErrNotConnected):
		abortJSON(c, http.StatusServiceUnavailable, "not_connected", err.Error())
	case errors.Is(err, fetch.ErrNoContentID):
		abortJSON(c, http.StatusUnprocessableEntity, "no_cid", err.Error())
	default:
		abortJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// changes accepts either ?since=<RFC3339> or ?days=<n>, defaulting to the
// last week.
func (h *handlers) changes(c *gin.Context) {
	since, err := parseSince(c.Query("since"), c.Query("days"), time.Now())
	if err != nil {
		abortJSON(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	changes, err := h.src.Changes(ctx, since)
	if err != nil {
		abortJSON(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if changes == nil {
		changes = []Change{}
	}
	writeJSON(c, http.StatusOK, &ChangesResponse{Since: since, Changes: changes})
}

func parseSince(since, days string, now time.Time) (time.Time, error) {
	if since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return time.Time{}, errors.New("since must be an RFC3339 timestamp")
		}
		return ts, nil
	}

	n := defaultChangeDays
	if days != "" {
		var err error
		n, err = strconv.Atoi(days)
		if err != nil || n < 0 {
			return time.Time{}, errors.New("days must be a non-negative integer")
		}
	}
	return now.AddDate(0, 0, -n), nil
}

func writeJSON(c *gin.Context, code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(code, "application/json; charset=utf-8", data)
}

func abortJSON(c *gin.Context, code int, errCode, message string) {
	writeJSON(c, code, &ErrorResponse{Code: errCode, Message: message})
	c.Abort()
}
