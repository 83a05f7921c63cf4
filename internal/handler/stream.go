package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/sentinel/internal/fanout"
	"github.com/xtxerr/sentinel/internal/logging"
)

// stream serves GET /api/metrics/:deviceId/stream as Server-Sent Events.
// The device id "*" follows every device. Each sample is one "sample"
// event; idle periods get a comment line so proxies keep the connection.
func (a *API) stream(c *gin.Context) {
	topic := fanout.AllDevices
	if id := c.Param("deviceId"); id != "*" {
		topic = fanout.DeviceTopic(id)
	}

	sub := a.deps.Hub.Subscribe(topic, a.opts.SubscriberBuffer)
	defer sub.Close()

	// The server's write timeout would otherwise end the stream.
	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	l := logging.WithContext(c.Request.Context())
	l.Debug("stream opened", "topic", topic, "subscription", sub.ID)

	heartbeat := time.NewTicker(a.opts.StreamHeartbeat)
	defer heartbeat.Stop()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case s, ok := <-sub.C():
			if !ok {
				return false
			}
			c.SSEvent("sample", s)
			return true
		case <-heartbeat.C:
			_, err := io.WriteString(w, ": heartbeat\n\n")
			return err == nil
		case <-ctx.Done():
			return false
		}
	})

	l.Debug("stream closed", "topic", topic, "dropped", sub.Dropped())
}
