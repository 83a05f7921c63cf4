package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xtxerr/sentinel/internal/codec"
	"github.com/xtxerr/sentinel/internal/logging"
)

// ingest handles POST /api/metrics. It answers 202 with the ack once
// the samples are queued; persistence happens later. Samples already
// queued are never answered with an error, even when shutdown refuses
// the rest of the request.
func (a *API) ingest(c *gin.Context) {
	format, err := codec.FormatFromContentType(c.GetHeader("Content-Type"))
	if err != nil {
		fail(c, err)
		return
	}

	body, err := codec.ReadBody(c.Request.Body, c.GetHeader("Content-Encoding"), a.opts.MaxBodySize)
	if err != nil {
		fail(c, err)
		return
	}

	samples, err := codec.DecodeSamples(body, format)
	if err != nil {
		fail(c, err)
		return
	}

	ack, err := a.deps.Ingest.Accept(c.Request.Context(), samples)
	if err != nil {
		fail(c, err)
		return
	}
	if ack.Refused > 0 {
		logging.WithContext(c.Request.Context()).Warn("ingest interrupted by shutdown",
			"accepted", ack.Accepted, "refused", ack.Refused)
	}

	c.JSON(http.StatusAccepted, ack)
}
