package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-registration/internal/apperror"
	"ms-registration/internal/auth"
	"ms-registration/internal/models"
)

// StreamCheckIns streams completed check-ins as Server-Sent Events. With
// ?kind=&targetId= only that target is streamed.
func (h *Handler) StreamCheckIns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ref := models.TargetRef{Kind: models.EntitlementKind(q.Get("kind")), ID: q.Get("targetId")}
	if (ref.Kind != "" || ref.ID != "") && (!ref.Kind.Valid() || ref.ID == "") {
		h.fail(w, "StreamCheckIns", apperror.Validation(apperror.CodeInvalidRequest, "kind and targetId must be given together"))
		return
	}
	// The server write timeout would cut the stream; this response has none.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		h.fail(w, "StreamCheckIns", apperror.Internal(err, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	target := "all"
	if ref.ID != "" {
		target = ref.String()
	}
	ctx := r.Context()
	records := h.Feed.Subscribe(ctx, ref)

	send := func(frame string) error {
		if _, err := io.WriteString(w, frame); err != nil {
			return err
		}
		return rc.Flush()
	}

	if err := send(fmt.Sprintf("event: connected\ndata: {\"status\":\"connected\",\"target\":%q}\n\n", target)); err != nil {
		h.Logger.Warn("SSE", fmt.Sprintf("Failed to open check-in stream: %v", err))
		return
	}
	h.Logger.Info("SSE", fmt.Sprintf("%s streaming check-ins for %s", auth.UserID(ctx), target))

	for {
		select {
		case rec, ok := <-records:
			if !ok {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				h.Logger.Error("SSE", fmt.Sprintf("Failed to serialize check-in %s: %v", rec.ID, err))
				continue
			}
			if err := send(fmt.Sprintf("event: checkin\ndata: %s\n\n", data)); err != nil {
				h.Logger.Debug("SSE", fmt.Sprintf("%s check-in stream closed: %v", auth.UserID(ctx), err))
				return
			}
		case <-ctx.Done():
			h.Logger.Debug("SSE", fmt.Sprintf("%s stopped streaming check-ins", auth.UserID(ctx)))
			return
		}
	}
}
