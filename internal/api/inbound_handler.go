package api

import (
	"errors"
	"io"
	"mime"
	"net/http"

	"edgerelay/internal/dispatch"
	"edgerelay/internal/logging"
	"edgerelay/internal/pack"
	"edgerelay/internal/relay"
	"edgerelay/internal/transport"
)

const maxEnvelopeBytes = 4 << 20

// InboundHandler accepts DIDComm envelopes posted by the agent or the
// mediator. A return-routed reply is written in the response body.
type InboundHandler struct {
	Relay  *relay.Context
	Logger *logging.Logger
}

func (h *InboundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setSecurityHeaders(w, cacheControlNoStore)
	if r.Method == http.MethodGet && r.URL.Path == "/" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("edgerelay ok\n"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Relay == nil {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	envelope, err := io.ReadAll(io.LimitReader(r.Body, maxEnvelopeBytes+1))
	if err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(envelope) > maxEnvelopeBytes {
		http.Error(w, "envelope too large", http.StatusRequestEntityTooLarge)
		return
	}

	reply, err := h.Relay.HandleInbound(r.Context(), envelope)
	if err != nil {
		h.logger().Warn("inbound envelope not handled", map[string]string{"error": err.Error()})
		if rejectedEnvelope(err) && len(reply) == 0 {
			http.Error(w, "envelope rejected", http.StatusBadRequest)
			return
		}
	}
	if len(reply) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", replyMediaType(r))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// replyMediaType answers legacy agents in the media type they posted.
func replyMediaType(r *http.Request) string {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == pack.MediaTypeLegacy {
		return pack.MediaTypeLegacy
	}
	return pack.MediaTypeEnvelope
}

func (h *InboundHandler) logger() *logging.Logger {
	if h.Logger == nil {
		return logging.Discard()
	}
	return h.Logger
}

// rejectedEnvelope reports failures that happen before any protocol
// handling: the envelope could not be opened or addressed.
func rejectedEnvelope(err error) bool {
	return errors.Is(err, pack.ErrMalformedEnvelope) ||
		errors.Is(err, pack.ErrNoRecipient) ||
		errors.Is(err, pack.ErrDecrypt) ||
		errors.Is(err, dispatch.ErrUnknownConnection)
}

// SessionHandler upgrades the agent's websocket and serves it until it
// closes.
type SessionHandler struct {
	Relay  *relay.Context
	Logger *logging.Logger
}

func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Relay == nil {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if h.Logger != nil {
		h.Logger.Debug("agent websocket opened", map[string]string{"remote": r.RemoteAddr})
	}
	h.Relay.ServeSession(r.Context(), transport.NewWSConn(conn))
}
