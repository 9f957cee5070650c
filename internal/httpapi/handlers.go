package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/relaymesh/internal/telemetry"
	"github.com/rmacdonaldsmith/relaymesh/pkg/message"
	"github.com/rmacdonaldsmith/relaymesh/pkg/relaynode"
)

// MaxBodyBytes bounds submit request bodies.
const MaxBodyBytes = 1 << 20

// Handlers contains the HTTP handlers over one relay node
type Handlers struct {
	node    relaynode.RelayNode
	jwtAuth *JWTAuth
	logger  *zap.Logger
}

// NewHandlers creates handlers for node
func NewHandlers(node relaynode.RelayNode, jwtAuth *JWTAuth, logger *zap.Logger) *Handlers {
	return &Handlers{
		node:    node,
		jwtAuth: jwtAuth,
		logger:  telemetry.OrNop(logger),
	}
}

// Login issues a token for a client ID. The client ID "admin" gets admin rights.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req AuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ClientID == "" {
		writeError(w, "clientId is required", http.StatusBadRequest)
		return
	}

	token, expiresAt, err := h.jwtAuth.GenerateToken(req.ClientID, req.ClientID == "admin")
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}
	writeJSON(w, AuthResponse{Token: token, ClientID: req.ClientID, ExpiresAt: expiresAt}, http.StatusOK)
}

// SubmitMessage accepts a message for relaying. It answers 202 as soon as
// the message is queued; the auction and delivery happen afterwards.
func (h *Handlers) SubmitMessage(w http.ResponseWriter, r *http.Request) {
	if err := validateJSON(r); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req SubmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := validateSubmit(&req); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg := message.New(req.Contents, req.DeliveryURL, req.StatusURL)
	err := h.node.Submit(r.Context(), msg)
	switch {
	case err == nil:
	case errors.Is(err, relaynode.ErrQueueFull):
		w.Header().Set("Retry-After", "1")
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	case errors.Is(err, relaynode.ErrNotStarted):
		writeError(w, err.Error(), http.StatusServiceUnavailable)
		return
	default:
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.logger.Debug("message accepted",
		zap.Stringer("message", msg.ID),
		zap.String("client", GetClientID(r)),
		zap.Int("size", msg.Size()))
	writeJSON(w, SubmitResponse{
		ID:         msg.ID.String(),
		AcceptedBy: h.node.GetNodeID(),
		AcceptedAt: time.Now().UTC(),
	}, http.StatusAccepted)
}

// GetMessage looks a message up across the cluster. Contents are only
// returned when ?contents=true.
func (h *Handlers) GetMessage(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, "Invalid message ID", http.StatusBadRequest)
		return
	}

	msg, err := h.node.Lookup(r.Context(), id)
	if errors.Is(err, relaynode.ErrMessageNotFound) {
		writeError(w, fmt.Sprintf("Message %s not found", id), http.StatusNotFound)
		return
	}
	if err != nil {
		writeError(w, "Lookup failed: "+err.Error(), http.StatusGatewayTimeout)
		return
	}

	resp := MessageResponse{
		ID:          msg.ID.String(),
		Status:      msg.Status.String(),
		DeliveryURL: msg.DeliveryURL,
		StatusURL:   msg.StatusURL,
		Size:        msg.Size(),
	}
	if r.URL.Query().Get("contents") == "true" {
		resp.Contents = msg.Contents
	}
	writeJSON(w, resp, http.StatusOK)
}

// ListNodes returns the admitted cluster members
func (h *Handlers) ListNodes(w http.ResponseWriter, r *http.Request) {
	peers, err := h.node.GetConnectedPeers(r.Context())
	if err != nil {
		writeError(w, "Failed to list peers", http.StatusInternalServerError)
		return
	}
	if peers == nil {
		peers = []relaynode.PeerInfo{}
	}
	writeJSON(w, NodesResponse{NodeID: h.node.GetNodeID(), Peers: peers}, http.StatusOK)
}

// AdminCache returns the local cache contents without message bodies
func (h *Handlers) AdminCache(w http.ResponseWriter, r *http.Request) {
	snap, err := h.node.CacheSnapshot(r.Context())
	if err != nil {
		writeError(w, "Failed to read cache", http.StatusInternalServerError)
		return
	}
	if snap.Messages == nil {
		snap.Messages = []relaynode.MessageSummary{}
	}
	writeJSON(w, snap, http.StatusOK)
}

// Health reports the node health; unhealthy nodes answer 503
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health, err := h.node.GetHealth(r.Context())
	if err != nil {
		writeError(w, "Failed to get health status", http.StatusInternalServerError)
		return
	}
	statusCode := http.StatusOK
	if !health.Healthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthResponse{NodeID: h.node.GetNodeID(), HealthStatus: health}, statusCode)
}

func validateJSON(r *http.Request) error {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return errors.New("Content-Type must be application/json")
	}
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil || mt != "application/json" {
		return errors.New("Content-Type must be application/json")
	}
	return nil
}

func validateSubmit(req *SubmitRequest) error {
	if req.DeliveryURL == "" {
		return errors.New("deliveryUrl is required")
	}
	if err := validateURL(req.DeliveryURL); err != nil {
		return fmt.Errorf("deliveryUrl: %w", err)
	}
	if req.StatusURL != "" {
		if err := validateURL(req.StatusURL); err != nil {
			return fmt.Errorf("statusUrl: %w", err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
