package http

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"livefabric/internal/cascade"
	"livefabric/internal/core/domain"
	"livefabric/internal/manager"
	"livefabric/internal/sdp"
	apperrors "livefabric/pkg/errors"
	"livefabric/pkg/utils"
	"livefabric/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	contentTypeSDP     = "application/sdp"
	contentTypeICEFrag = "application/trickle-ice-sdpfrag"
)

// Config carries the handler-level knobs.
type Config struct {
	// ICEServers are advertised on WHIP/WHEP answers via Link headers.
	ICEServers []string
	// DisabledCodecs are filtered out of every incoming offer.
	DisabledCodecs []string
}

// Handler glues the HTTP surface onto the stream manager and cascade
// controller. It carries no business logic.
type Handler struct {
	streams *manager.Manager
	cascade *cascade.Controller
	cfg     Config
	logger  *zap.SugaredLogger
}

// NewHandler builds the HTTP surface.
func NewHandler(streams *manager.Manager, cascadeCtl *cascade.Controller, cfg Config, logger *zap.SugaredLogger) *Handler {
	return &Handler{streams: streams, cascade: cascadeCtl, cfg: cfg, logger: logger}
}

// Register mounts the WHIP/WHEP/session/api routes; admin routes go on the
// (separately guarded) admin group.
func (h *Handler) Register(r gin.IRoutes, admin gin.IRoutes) {
	r.POST("/whip/:stream", h.Whip)
	r.POST("/whep/:stream", h.Whep)
	r.PATCH("/session/:stream/:session", h.PatchSession)
	r.POST("/session/:stream/:session", h.PostSession)
	r.DELETE("/session/:stream/:session", h.DeleteSession)
	r.GET("/session/:stream/:session/layer", h.GetLayers)
	r.POST("/session/:stream/:session/layer", h.SelectLayer)
	r.DELETE("/session/:stream/:session/layer", h.UnselectLayer)
	r.GET("/api/streams", h.ApiStreams)
	r.GET("/api/streams/sse", h.StreamEventsSSE)
	r.GET("/api/streams/ws", h.StreamEventsWS)

	admin.POST("/admin/reforward/:stream", h.AdminReforward)
	admin.POST("/admin/streams/:stream", h.AdminStreamCreate)
	admin.DELETE("/admin/streams/:stream", h.AdminStreamDelete)
}

// readOffer enforces the SDP content type, reads the body and applies the
// codec filter.
func (h *Handler) readOffer(c *gin.Context) (string, error) {
	if ct := c.ContentType(); ct != contentTypeSDP {
		return "", apperrors.NewInvalidContentTypeError(ct)
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", apperrors.NewInvalidSdpError(err)
	}
	offer, err := sdp.FilterCodecs(string(body), h.cfg.DisabledCodecs)
	if err != nil {
		return "", apperrors.NewInvalidSdpError(err)
	}
	return offer, nil
}

func (h *Handler) answerCreated(c *gin.Context, stream domain.StreamID, session domain.SessionID, answer string, layers []domain.Layer) {
	c.Header("Location", fmt.Sprintf("/session/%s/%s", stream, session))
	for _, ice := range h.cfg.ICEServers {
		c.Writer.Header().Add("Link", fmt.Sprintf(`<%s>; rel="ice-server"`, ice))
	}
	if len(layers) > 0 {
		c.Writer.Header().Add("Link", fmt.Sprintf(`</session/%s/%s/layer>; rel="urn:ietf:params:whep:ext:core:layer"`, stream, session))
	}
	c.Data(http.StatusCreated, contentTypeSDP, []byte(answer))
}

// Whip accepts a publisher offer. A dial from an upstream cascade carries
// origin headers that mark the ingress as cascaded.
func (h *Handler) Whip(c *gin.Context) {
	stream := domain.StreamID(c.Param("stream"))
	if err := validation.ValidateStreamID(string(stream)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offer, err := h.readOffer(c)
	if err != nil {
		h.renderError(c, err)
		return
	}

	var origin *domain.ReforwardOrigin
	if upstream := c.GetHeader(cascade.HeaderReforwardOrigin); upstream != "" {
		origin = &domain.ReforwardOrigin{
			UpstreamURL: upstream,
			SessionID:   c.GetHeader(cascade.HeaderReforwardSession),
		}
	}

	answer, session, err := h.streams.PublishCascaded(c.Request.Context(), stream, offer, origin)
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.answerCreated(c, stream, session, answer, nil)
}

// Whep accepts a subscriber offer, pulling the stream from the cluster on a
// local miss.
func (h *Handler) Whep(c *gin.Context) {
	stream := domain.StreamID(c.Param("stream"))
	if err := validation.ValidateStreamID(string(stream)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offer, err := h.readOffer(c)
	if err != nil {
		h.renderError(c, err)
		return
	}

	answer, session, err := h.streams.Subscribe(c.Request.Context(), stream, offer)
	if err != nil {
		h.renderError(c, err)
		return
	}

	layers, _ := h.streams.Layers(stream)
	h.answerCreated(c, stream, session, answer, layers)
}

// PatchSession handles trickle ICE.
func (h *Handler) PatchSession(c *gin.Context) {
	if ct := c.ContentType(); ct != contentTypeICEFrag {
		h.renderError(c, apperrors.NewInvalidContentTypeError(ct))
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.renderError(c, apperrors.NewInvalidSdpError(err))
		return
	}
	if err := h.streams.AddICECandidate(domain.StreamID(c.Param("stream")), domain.SessionID(c.Param("session")), string(body)); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type changeResourceRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Enabled bool   `json:"enabled"`
}

// PostSession toggles forwarding per kind for a session.
func (h *Handler) PostSession(c *gin.Context) {
	var req changeResourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	kind, err := parseKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.streams.ChangeResource(domain.StreamID(c.Param("stream")), domain.SessionID(c.Param("session")), kind, req.Enabled); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// DeleteSession removes one session.
func (h *Handler) DeleteSession(c *gin.Context) {
	if err := h.streams.RemoveSession(domain.StreamID(c.Param("stream")), domain.SessionID(c.Param("session"))); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GetLayers lists the published simulcast encodings.
func (h *Handler) GetLayers(c *gin.Context) {
	layers, err := h.streams.Layers(domain.StreamID(c.Param("stream")))
	if err != nil {
		h.renderError(c, err)
		return
	}
	if layers == nil {
		layers = []domain.Layer{}
	}
	c.JSON(http.StatusOK, layers)
}

type selectLayerRequest struct {
	EncodingID string `json:"encodingId" binding:"required"`
}

// SelectLayer switches a subscriber to the requested encoding.
func (h *Handler) SelectLayer(c *gin.Context) {
	var req selectLayerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.streams.SelectLayer(domain.StreamID(c.Param("stream")), domain.SessionID(c.Param("session")), req.EncodingID); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// UnselectLayer disables video for the subscriber until re-selected.
func (h *Handler) UnselectLayer(c *gin.Context) {
	if err := h.streams.SelectLayer(domain.StreamID(c.Param("stream")), domain.SessionID(c.Param("session")), domain.LayerDisabled); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// ApiStreams returns snapshots for the requested streams (all by default).
func (h *Handler) ApiStreams(c *gin.Context) {
	var ids []domain.StreamID
	if raw := c.Query("streams"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				ids = append(ids, domain.StreamID(s))
			}
		}
	}
	c.JSON(http.StatusOK, h.streams.Info(ids))
}

type reforwardRequest struct {
	TargetURL          string `json:"targetUrl" binding:"required"`
	AdminAuthorization string `json:"adminAuthorization,omitempty"`
}

// AdminReforward asks this node to push a stream to another node's WHIP
// endpoint.
func (h *Handler) AdminReforward(c *gin.Context) {
	if h.cascade == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "cascade disabled"})
		return
	}
	var req reforwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validation.ValidateTargetURL(req.TargetURL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.cascade.HandleReforward(c.Request.Context(), domain.StreamID(c.Param("stream")), req.TargetURL); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// AdminStreamCreate pre-registers a stream.
func (h *Handler) AdminStreamCreate(c *gin.Context) {
	if err := h.streams.StreamCreate(domain.StreamID(c.Param("stream"))); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// AdminStreamDelete destroys a stream and all its sessions.
func (h *Handler) AdminStreamDelete(c *gin.Context) {
	if err := h.streams.StreamDelete(domain.StreamID(c.Param("stream"))); err != nil {
		h.renderError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func parseKind(kind string) (webrtc.RTPCodecType, error) {
	switch strings.ToLower(kind) {
	case "video":
		return webrtc.RTPCodecTypeVideo, nil
	case "audio":
		return webrtc.RTPCodecTypeAudio, nil
	default:
		return webrtc.RTPCodecType(0), fmt.Errorf("unknown kind %q", kind)
	}
}

// renderError maps domain sentinels and AppErrors onto HTTP responses.
func (h *Handler) renderError(c *gin.Context, err error) {
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		switch {
		case errors.Is(err, domain.ErrStreamNotFound):
			appErr = apperrors.NewStreamNotFoundError(c.Param("stream"))
		case errors.Is(err, domain.ErrSessionNotFound):
			appErr = apperrors.NewSessionNotFoundError(c.Param("session"))
		case errors.Is(err, domain.ErrStreamAlreadyExists):
			appErr = apperrors.NewStreamExistsError(c.Param("stream"))
		case errors.Is(err, domain.ErrNoPublisher):
			appErr = apperrors.NewStreamNotFoundError(c.Param("stream"))
		case errors.Is(err, domain.ErrNoAvailableNode):
			appErr = apperrors.NewNoAvailableNodeError(c.Param("stream"))
		default:
			appErr = apperrors.NewInternalError(err.Error(), utils.GenerateCorrelationID())
			h.logger.Errorw("internal error",
				"path", c.FullPath(), "correlation_id", appErr.CorrelationID, "error", err)
		}
	}
	c.JSON(appErr.HTTPStatus, gin.H{
		"error":         appErr.Message,
		"code":          appErr.Code,
		"correlationId": appErr.CorrelationID,
	})
}
