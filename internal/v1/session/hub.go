package session

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/corkboard/realtime/internal/v1/auth"
	"github.com/corkboard/realtime/internal/v1/logging"
	"github.com/corkboard/realtime/internal/v1/metrics"
	"github.com/corkboard/realtime/internal/v1/ratelimit"
	"github.com/corkboard/realtime/internal/v1/store"
	"github.com/corkboard/realtime/internal/v1/types"
)

const bridgePublishTimeout = 5 * time.Second

// TokenValidator verifies a bearer token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*auth.CustomClaims, error)
}

// IdentityStore answers user and space lookups during auth and join.
type IdentityStore interface {
	UserByID(ctx context.Context, id types.UserIdType) (*store.User, error)
	SpaceByID(ctx context.Context, id types.SpaceIdType) (*store.Space, error)
	IsMember(ctx context.Context, spaceID types.SpaceIdType, userID types.UserIdType) (bool, error)
}

// EventBridge mirrors space events to peer hub instances.
type EventBridge interface {
	Publish(ctx context.Context, spaceID types.SpaceIdType, senderID types.UserIdType, frame []byte) error
}

// HubConfig carries the tunables the hub needs from the environment.
type HubConfig struct {
	AllowedOrigins    []string
	ColorPalette      []string
	HeartbeatInterval time.Duration
}

// Hub accepts websocket sessions and routes their frames through the
// registry. One hub serves every space in the process.
type Hub struct {
	registry  *Registry
	validator TokenValidator
	store     IdentityStore
	bridge    EventBridge
	limiter   *ratelimit.RateLimiter

	allowedOrigins    []string
	heartbeatInterval time.Duration

	// publishCh bounds the number of in-flight bridge publishes.
	publishCh chan struct{}
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHub wires the hub. bridge and limiter may be nil when Redis is
// disabled.
func NewHub(validator TokenValidator, identities IdentityStore, bridge EventBridge, limiter *ratelimit.RateLimiter, cfg HubConfig) *Hub {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:          NewRegistry(cfg.ColorPalette),
		validator:         validator,
		store:             identities,
		bridge:            bridge,
		limiter:           limiter,
		allowedOrigins:    cfg.AllowedOrigins,
		heartbeatInterval: cfg.HeartbeatInterval,
		publishCh:         make(chan struct{}, 100),
		ctx:               ctx,
		cancel:            cancel,
	}
}

// ServeWs is the gin handler for the websocket endpoint. Connection-rate
// limiting runs first, then origin validation, then the upgrade. Auth
// happens in-band after the upgrade.
func (h *Hub) ServeWs(c *gin.Context) {
	if h.limiter != nil && !h.limiter.CheckWebSocket(c) {
		return
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	conn, err := h.upgradeWebSocket(c)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}

	h.HandleConnection(conn)
}

// HandleConnection registers an upgraded connection and starts its pumps.
// Split from ServeWs so tests can drive a session over a mock connection.
func (h *Hub) HandleConnection(conn wsConnection) *Client {
	client := newClient(h, conn)
	h.registry.Track(client)
	metrics.IncConnection()

	logging.Info(context.Background(), "Session connected",
		zap.String("sessionId", client.sessionID))

	go client.writePump()
	go client.readPump()
	return client
}

// validateOrigin checks the Origin header against the allowed list by
// scheme and host. A missing header is allowed: non-browser clients do not
// send one.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "Invalid origin URL",
			zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		if allowed == "*" {
			return nil
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "Origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}

func (h *Hub) upgradeWebSocket(c *gin.Context) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Error(c.Request.Context(), "Failed to upgrade connection", zap.Error(err))
		return nil, err
	}
	return conn, nil
}

// publishBridge mirrors a frame to peer instances without blocking the
// frame handler. In-flight publishes are bounded by publishCh; past the
// bound the event is dropped and counted, on the theory that a backed-up
// Redis should not back up the hub.
func (h *Hub) publishBridge(ctx context.Context, spaceID types.SpaceIdType, senderID types.UserIdType, frame []byte) {
	if h.bridge == nil {
		return
	}

	select {
	case h.publishCh <- struct{}{}:
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer func() { <-h.publishCh }()

			pubCtx, cancel := context.WithTimeout(context.Background(), bridgePublishTimeout)
			defer cancel()
			if err := h.bridge.Publish(pubCtx, spaceID, senderID, frame); err != nil {
				logging.Warn(pubCtx, "Bridge publish failed",
					zap.String("spaceId", string(spaceID)), zap.Error(err))
			}
		}()
	default:
		metrics.BridgeEvents.WithLabelValues("out", "dropped").Inc()
		logging.Warn(ctx, "Dropping bridge publish, queue full",
			zap.String("spaceId", string(spaceID)))
	}
}

// InjectBridgeFrame delivers a frame that arrived from a peer instance to
// the local members of its space, minus the original sender if they happen
// to be connected here too.
func (h *Hub) InjectBridgeFrame(spaceID types.SpaceIdType, senderID types.UserIdType, frame []byte) {
	h.registry.BroadcastToSpace(spaceID, frame, senderID)
}

// Shutdown disconnects every session and waits for in-flight bridge
// publishes, up to the context deadline.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "Hub shutting down")
	h.cancel()

	sessions := h.registry.OpenSessions()
	for _, c := range sessions {
		c.Disconnect()
	}
	logging.Info(ctx, "Disconnected sessions", zap.Int("count", len(sessions)))

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
