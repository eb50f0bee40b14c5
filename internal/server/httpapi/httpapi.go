package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/ccheshirecat/hostagent/internal/server/db"
	"github.com/ccheshirecat/hostagent/internal/server/eventbus"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/events"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/executor"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/pool"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/reconcile"
	"github.com/ccheshirecat/hostagent/internal/server/hostagent/vmstate"
)

// APIKeyHeader carries the shared secret when HOSTAGENT_API_KEY is set.
const APIKeyHeader = "X-Hostagent-API-Key"

// Options carries the access controls applied to every route.
type Options struct {
	APIKey     string
	AllowCIDRs []string
}

// New constructs the HTTP API router backed by the host agent engine.
func New(logger *slog.Logger, engine hostagent.Engine, bus eventbus.Bus, opts Options) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))

	if len(opts.AllowCIDRs) > 0 {
		r.Use(ipFilterMiddleware(logger, opts.AllowCIDRs))
	}
	if apiKey := strings.TrimSpace(opts.APIKey); apiKey != "" {
		r.Use(apiKeyMiddleware(apiKey))
	}

	api := &apiServer{logger: logger, engine: engine, bus: bus}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/openapi.json", func(c *gin.Context) {
		api.serveOpenAPI(c.Writer, c.Request)
	})

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", api.pollStatus)

		vms := v1.Group("/vms")
		{
			vms.GET("", api.listVMs)
			vms.POST("", api.startVM)
			vms.GET(":name", api.getVM)
			vms.POST(":name/stop", api.stopVM)
			vms.POST(":name/reboot", api.rebootVM)
			vms.POST(":name/migrate", api.migrateVM)
		}

		v1.POST("/migrations", api.prepareForMigration)

		v1.GET("/pool", api.getPool)
		v1.POST("/pool/setup", api.setupPool)

		v1.GET("/journal/commands", api.recentCommands)

		v1.GET("/events/vms", api.streamVMEvents)
	}

	r.GET("/ws/v1/events", api.eventsWebSocket)

	return r
}

// requestLogger adapts slog to Gin's middleware interface.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		args := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.String("latency", time.Since(start).String()),
			slog.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			args = append(args, slog.String("error", c.Errors.String()))
			logger.Error("http request", args...)
		} else {
			logger.Info("http request", args...)
		}
	}
}

func ipFilterMiddleware(logger *slog.Logger, cidrs []string) gin.HandlerFunc {
	var networks []*net.IPNet
	for _, raw := range cidrs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			logger.Warn("invalid CIDR", "cidr", raw, "error", err)
			continue
		}
		networks = append(networks, network)
	}
	if len(networks) == 0 {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid client IP"})
			return
		}
		for _, network := range networks {
			if network.Contains(ip) {
				c.Next()
				return
			}
		}
		logger.Warn("request blocked by CIDR filter", "ip", ip.String())
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "access denied"})
	}
}

// apiKeyMiddleware leaves /healthz open so that supervisors can probe the
// daemon without the shared secret.
func apiKeyMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/healthz" {
			c.Next()
			return
		}
		provided := c.GetHeader(APIKeyHeader)
		if provided == "" {
			provided = c.Query("api_key")
		}
		if provided != expected {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Next()
	}
}

type apiServer struct {
	logger *slog.Logger
	engine hostagent.Engine
	bus    eventbus.Bus
}

// VMStateResponse is one entry of the state store.
type VMStateResponse struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// StatusResponse carries the changes drained by a status poll.
type StatusResponse struct {
	Changes   map[string]string `json:"changes"`
	Reconcile reconcile.Status  `json:"reconcile"`
}

// MigrateRequest names the destination of a live migration.
type MigrateRequest struct {
	DestHostID string `json:"dest_host_id"`
	DestIP     string `json:"dest_ip"`
}

// CommandResponse is one journaled command outcome.
type CommandResponse struct {
	ID         int64     `json:"id"`
	Kind       string    `json:"kind"`
	VMName     string    `json:"vm_name,omitempty"`
	Success    bool      `json:"success"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

func commandToResponse(rec db.CommandRecord) CommandResponse {
	return CommandResponse{
		ID:         rec.ID,
		Kind:       string(rec.Kind),
		VMName:     rec.VMName,
		Success:    rec.Success,
		Message:    rec.Message,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		DurationMS: rec.Duration().Milliseconds(),
	}
}

func stateMap(in map[string]vmstate.State) map[string]string {
	out := make(map[string]string, len(in))
	for name, state := range in {
		out[name] = string(state)
	}
	return out
}

func sortStates(states []VMStateResponse) {
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
}

func (api *apiServer) pollStatus(c *gin.Context) {
	changes, err := api.engine.PollStatus(c.Request.Context())
	if err != nil {
		api.logger.Error("poll status", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, StatusResponse{Changes: stateMap(changes), Reconcile: api.engine.ReconcileStatus()})
}

func (api *apiServer) listVMs(c *gin.Context) {
	snapshot := api.engine.ListVMs()
	resp := make([]VMStateResponse, 0, len(snapshot))
	for name, state := range snapshot {
		resp = append(resp, VMStateResponse{Name: name, State: string(state)})
	}
	sortStates(resp)
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) getVM(c *gin.Context) {
	name := c.Param("name")
	state, ok := api.engine.GetVM(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "vm not found"})
		return
	}
	c.JSON(http.StatusOK, VMStateResponse{Name: name, State: string(state)})
}

func (api *apiServer) startVM(c *gin.Context) {
	var spec executor.VMSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(spec.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	c.JSON(http.StatusOK, api.engine.StartVM(c.Request.Context(), spec))
}

func (api *apiServer) stopVM(c *gin.Context) {
	c.JSON(http.StatusOK, api.engine.StopVM(c.Request.Context(), c.Param("name")))
}

func (api *apiServer) rebootVM(c *gin.Context) {
	c.JSON(http.StatusOK, api.engine.RebootVM(c.Request.Context(), c.Param("name")))
}

func (api *apiServer) migrateVM(c *gin.Context) {
	var req MigrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res := api.engine.MigrateVM(c.Request.Context(), c.Param("name"), req.DestHostID, req.DestIP)
	c.JSON(http.StatusOK, res)
}

func (api *apiServer) prepareForMigration(c *gin.Context) {
	var spec executor.VMSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(spec.Name) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name required"})
		return
	}
	c.JSON(http.StatusOK, api.engine.PrepareForMigration(c.Request.Context(), spec))
}

func (api *apiServer) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, api.engine.PoolRecord())
}

func (api *apiServer) setupPool(c *gin.Context) {
	var repo pool.Repository
	if err := c.ShouldBindJSON(&repo); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	record, err := api.engine.SetupPool(c.Request.Context(), repo)
	if err != nil {
		api.logger.Error("pool setup", "error", err)
		status := http.StatusBadGateway
		if pool.IsConfigError(err) {
			status = http.StatusBadRequest
		}
		c.JSON(status, gin.H{"error": err.Error(), "record": record})
		return
	}
	c.JSON(http.StatusOK, record)
}

func (api *apiServer) recentCommands(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	records, err := api.engine.RecentCommands(c.Request.Context(), c.Query("vm"), limit)
	if err != nil {
		if errors.Is(err, hostagent.ErrJournalDisabled) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		api.logger.Error("recent commands", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read journal"})
		return
	}
	resp := make([]CommandResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, commandToResponse(rec))
	}
	c.JSON(http.StatusOK, resp)
}

func (api *apiServer) streamVMEvents(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	ctx := c.Request.Context()
	eventsCh := make(chan any, 16)
	unsubscribe, err := api.bus.Subscribe(events.TopicVMEvents, eventsCh)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to subscribe"})
		return
	}
	defer unsubscribe()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-eventsCh:
			vmEvent, ok := payload.(events.VMEvent)
			if !ok {
				continue
			}
			data, err := json.Marshal(vmEvent)
			if err != nil {
				api.logger.Error("marshal vm event", "error", err)
				continue
			}
			if _, err := c.Writer.Write([]byte("event: " + vmEvent.Type + "\n")); err != nil {
				return
			}
			if _, err := c.Writer.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// eventsWebSocket forwards VM and pool events as JSON frames.
func (api *apiServer) eventsWebSocket(c *gin.Context) {
	if api.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event streaming not available"})
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		api.logger.Error("events ws upgrade", "error", err)
		return
	}
	defer conn.Close()

	eventsCh := make(chan any, 32)
	unsubVM, err := api.bus.Subscribe(events.TopicVMEvents, eventsCh)
	if err != nil {
		api.logger.Error("events ws subscribe", "error", err)
		return
	}
	defer unsubVM()
	unsubPool, err := api.bus.Subscribe(events.TopicPoolEvents, eventsCh)
	if err != nil {
		api.logger.Error("events ws subscribe", "error", err)
		return
	}
	defer unsubPool()

	// Drain client frames so close handshakes are observed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-closed:
			return
		case payload := <-eventsCh:
			switch payload.(type) {
			case events.VMEvent, events.PoolEvent:
			default:
				continue
			}
			if err := conn.WriteJSON(payload); err != nil {
				return
			}
		}
	}
}
