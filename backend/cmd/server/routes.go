package main

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nbd-wtf/go-nostr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"trustfeed/backend/internal/constants"
	"trustfeed/backend/internal/feed"
	"trustfeed/backend/internal/graphdb"
	"trustfeed/backend/internal/persist"
	"trustfeed/backend/internal/socialgraph"
	"trustfeed/backend/internal/trust"
	"trustfeed/backend/internal/visibility"
	apperrors "trustfeed/backend/pkg/errors"
)

// maxImportBytes bounds snapshot uploads
const maxImportBytes = 64 << 20

// server holds the handlers' dependencies
type server struct {
	log              *zap.Logger
	trust            *trust.Service
	settings         *visibility.AtomicSettings
	feeds            *feed.Manager
	mirror           *graphdb.Repository // nil when Neo4j is not configured
	snapshotMaxBytes int
}

// mountRequest configures a feed
type mountRequest struct {
	Kinds []int `json:"kinds" binding:"omitempty,dive,gte=0"`
	// Authors limits the feed to these actors. Ignored when FollowsOfRoot is set.
	Authors []string `json:"authors" binding:"omitempty,dive,len=64,hexadecimal"`
	// FollowsOfRoot limits the feed to the actors root follows
	FollowsOfRoot bool  `json:"followsOfRoot"`
	Since         int64 `json:"since" binding:"gte=0"`
	Limit         int   `json:"limit" binding:"gte=0,lte=500"`
	PageSize      int   `json:"pageSize" binding:"gte=0,lte=200"`
	// Unfiltered disables the visibility policy for this feed
	Unfiltered bool `json:"unfiltered"`
}

func newRouter(s *server) *gin.Engine {
	router := gin.New()
	router.Use(ginLogger(s.log))
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Health check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "root": s.trust.Graph().Root()})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	{
		api.GET("/graph/size", s.graphSize)
		api.GET("/graph/distance/:pubkey", s.graphDistance)
		api.GET("/graph/stats/:pubkey", s.graphStats)
		api.GET("/graph/export", s.graphExport)
		api.POST("/graph/import", s.graphImport)
		api.GET("/graph/mirror/distance/:pubkey", s.mirrorDistance)
		api.PUT("/root", s.setRoot)

		api.GET("/search", s.search)

		api.GET("/settings", s.getSettings)
		api.PUT("/settings", s.putSettings)

		api.POST("/feeds/:id", s.mountFeed)
		api.GET("/feeds/:id", s.getFeed)
		api.POST("/feeds/:id/show-new", s.showNew)
		api.POST("/feeds/:id/load-more", s.loadMore)
		api.DELETE("/feeds/:id", s.unmountFeed)

		api.POST("/seen/:eventID", s.markSeen)
	}

	return router
}

// respondError maps the error taxonomy onto HTTP statuses
func (s *server) respondError(c *gin.Context, msg string, err error) {
	var invalidPubkey *apperrors.ErrInvalidPubkey
	switch {
	case apperrors.IsErrorType(err, apperrors.ErrorTypeValidation),
		apperrors.IsErrorType(err, apperrors.ErrorTypeParse),
		errors.As(err, &invalidPubkey):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case apperrors.IsErrorType(err, apperrors.ErrorTypeContext):
		c.JSON(http.StatusRequestTimeout, gin.H{"error": msg})
	default:
		s.log.Error(msg, zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg})
	}
}

// pubkeyParam returns the normalized :pubkey parameter, writing a 400 when invalid
func pubkeyParam(c *gin.Context) (string, bool) {
	pk := socialgraph.NormalizePubkey(c.Param("pubkey"))
	if pk == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": apperrors.NewInvalidPubkey(c.Param("pubkey")).Error()})
		return "", false
	}
	return pk, true
}

// ============================================================================
// Graph
// ============================================================================

func (s *server) graphSize(c *gin.Context) {
	c.JSON(http.StatusOK, s.trust.Graph().Size())
}

func (s *server) graphDistance(c *gin.Context) {
	pk, ok := pubkeyParam(c)
	if !ok {
		return
	}
	g := s.trust.Graph()
	d, known := g.FollowDistance(pk)
	resp := gin.H{
		"pubkey":            pk,
		"known":             known,
		"followers":         len(g.Followers(pk)),
		"followedByFriends": g.FollowedByFriendsCount(pk),
	}
	if known {
		resp["distance"] = d
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) graphStats(c *gin.Context) {
	pk, ok := pubkeyParam(c)
	if !ok {
		return
	}
	policy := s.trust.Policy()
	c.JSON(http.StatusOK, gin.H{
		"pubkey":      pk,
		"stats":       s.trust.Graph().Stats(pk),
		"mutedByRoot": policy.IsMutedByRoot(pk),
		"socialHide":  policy.ShouldSocialHide(pk, constants.DefaultOvermuteThreshold),
		"hidden":      policy.ShouldHideAuthor(pk),
	})
}

func (s *server) graphExport(c *gin.Context) {
	maxBytes := s.snapshotMaxBytes
	if v := c.Query("maxBytes"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "maxBytes must be a positive integer"})
			return
		}
		maxBytes = n
	}
	data, err := s.trust.Graph().MarshalSnapshot(maxBytes)
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

func (s *server) graphImport(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImportBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}
	lists, err := persist.Import(data, "api upload", s.trust.Graph())
	if err != nil {
		s.respondError(c, "Failed to import snapshot", err)
		return
	}
	s.trust.GraphChanged()
	c.JSON(http.StatusOK, gin.H{"lists": lists})
}

func (s *server) mirrorDistance(c *gin.Context) {
	pk, ok := pubkeyParam(c)
	if !ok {
		return
	}
	if s.mirror == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Neo4j mirror is not configured"})
		return
	}
	hops, found, err := s.mirror.ShortestFollowPath(c.Request.Context(), s.trust.Graph().Root(), pk)
	if err != nil {
		s.respondError(c, "Failed to query mirror", err)
		return
	}
	resp := gin.H{"pubkey": pk, "known": found}
	if found {
		resp["distance"] = hops
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) setRoot(c *gin.Context) {
	var req struct {
		Pubkey string `json:"pubkey" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.trust.SetRoot(req.Pubkey); err != nil {
		s.respondError(c, "Failed to set root", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"root": s.trust.Graph().Root()})
}

// ============================================================================
// Search and settings
// ============================================================================

func (s *server) search(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	results, err := s.trust.Search(c.Query("q"), limit)
	if err != nil {
		s.respondError(c, "Search failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (s *server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.settings.Settings())
}

func (s *server) putSettings(c *gin.Context) {
	next := s.settings.Settings()
	if err := c.ShouldBindJSON(&next); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := next.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.settings.Store(next)
	s.log.Info("Visibility settings updated",
		zap.Bool("hide_unknown", next.HideEventsByUnknownUsers),
		zap.Bool("hide_overmuted", next.HidePostsByMutedMoreThanFollowed),
		zap.Int("unknown_horizon", next.UnknownHorizon))
	c.JSON(http.StatusOK, next)
}

// ============================================================================
// Feeds
// ============================================================================

func (s *server) mountFeed(c *gin.Context) {
	var req mountRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p := s.feeds.Mount(c.Param("id"), s.feedOptions(req))
	c.JSON(http.StatusCreated, p.View())
}

func (s *server) feedOptions(req mountRequest) feed.Options {
	g := s.trust.Graph()
	root := g.Root()

	filter := nostr.Filter{Kinds: req.Kinds, Limit: req.Limit}
	switch {
	case req.FollowsOfRoot:
		// Non-nil even when empty: following nobody means an empty feed
		filter.Authors = append([]string{}, g.Following(root)...)
	case len(req.Authors) > 0:
		filter.Authors = make([]string, 0, len(req.Authors))
		for _, a := range req.Authors {
			if pk := socialgraph.NormalizePubkey(a); pk != "" {
				filter.Authors = append(filter.Authors, pk)
			}
		}
	}
	if req.Since > 0 {
		since := nostr.Timestamp(req.Since)
		filter.Since = &since
	}

	opts := feed.Options{
		Filter:   filter,
		Viewer:   root,
		PageSize: req.PageSize,
	}
	if len(req.Kinds) > 0 {
		kinds := make(map[int]struct{}, len(req.Kinds))
		for _, k := range req.Kinds {
			kinds[k] = struct{}{}
		}
		opts.FetchFilter = func(ev *nostr.Event) bool {
			_, ok := kinds[ev.Kind]
			return ok
		}
	}
	if !req.Unfiltered {
		opts.DisplayFilter = s.trust.Policy().DisplayFilter
	}
	return opts
}

func (s *server) pipeline(c *gin.Context) (*feed.Pipeline, bool) {
	p, ok := s.feeds.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not mounted"})
	}
	return p, ok
}

func (s *server) getFeed(c *gin.Context) {
	p, ok := s.pipeline(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p.View())
}

func (s *server) showNew(c *gin.Context) {
	p, ok := s.pipeline(c)
	if !ok {
		return
	}
	moved := p.ShowNewEvents()
	c.JSON(http.StatusOK, gin.H{"moved": moved, "feed": p.View()})
}

func (s *server) loadMore(c *gin.Context) {
	p, ok := s.pipeline(c)
	if !ok {
		return
	}
	hadMore := p.LoadMoreItems()
	c.JSON(http.StatusOK, gin.H{"hadMore": hadMore, "feed": p.View()})
}

func (s *server) unmountFeed(c *gin.Context) {
	if !s.feeds.Unmount(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Feed not mounted"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *server) markSeen(c *gin.Context) {
	added := s.trust.MarkSeen(c.Param("eventID"))
	c.JSON(http.StatusOK, gin.H{"added": added})
}

// ginLogger is a custom logger middleware for Gin
func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Info("HTTP Request",
			zap.Int("status", status),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", latency),
			zap.String("ip", c.ClientIP()),
		)
	}
}
