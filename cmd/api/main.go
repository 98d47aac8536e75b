package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"classtrack/internal/attendance"
	"classtrack/internal/auth"
	"classtrack/internal/clock"
	"classtrack/internal/config"
	"classtrack/internal/device"
	"classtrack/internal/queue"
	"classtrack/internal/session"
	"classtrack/internal/store"
	"classtrack/internal/syncengine"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func run(cfg config.App) error {
	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "classtrack:checkins")
	}

	clk := clock.Real{}
	sessionRepo := session.NewRepository(db)
	machine := session.NewMachine(sessionRepo, clk)
	ledger := attendance.NewLedger(attendance.NewRepository(db), sessionRepo, clk)
	heartbeats := device.NewHeartbeatCell(clk, cfg.HeartbeatTTL)
	engine := syncengine.New(db, clk, cfg.CloudURL, cfg.SyncAPIKey, cfg.IsCloud())

	// Background tasks: expiry sweeper on both roles, auto-sync on the
	// primary only.
	bgCtx, bgCancel := context.WithCancel(context.Background())
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		machine.RunSweeper(bgCtx, cfg.ExpireSweepInterval)
	}()
	if cfg.AutoSync {
		engine.AutoSync(cfg.SyncInterval)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics", "/api/health"},
	}))
	r.Use(corsMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Handle().PingContext(c.Request.Context()) == nil
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Probe target for the primary's reachability check.
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "role": cfg.NodeRole})
	})

	r.POST("/v1/devices/register", func(c *gin.Context) {
		var req struct {
			DeviceID string `json:"device_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, exp, err := auth.Issue(req.DeviceID, auth.RoleDevice, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	r.POST("/v1/teachers/token", func(c *gin.Context) {
		var req struct {
			TeacherID string `json:"teacher_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		token, exp, err := auth.Issue(req.TeacherID, auth.RoleTeacher, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"access_token": token, "expires_at": exp.Unix()})
	})

	// Online attendance is authenticated by session token + OTP, not JWT.
	r.POST("/v1/online/:token/mark", func(c *gin.Context) {
		var req struct {
			UniversityRollNo string `json:"university_roll_no" binding:"required"`
			Code             string `json:"code" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		err := ledger.MarkOnline(c.Request.Context(), c.Param("token"), req.UniversityRollNo, req.Code)
		respondMark(c, err)
	})

	teacherAPI := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleTeacher))

	teacherAPI.POST("/sessions", func(c *gin.Context) {
		var req struct {
			CourseID        int64  `json:"course_id" binding:"required"`
			DurationMinutes int    `json:"duration_minutes" binding:"required"`
			SessionType     string `json:"session_type" binding:"required"`
			Topic           string `json:"topic"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := machine.Start(c.Request.Context(), session.StartInput{
			CourseID:        req.CourseID,
			DurationMinutes: req.DurationMinutes,
			Kind:            session.Kind(req.SessionType),
			Topic:           req.Topic,
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		resp := gin.H{
			"session_id": res.Session.ID,
			"end_time":   res.Session.EndTime.Format(time.RFC3339),
			"students":   res.Roster,
		}
		if res.Session.Kind == session.KindOnline {
			resp["session_token"] = res.Session.Token
			resp["otp_code"] = res.OTPCode
		}
		c.JSON(http.StatusCreated, resp)
	})

	teacherAPI.POST("/sessions/:id/end", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		if err := machine.End(c.Request.Context(), id); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Session ended"})
	})

	teacherAPI.POST("/sessions/:id/extend", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		newEnd, err := machine.Extend(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "new_end_time": newEnd.Format(time.RFC3339)})
	})

	teacherAPI.POST("/sessions/:id/check-expire", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		expired, remaining, err := machine.CheckExpire(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"expired": expired, "seconds_remaining": remaining})
	})

	teacherAPI.GET("/sessions/:id/status", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		live, err := machine.Live(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, live)
	})

	teacherAPI.GET("/sessions/:id/report", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		count, err := ledger.CountPresent(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		present, err := ledger.PresentStudentIDs(c.Request.Context(), id)
		if err != nil {
			respondErr(c, err)
			return
		}
		if present == nil {
			present = []int64{}
		}
		c.JSON(http.StatusOK, gin.H{"present_count": count, "present_student_ids": present})
	})

	teacherAPI.POST("/sessions/:id/manual-mark", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		var req struct {
			UniversityRollNo string `json:"university_roll_no" binding:"required"`
			Reason           string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondMark(c, ledger.MarkManual(c.Request.Context(), id, req.UniversityRollNo, req.Reason))
	})

	teacherAPI.POST("/sessions/:id/retroactive-mark", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		var req struct {
			UniversityRollNo string `json:"university_roll_no" binding:"required"`
			Reason           string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondMark(c, ledger.MarkRetroactive(c.Request.Context(), id, req.UniversityRollNo, req.Reason))
	})

	teacherAPI.DELETE("/sessions/:id/retroactive-mark", func(c *gin.Context) {
		id, ok := sessionID(c)
		if !ok {
			return
		}
		var req struct {
			UniversityRollNo string `json:"university_roll_no" binding:"required"`
			Reason           string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := ledger.RemoveRetroactive(c.Request.Context(), id, req.UniversityRollNo, req.Reason); err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Record removed"})
	})

	teacherAPI.POST("/emergency-mark", func(c *gin.Context) {
		var req struct {
			UniversityRollNo string `json:"university_roll_no" binding:"required"`
			Present          *bool  `json:"present" binding:"required"`
			Reason           string `json:"reason" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondMark(c, ledger.MarkEmergency(c.Request.Context(), req.UniversityRollNo, *req.Present, req.Reason))
	})

	teacherAPI.GET("/device-status", func(c *gin.Context) {
		hb, fresh, age := heartbeats.Get()
		if fresh == device.FreshnessNone {
			c.JSON(http.StatusOK, gin.H{"status": "offline", "message": "No heartbeat data available"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        string(fresh),
			"mac_address":   hb.MACAddress,
			"wifi_strength": hb.WifiStrength,
			"battery":       hb.Battery,
			"queue_count":   hb.QueueCount,
			"sync_count":    hb.SyncCount,
			"last_seen":     int(age.Seconds()),
		})
	})

	teacherAPI.POST("/sync/push", func(c *gin.Context) {
		if err := engine.Push(c.Request.Context()); err != nil {
			if errors.Is(err, syncengine.ErrOffline) {
				c.JSON(http.StatusOK, gin.H{"status": "offline", "message": "Cloud server unreachable"})
				return
			}
			c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Database synced to cloud"})
	})

	deviceAPI := r.Group("/v1", auth.Require(cfg.JWTSigningKey, cfg.JWTIssuer, auth.RoleDevice))

	// Polled by the scanner to decide ATTENDANCE_MODE vs AWAITING_SESSION.
	deviceAPI.GET("/session-status", func(c *gin.Context) {
		s, err := machine.Active(c.Request.Context())
		if err != nil {
			if errors.Is(err, session.ErrNoActiveSession) {
				c.JSON(http.StatusOK, gin.H{"session_active": false})
				return
			}
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_active": true, "session_id": s.ID, "course_id": s.CourseID})
	})

	deviceAPI.POST("/mark", func(c *gin.Context) {
		var req struct {
			ClassRollID int64 `json:"class_roll_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		respondMark(c, ledger.MarkScanner(c.Request.Context(), req.ClassRollID))
	})

	deviceAPI.POST("/bulk-mark", func(c *gin.Context) {
		var req struct {
			RollIDs []string `json:"roll_ids" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		res, err := ledger.BulkMark(c.Request.Context(), req.RollIDs)
		if err != nil {
			respondErr(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	// Fire-and-forget variant: the scanner drains its offline queue here and
	// the worker replays entries into the ledger.
	deviceAPI.POST("/checkins", func(c *gin.Context) {
		var req struct {
			ClassRollID int64 `json:"class_roll_id" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		msg := queue.NewCheckIn(req.ClassRollID, time.Now().UTC())
		if err := q.Publish(c.Request.Context(), msg); err != nil {
			log.Printf("queue publish failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"message_id": msg.ID})
	})

	deviceAPI.POST("/heartbeat", func(c *gin.Context) {
		var hb device.Heartbeat
		if err := c.ShouldBindJSON(&hb); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		heartbeats.Set(hb)
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Sync endpoints. Receive is guarded by the shared key, not JWT; status
	// is a local read-only diagnostic.
	r.POST("/api/sync/receive", func(c *gin.Context) {
		if !cfg.IsCloud() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "this node is not a replica"})
			return
		}
		var p syncengine.Payload
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		stats, err := engine.Receive(c.GetHeader("X-Sync-API-Key"), p)
		if err != nil {
			switch {
			case errors.Is(err, syncengine.ErrForbidden):
				c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			case errors.Is(err, syncengine.ErrCorruptSnapshot):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":            "success",
			"merged_sessions":   stats.Sessions,
			"merged_attendance": stats.Attendance,
		})
	})

	r.GET("/api/sync/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.GetStatus(c.Request.Context()))
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting %s node on :%s", cfg.NodeRole, cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	engine.Stop()
	bgCancel()
	bg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// sessionID parses the :id path param, responding 400 itself on failure.
func sessionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return 0, false
	}
	return id, true
}

// respondMark maps a single-mark result onto the wire so devices can decide
// retry vs give-up vs treat-as-done per outcome.
func respondMark(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Marked"})
		return
	}
	switch {
	case errors.Is(err, attendance.ErrDuplicate):
		c.JSON(http.StatusConflict, gin.H{"status": "duplicate", "message": "Already marked"})
	case errors.Is(err, attendance.ErrNotEnrolled):
		c.JSON(http.StatusBadRequest, gin.H{"status": "not_enrolled", "message": "Not enrolled"})
	case errors.Is(err, attendance.ErrInvalidOTP):
		c.JSON(http.StatusUnauthorized, gin.H{"status": "invalid_otp", "message": "Invalid code"})
	case errors.Is(err, session.ErrNoActiveSession):
		c.JSON(http.StatusBadRequest, gin.H{"status": "no_active_session", "message": "No active session"})
	case errors.Is(err, session.ErrNotActive):
		c.JSON(http.StatusBadRequest, gin.H{"status": "session_ended", "message": "Session is not active"})
	case errors.Is(err, attendance.ErrStudentNotFound), errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": "not_found", "message": err.Error()})
	case errors.Is(err, attendance.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"status": "reason_required", "message": "Reason is required"})
	default:
		log.Printf("mark failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Server error"})
	}
}

// respondErr maps non-marking errors.
func respondErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, attendance.ErrRecordNotFound),
		errors.Is(err, attendance.ErrStudentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": err.Error()})
	case errors.Is(err, session.ErrNotActive), errors.Is(err, session.ErrNoActiveSession):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
	case errors.Is(err, attendance.ErrReasonRequired):
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "Reason is required"})
	default:
		log.Printf("request failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": "Server error"})
	}
}

// corsMiddleware allows browser dashboards on other origins.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-Sync-API-Key")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
