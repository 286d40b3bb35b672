// Package httpapi is the REST glue around the realtime transport: account
// and session-token issuance, channel/group CRUD, ACL management, and file
// attachment upload/download. It never touches a live connection directly —
// state changes flow to connected clients through the fan-out (spec §6's
// "configuration... collaborator surface" and §4.I's REST-originated
// invalidation commands).
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"voxrelay/internal/blob"
	"voxrelay/internal/fanout"
	"voxrelay/internal/linkpreview"
	"voxrelay/store"
)

const sessionTokenTTL = 30 * 24 * time.Hour

// Server is the Echo application serving account, ACL and attachment
// management endpoints alongside the realtime transport.
type Server struct {
	echo         *echo.Echo
	store        *store.Store
	blobs        *blob.Store
	fanout       *fanout.Fanout
	logger       *zap.Logger
	recordingDir string
}

// New constructs an Echo app. blobs may be nil to disable attachment routes.
// recordingDir is where channel voice recordings started through the API
// are written; it may be empty if recording is not offered.
func New(st *store.Store, blobs *blob.Store, fo *fanout.Fanout, logger *zap.Logger, recordingDir string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{echo: e, store: st, blobs: blobs, fanout: fo, logger: logger, recordingDir: recordingDir}
	e.Use(s.requestLogger())
	s.registerRoutes()
	return s
}

// requestLogger returns Echo middleware that logs each HTTP request via zap.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			req := c.Request()
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			}
			if req.URL.Path == "/health" {
				s.logger.Debug("http request", fields...)
			} else {
				s.logger.Info("http request", append(fields, zap.String("remote", c.RealIP()))...)
			}
			return nil
		}
	}
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	s.echo.POST("/api/register", s.handleRegister)
	s.echo.POST("/api/login", s.handleLogin)
	s.echo.POST("/api/logout", s.handleLogout)

	s.echo.GET("/api/channels", s.handleListChannels)
	s.echo.POST("/api/channels", s.handleCreateChannel)
	s.echo.PUT("/api/channels/:id", s.handleRenameChannel)
	s.echo.DELETE("/api/channels/:id", s.handleDeleteChannel)

	s.echo.PUT("/api/group-rights", s.handleSetGroupRights)

	s.echo.POST("/api/link-preview", s.handleLinkPreview)

	if s.fanout != nil && s.recordingDir != "" {
		s.echo.POST("/api/channels/:id/recording", s.handleStartRecording)
		s.echo.DELETE("/api/channels/:id/recording", s.handleStopRecording)
	}

	if s.blobs != nil {
		s.echo.POST("/api/blobs", s.handleBlobUpload)
		s.echo.GET("/api/blobs/:id", s.handleBlobDownload)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down http server")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok"})
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username and password are required")
	}
	userID, err := s.store.CreateUser(req.Username, req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "username already exists")
	}
	return c.JSON(http.StatusCreated, map[string]int64{"user_id": userID})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	SessionToken string `json:"session_token"`
	UserID       int64  `json:"user_id"`
}

func (s *Server) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	identity, err := s.store.Authenticate(req.Username, req.Password)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}
	token, err := s.store.CreateSession(identity.ID, sessionTokenTTL)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "create session")
	}
	return c.JSON(http.StatusOK, loginResponse{SessionToken: token, UserID: identity.ID})
}

type logoutRequest struct {
	SessionToken string `json:"session_token"`
}

func (s *Server) handleLogout(c echo.Context) error {
	var req logoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if err := s.store.InvalidateSession(req.SessionToken); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "invalidate session")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListChannels(c echo.Context) error {
	channels, err := s.store.GetChannels()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "list channels")
	}
	return c.JSON(http.StatusOK, channels)
}

type createChannelRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleCreateChannel(c echo.Context) error {
	var req createChannelRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel name is required")
	}
	id, err := s.store.CreateChannel(req.Name)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "channel already exists")
	}
	if s.fanout != nil {
		s.fanout.InvalidateAcl()
	}
	return c.JSON(http.StatusCreated, map[string]int64{"id": id})
}

func (s *Server) handleRenameChannel(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel id")
	}
	var req createChannelRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Name) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "channel name is required")
	}
	if err := s.store.RenameChannel(id, req.Name); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleDeleteChannel(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel id")
	}
	if err := s.store.DeleteChannel(id); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	if s.fanout != nil {
		s.fanout.InvalidateAcl()
	}
	return c.NoContent(http.StatusNoContent)
}

type setGroupRightsRequest struct {
	GroupID int64 `json:"group_id"`
	RoleID  int64 `json:"role_id"`
	Rights  int64 `json:"rights"`
}

func (s *Server) handleSetGroupRights(c echo.Context) error {
	var req setGroupRightsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if _, err := s.store.SetGroupRoleRights(req.GroupID, req.RoleID, req.Rights); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "set group rights")
	}
	if s.fanout != nil {
		s.fanout.InvalidateAcl()
	}
	return c.NoContent(http.StatusNoContent)
}

type linkPreviewRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleLinkPreview(c echo.Context) error {
	var req linkPreviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	url := linkpreview.FirstURL(req.Text)
	if url == "" {
		return c.JSON(http.StatusOK, nil)
	}
	preview, err := linkpreview.Fetch(c.Request().Context(), url)
	if err != nil {
		s.logger.Debug("link preview fetch failed", zap.String("url", url), zap.Error(err))
		return c.JSON(http.StatusOK, nil)
	}
	return c.JSON(http.StatusOK, preview)
}

type startRecordingRequest struct {
	StartedBy string `json:"started_by"`
}

func (s *Server) handleStartRecording(c echo.Context) error {
	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel id")
	}
	var req startRecordingRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.StartedBy) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "started_by is required")
	}
	if err := s.fanout.StartRecording(channelID, req.StartedBy, s.recordingDir); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "start recording")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) handleStopRecording(c echo.Context) error {
	channelID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid channel id")
	}
	s.fanout.StopRecording(channelID)
	return c.NoContent(http.StatusNoContent)
}

type blobUploadResponse struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	SizeBytes    int64  `json:"size_bytes"`
	CreatedAt    string `json:"created_at"`
}

func (s *Server) handleBlobUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "multipart file field \"file\" is required")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("open uploaded file: %v", err))
	}
	defer src.Close()

	contentType := strings.TrimSpace(fileHeader.Header.Get(echo.HeaderContentType))
	meta, err := s.blobs.Put(c.Request().Context(), blob.PutInput{
		Kind:         c.FormValue("kind"),
		OriginalName: fileHeader.Filename,
		ContentType:  contentType,
		Reader:       src,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("persist blob: %v", err))
	}

	return c.JSON(http.StatusCreated, blobUploadResponse{
		ID:           meta.ID,
		Kind:         meta.Kind,
		OriginalName: meta.OriginalName,
		ContentType:  meta.ContentType,
		SizeBytes:    meta.SizeBytes,
		CreatedAt:    meta.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (s *Server) handleBlobDownload(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "blob id is required")
	}

	result, err := s.blobs.Open(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBlobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "blob not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, fmt.Sprintf("open blob: %v", err))
	}
	defer result.File.Close()

	c.Response().Header().Set(echo.HeaderContentType, result.Metadata.ContentType)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(result.Metadata.SizeBytes, 10))
	c.Response().Header().Set(
		echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, safeFilename(result.Metadata.OriginalName)),
	)
	c.Response().WriteHeader(http.StatusOK)
	_, copyErr := io.Copy(c.Response().Writer, result.File)
	return copyErr
}

func safeFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "blob"
	}
	name = strings.ReplaceAll(name, `"`, "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}
