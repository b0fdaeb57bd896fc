package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Intercom/internal/adapters/token"
	"github.com/dkeye/Intercom/internal/config"
	"github.com/dkeye/Intercom/internal/domain"
)

const (
	HeaderArtifactName = "X-Artifact-Name"
	SessionName        = "IntercomSession"
	sessionIdentityKey = "identity"
	ctxIdentityKey     = "identity"
	historyPage        = 20
)

var extPattern = regexp.MustCompile(`^\.[A-Za-z0-9]{1,8}$`)

type Server struct {
	cfg   config.GatewayConfig
	index Index
}

func NewServer(cfg config.GatewayConfig, index Index) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("gateway: jwt secret required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 6 * time.Hour
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("gateway: upload dir: %w", err)
	}
	return &Server{cfg: cfg, index: index}, nil
}

// IssueToken answers GET /token?pwd=&identity= with {"token"} or 401 {"error"}.
func (s *Server) IssueToken(c *gin.Context) {
	if s.cfg.Password == "" || c.Query("pwd") != s.cfg.Password {
		log.Warn().Str("module", "gateway").Str("remote", c.ClientIP()).Msg("token refused")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	id := c.Query("identity")
	if err := domain.ValidateIdentity(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tok, err := token.Issue(s.cfg.JWTSecret, domain.Identity(id), s.cfg.TokenTTL)
	if err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("sign token")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	sess := sessions.Default(c)
	sess.Set(sessionIdentityKey, id)
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Msg("session save")
	}
	log.Info().Str("module", "gateway").Str("identity", id).Msg("token issued")
	c.JSON(http.StatusOK, gin.H{"token": tok})
}

// Whoami reports the identity remembered by the browser session.
func (s *Server) Whoami(c *gin.Context) {
	id, _ := sessions.Default(c).Get(sessionIdentityKey).(string)
	if id == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"identity": id})
}

// JWTAuth requires "Authorization: Bearer <token>" issued by IssueToken.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.Split(c.GetHeader("Authorization"), " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authorization header required"})
			return
		}
		id, err := token.Verify(secret, parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token"})
			return
		}
		c.Set(ctxIdentityKey, string(id))
		c.Next()
	}
}

// Upload stores the multipart "file" under a fresh name.
func (s *Server) Upload(c *gin.Context) {
	if s.cfg.MaxUpload > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxUpload+1<<20)
	}
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file field required"})
		return
	}
	if s.cfg.MaxUpload > 0 && fh.Size > s.cfg.MaxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !extPattern.MatchString(ext) {
		ext = ""
	}
	name := uuid.NewString() + ext
	if err := c.SaveUploadedFile(fh, filepath.Join(s.cfg.UploadDir, name)); err != nil {
		log.Error().Err(err).Str("module", "gateway").Msg("save upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "store failed"})
		return
	}

	a := Artifact{
		Name:     name,
		Original: filepath.Base(fh.Filename),
		Owner:    c.GetString(ctxIdentityKey),
		Size:     fh.Size,
		Uploaded: time.Now().UTC(),
	}
	if err := s.index.Record(c.Request.Context(), a); err != nil {
		log.Warn().Err(err).Str("module", "gateway").Str("name", name).Msg("index record")
	}
	log.Info().Str("module", "gateway").Str("owner", a.Owner).Str("name", name).Int64("size", a.Size).Msg("artifact stored")
	c.JSON(http.StatusOK, gin.H{"name": name})
}

func (s *Server) Latest(c *gin.Context) {
	a, err := s.index.Latest(c.Request.Context())
	if errors.Is(err, ErrNoArtifact) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "index unavailable"})
		return
	}
	c.Header(HeaderArtifactName, a.Name)
	c.File(filepath.Join(s.cfg.UploadDir, a.Name))
}

func (s *Server) History(c *gin.Context) {
	items, err := s.index.History(c.Request.Context(), historyPage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "index unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": items})
}

func (s *Server) Artifact(c *gin.Context) {
	name := c.Param("name")
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad name"})
		return
	}
	path := filepath.Join(s.cfg.UploadDir, name)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.File(path)
}
