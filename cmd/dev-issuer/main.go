package main

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type issuerConfig struct {
	Issuer      string
	Secret      []byte
	TTL         time.Duration
	Role        string
	Permissions []string
}

type issuer struct {
	cfg    issuerConfig
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]string // refresh token -> subject
}

func newIssuer(cfg issuerConfig, logger *zap.Logger) *issuer {
	return &issuer{cfg: cfg, logger: logger, sessions: make(map[string]string)}
}

func (i *issuer) router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.POST("/token", i.handleToken)
	r.GET("/me", i.handleMe)
	return r
}

func (i *issuer) handleToken(c *gin.Context) {
	var subject string
	switch grant := c.PostForm("grant_type"); grant {
	case "password":
		subject = strings.TrimSpace(c.PostForm("username"))
		if subject == "" || c.PostForm("password") == "" {
			oauthError(c, http.StatusBadRequest, "invalid_request")
			return
		}
	case "refresh_token":
		var ok bool
		subject, ok = i.consume(c.PostForm("refresh_token"))
		if !ok {
			oauthError(c, http.StatusBadRequest, "invalid_grant")
			return
		}
	default:
		oauthError(c, http.StatusBadRequest, "unsupported_grant_type")
		return
	}

	access, err := i.mint(subject, time.Now())
	if err != nil {
		i.logger.Error("mint token", zap.Error(err))
		oauthError(c, http.StatusInternalServerError, "server_error")
		return
	}
	refresh, err := i.issueRefresh(subject)
	if err != nil {
		i.logger.Error("issue refresh token", zap.Error(err))
		oauthError(c, http.StatusInternalServerError, "server_error")
		return
	}

	i.logger.Info("token issued", zap.String("subject", subject), zap.String("grant_type", c.PostForm("grant_type")))
	c.JSON(http.StatusOK, gin.H{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    int(i.cfg.TTL.Seconds()),
		"refresh_token": refresh,
	})
}

func (i *issuer) handleMe(c *gin.Context) {
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return i.cfg.Secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(i.cfg.Issuer))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, claims)
}

func (i *issuer) mint(subject string, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"sub":  subject,
		"iss":  i.cfg.Issuer,
		"iat":  now.Unix(),
		"exp":  now.Add(i.cfg.TTL).Unix(),
		"role": i.cfg.Role,
	}
	if len(i.cfg.Permissions) > 0 {
		claims["permissions"] = i.cfg.Permissions
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.cfg.Secret)
}

// issueRefresh returns a new single-use refresh token for subject.
func (i *issuer) issueRefresh(subject string) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	token := hex.EncodeToString(buf)
	i.mu.Lock()
	i.sessions[token] = subject
	i.mu.Unlock()
	return token, nil
}

func (i *issuer) consume(token string) (string, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	subject, ok := i.sessions[token]
	if ok {
		delete(i.sessions, token)
	}
	return subject, ok
}

func oauthError(c *gin.Context, status int, code string) {
	c.AbortWithStatusJSON(status, gin.H{"error": code})
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("load .env", zap.Error(err))
	}

	addr := flag.String("addr", envOr("DEV_ISSUER_ADDR", ":8085"), "Listen address (env DEV_ISSUER_ADDR)")
	iss := flag.String("issuer", envOr("DEV_ISSUER_ISSUER", "http://localhost:8085"), "iss claim (env DEV_ISSUER_ISSUER)")
	secret := flag.String("secret", os.Getenv("DEV_ISSUER_SECRET"), "HS256 signing secret (env DEV_ISSUER_SECRET)")
	ttl := flag.Duration("ttl", 15*time.Minute, "Access token lifetime")
	role := flag.String("role", envOr("DEV_ISSUER_ROLE", "user"), "role claim (env DEV_ISSUER_ROLE)")
	perms := flag.String("permissions", os.Getenv("DEV_ISSUER_PERMISSIONS"), "Comma separated permissions (env DEV_ISSUER_PERMISSIONS)")
	flag.Parse()

	if *secret == "" {
		logger.Fatal("secret is required")
	}

	cfg := issuerConfig{
		Issuer: *iss,
		Secret: []byte(*secret),
		TTL:    *ttl,
		Role:   *role,
	}
	for _, p := range strings.Split(*perms, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.Permissions = append(cfg.Permissions, p)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	logger.Info("dev issuer listening", zap.String("addr", *addr), zap.String("issuer", cfg.Issuer))
	if err := newIssuer(cfg, logger).router().Run(*addr); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
