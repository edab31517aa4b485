package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bionicotaku/lingo-utils-authstate"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/oauth2"
)

func main() {
	envPath := defaultEnvPath()
	envErr := godotenv.Load(envPath)

	var (
		tokenURL     = flag.String("token-url", os.Getenv("AUTHSTATE_TOKEN_URL"), "OAuth2 token endpoint (env AUTHSTATE_TOKEN_URL)")
		clientID     = flag.String("client-id", os.Getenv("AUTHSTATE_CLIENT_ID"), "OAuth2 client id (env AUTHSTATE_CLIENT_ID)")
		clientSecret = flag.String("client-secret", os.Getenv("AUTHSTATE_CLIENT_SECRET"), "OAuth2 client secret (env AUTHSTATE_CLIENT_SECRET)")
		username     = flag.String("username", os.Getenv("AUTHSTATE_USERNAME"), "User for the password grant (env AUTHSTATE_USERNAME)")
		password     = flag.String("password", os.Getenv("AUTHSTATE_PASSWORD"), "Password for the password grant (env AUTHSTATE_PASSWORD)")
		token        = flag.String("token", os.Getenv("AUTHSTATE_JWT"), "Access token to load (env AUTHSTATE_JWT)")
		refreshToken = flag.String("refresh-token", os.Getenv("AUTHSTATE_REFRESH_TOKEN"), "Refresh token to load (env AUTHSTATE_REFRESH_TOKEN)")
		issuer       = flag.String("issuer", os.Getenv("AUTHSTATE_ISSUER"), "Expected issuer (env AUTHSTATE_ISSUER)")
		jwksURL      = flag.String("jwks-url", os.Getenv("AUTHSTATE_JWKS_URL"), "Enable signature checks against this JWKS (env AUTHSTATE_JWKS_URL)")
		googleAud    = flag.String("google-audience", os.Getenv("AUTHSTATE_GOOGLE_AUDIENCE"), "Refresh with Google identity tokens for this audience (env AUTHSTATE_GOOGLE_AUDIENCE)")
		googleSA     = flag.String("google-service-account", os.Getenv("AUTHSTATE_GOOGLE_SERVICE_ACCOUNT"), "Impersonate this service account (env AUTHSTATE_GOOGLE_SERVICE_ACCOUNT)")
		redisAddr    = flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Persist session state to Redis (env REDIS_ADDR)")
		target       = flag.String("url", os.Getenv("AUTHSTATE_TARGET_URL"), "Optional URL to GET with the session header (env AUTHSTATE_TARGET_URL)")
		buffer       = flag.Duration("buffer", authstate.DefaultExpiryBuffer, "Refresh ahead of expiry by this much")
		timeout      = flag.Duration("timeout", authstate.DefaultRefreshTimeout, "Timeout for token requests")
		logLevel     = flag.String("log-level", envOr("LOG_LEVEL", "info"), "Log level (env LOG_LEVEL)")
	)
	flag.Parse()

	logger := newLogger(*logLevel)
	defer func() { _ = logger.Sync() }()
	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn("load env file", zap.String("path", envPath), zap.Error(envErr))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 4*(*timeout))
	defer cancel()

	var oauthCfg *oauth2.Config
	if *tokenURL != "" {
		oauthCfg = &oauth2.Config{
			ClientID:     *clientID,
			ClientSecret: *clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: *tokenURL},
		}
	}

	if *token == "" {
		if oauthCfg == nil || *username == "" || *password == "" {
			flag.Usage()
			logger.Fatal("token-url, username and password are required when no token is given")
		}
		httpCtx := context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: *timeout})
		tok, err := oauthCfg.PasswordCredentialsToken(httpCtx, *username, *password)
		if err != nil {
			logger.Fatal("password grant failed", zap.Error(err))
		}
		*token = tok.AccessToken
		if *refreshToken == "" {
			*refreshToken = tok.RefreshToken
		}
		logger.Info("acquired access token via password grant", zap.Bool("refresh_token", tok.RefreshToken != ""))
	}

	cfg := authstate.Config{
		Issuer:         *issuer,
		ExpiryBuffer:   *buffer,
		RefreshTimeout: *timeout,
	}
	if *jwksURL != "" {
		cfg.Verification = &authstate.VerificationConfig{JWKSURL: *jwksURL, HTTPTimeout: *timeout}
	}
	validator, err := authstate.NewValidator(cfg)
	if err != nil {
		logger.Fatal("create validator", zap.Error(err))
	}
	if err := validator.Warmup(ctx); err != nil {
		logger.Warn("warmup", zap.Error(err))
	}

	opts := []authstate.SessionOption{authstate.WithLogger(logger)}
	var providerCfg *authstate.ProviderConfig
	switch {
	case *googleAud != "":
		var gopts []authstate.GoogleOption
		if *googleSA != "" {
			gopts = append(gopts, authstate.WithServiceAccount(*googleSA), authstate.WithIncludeEmail(true))
		}
		providerCfg = &authstate.ProviderConfig{TokenFactory: authstate.GoogleIdentityFactory(*googleAud, gopts...)}
	case oauthCfg != nil:
		providerCfg = &authstate.ProviderConfig{OAuth2: oauthCfg}
	}
	if providerCfg != nil {
		provider, err := authstate.NewProvider(*providerCfg)
		if err != nil {
			logger.Fatal("create provider", zap.Error(err))
		}
		opts = append(opts, authstate.WithExchanger(provider))
	}
	if *redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: *redisAddr})
		defer client.Close()
		store := authstate.NewRedisStore(client, authstate.RedisStoreConfig{Namespace: "authstate:probe:", TTL: 24 * time.Hour})
		if err := store.Ping(ctx); err != nil {
			logger.Fatal("redis unavailable", zap.String("addr", *redisAddr), zap.Error(err))
		}
		opts = append(opts, authstate.WithStore(store))
	}

	session, err := authstate.NewSession(validator, opts...)
	if err != nil {
		logger.Fatal("create session", zap.Error(err))
	}
	defer func() {
		if err := session.Close(context.Background()); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
	}()

	claims, err := session.SetToken(ctx, *token, *refreshToken)
	if err != nil {
		logger.Fatal("token rejected", zap.String("reason", authstate.Reason(err)))
	}
	printClaims(claims)

	header, err := session.PrepareAPICall(ctx)
	if err != nil {
		logger.Fatal("api call not ready", zap.String("reason", authstate.Reason(err)))
	}
	fmt.Printf("authorization: %s\n", redact(header))

	if *target == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, *target, nil)
	if err != nil {
		logger.Fatal("build request", zap.Error(err))
	}
	resp, err := authstate.NewClient(session, &http.Client{Timeout: *timeout}).Do(req)
	if err != nil {
		logger.Fatal("request failed", zap.Error(err))
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("== %s %s ==\n%s\n", resp.Status, *target, body)
}

func defaultEnvPath() string {
	if path := os.Getenv("AUTHSTATE_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewProductionConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func redact(header string) string {
	if len(header) <= 24 {
		return header
	}
	return header[:24] + "..."
}

func printClaims(claims *authstate.Claims) {
	fmt.Println("== Session Token Accepted ==")
	fmt.Printf("subject      : %s\n", claims.Subject)
	fmt.Printf("issuer       : %s\n", claims.Issuer)
	fmt.Printf("role         : %s\n", claims.RoleOrDefault())
	if exp, ok := claims.ExpiresAt(); ok {
		fmt.Printf("expires_at   : %s\n", exp.Format(time.RFC3339))
	}
	if len(claims.Permissions) > 0 {
		fmt.Printf("permissions  : %s\n", strings.Join(claims.Permissions, ", "))
	}
}
