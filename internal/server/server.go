package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"pomelo/internal/ai"
	"pomelo/internal/config"
	"pomelo/internal/handler"
	authHandler "pomelo/internal/handler/auth"
	"pomelo/internal/pkg/cache"
	"pomelo/internal/pkg/exa"
	"pomelo/internal/pkg/jwt"
	"pomelo/internal/pkg/mongodb"
	"pomelo/internal/pkg/quota"
	"pomelo/internal/pkg/storagefactory"
	"pomelo/internal/repository"
	authRepo "pomelo/internal/repository/auth"
	"pomelo/internal/server/middleware"
	"pomelo/internal/service"
	"pomelo/internal/stream"
)

// Server HTTP 服务器
type Server struct {
	cfg    *config.Config
	engine *gin.Engine
	mongo  *mongodb.Client
	redis  *cache.RedisCache
}

// New 创建服务器实例
func New(cfg *config.Config) (*Server, error) {
	// 设置 Gin 模式
	switch cfg.Server.Mode {
	case "debug":
		gin.SetMode(gin.DebugMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	// 创建 Gin 引擎
	engine := gin.New()

	// 初始化 MongoDB (可选: 没有 Mongo 时退化为纯匿名对话服务)
	var mongoClient *mongodb.Client
	if cfg.Mongo.URI != "" {
		client, err := mongodb.New(&cfg.Mongo)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to MongoDB, continuing without it")
		} else {
			mongoClient = client
			log.Info().Str("database", cfg.Mongo.Database).Msg("connected to MongoDB")

			// 创建索引
			if err := mongodb.EnsureIndexes(mongoClient.Database()); err != nil {
				log.Warn().Err(err).Msg("failed to ensure indexes")
			}
		}
	}

	// 初始化 Redis (可选)
	var redisCache *cache.RedisCache
	if cfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCache(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("failed to connect to Redis, continuing without it")
		} else {
			redisCache = rc
			log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to Redis")
		}
	}

	srv := &Server{
		cfg:    cfg,
		engine: engine,
		mongo:  mongoClient,
		redis:  redisCache,
	}

	// 设置路由
	srv.setupRoutes()

	return srv, nil
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	// 全局中间件
	s.engine.Use(middleware.Recovery())
	s.engine.Use(middleware.RequestID())
	s.engine.Use(middleware.Logger())
	s.engine.Use(middleware.CORS())

	// 健康检查
	healthHandler := handler.NewHealthHandler(s.mongo, s.redis)
	s.engine.GET("/health", healthHandler.Health)
	s.engine.GET("/ready", healthHandler.Ready)

	// Swagger 文档
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 网络搜索工具 (可选)
	var search ai.SearchClient
	if s.cfg.Search.APIKey != "" {
		client, err := exa.NewClient(&s.cfg.Search)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize search client, web search disabled")
		} else {
			search = client
			log.Info().Msg("web search tool enabled")
		}
	}

	// 生成引擎与流代理
	engine := ai.NewEngine(&s.cfg.AI, search)
	broker := stream.NewBroker(s.cfg.Stream.Retention)
	gate := quota.NewGate(&s.cfg.Quota)

	// 仓库层 (没有 Mongo 时为空，仅匿名对话可用)
	var (
		chatRepo   *repository.ChatRepo
		msgRepo    *repository.MessageRepo
		streamRepo *repository.StreamRepo
	)
	if s.mongo != nil {
		db := s.mongo.Database()
		chatRepo = repository.NewChatRepo(db)
		msgRepo = repository.NewMessageRepo(db)
		streamRepo = repository.NewStreamRepo(db)
	}

	chatSvc := service.NewChatService(chatRepo, msgRepo, streamRepo, engine, broker)
	chatHdl := handler.NewChatHandler(chatSvc, gate)

	// 从配置读取JWT参数，如果没有配置则使用默认值
	jwtSecret := s.cfg.Auth.JWTSecret
	if jwtSecret == "" {
		jwtSecret = "default-secret-key-change-in-production"
		log.Warn().Msg("JWT secret not configured, using default (NOT SECURE for production)")
	}

	accessTokenExpiry := s.cfg.Auth.AccessTokenExpiry
	if accessTokenExpiry == 0 {
		accessTokenExpiry = 24 * time.Hour
	}

	refreshTokenExpiry := s.cfg.Auth.RefreshTokenExpiry
	if refreshTokenExpiry == 0 {
		refreshTokenExpiry = 7 * 24 * time.Hour
	}

	jwtUtil := jwt.NewJWT(jwtSecret, accessTokenExpiry)

	// API v1
	v1 := s.engine.Group("/api/v1")
	{
		// 对话接口: 允许匿名，带 token 则按认证用户处理
		// 没有 Mongo 时不识别 token，所有请求按匿名处理
		if s.mongo != nil {
			v1.POST("/chat", middleware.OptionalAuth(jwtUtil), chatHdl.Chat)
			v1.GET("/chat", middleware.OptionalAuth(jwtUtil), chatHdl.Resume)
		} else {
			v1.POST("/chat", chatHdl.Chat)
			v1.GET("/chat", chatHdl.Resume)
		}

		if s.mongo != nil {
			// 认证接口（公开）
			userRepo := authRepo.NewUserRepo(s.mongo.Database())
			refreshTokenRepo := authRepo.NewRefreshTokenRepo(s.mongo.Database())
			authSvc := service.NewAuthService(
				userRepo,
				refreshTokenRepo,
				jwtSecret,
				accessTokenExpiry,
				refreshTokenExpiry,
			)
			authHdl := authHandler.NewHandler(authSvc)

			v1.POST("/auth/register", authHdl.Register)
			v1.POST("/auth/login", authHdl.Login)
			v1.POST("/auth/refresh", authHdl.Refresh)

			// 对话管理接口（需要认证）
			chatsHdl := handler.NewChatsHandler(chatRepo, msgRepo, streamRepo, chatSvc, s.redis)

			authed := v1.Group("", middleware.Auth(jwtUtil))
			{
				authed.POST("/auth/logout", authHdl.Logout)
				authed.GET("/auth/me", authHdl.GetMe)

				authed.GET("/chats", chatsHdl.List)
				authed.GET("/chats/:id", chatsHdl.Get)
				authed.DELETE("/chats/:id", chatsHdl.Delete)
				authed.POST("/chats/:id/share", chatsHdl.Share)
				authed.DELETE("/chats/:id/share", chatsHdl.Unshare)
				authed.POST("/chats/:id/messages/:messageId/truncate", chatsHdl.Truncate)
			}

			// 公开分享视图
			v1.GET("/share/:path", chatsHdl.SharedView)

			// 附件上传（需要认证和存储后端）
			if s.cfg.Storage.Type != "" {
				st, err := storagefactory.NewStorage(context.Background(), &s.cfg.Storage)
				if err != nil {
					log.Warn().Err(err).Msg("failed to initialize storage, attachments disabled")
				} else {
					attachmentHdl := handler.NewAttachmentHandler(st)
					v1.POST("/attachments", middleware.Auth(jwtUtil), attachmentHdl.Upload)
				}
			}
		} else {
			log.Warn().Msg("MongoDB not configured, auth and chat management endpoints disabled")
		}
	}
}

// Run 启动服务器
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	// 启动服务器
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// 等待关闭信号或错误
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down server...")

		// 关闭连接
		if s.mongo != nil {
			if err := s.mongo.Close(context.Background()); err != nil {
				log.Error().Err(err).Msg("failed to close MongoDB connection")
			}
		}
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close Redis connection")
			}
		}

		return srv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Engine 获取 Gin 引擎 (用于测试)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
