package main

import (
	"applymatic/config"
	"applymatic/handlers/api"
	"applymatic/handlers/web"
	"applymatic/middleware"
	"applymatic/storage"
	"applymatic/utils"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/session"
	"github.com/gofiber/template/html/v2"
	"github.com/gofiber/websocket/v2"
)

// Helper function to determine if request is an API request
func isAPIRequest(c *fiber.Ctx) bool {
	if c == nil {
		return false
	}

	path := c.Path()
	return len(path) >= 4 && path[:4] == "/api"
}

func main() {
	utils.Log.Info("Initializing ApplyMatic...")

	// Load configuration
	cfg, err := config.LoadConfig("config.toml")
	if err != nil {
		utils.Log.Fatal("Failed to load config: %v", err)
	}

	// Open the application database (campaign counters + sessions)
	db, err := storage.InitDB(cfg.Storage.Root)
	if err != nil {
		utils.Log.Fatal("Failed to open database: %v", err)
	}
	defer db.Close()

	store := session.New(session.Config{
		Storage:        storage.NewSessionStorage(db),
		Expiration:     24 * time.Hour,
		CookieSecure:   false, // Set to true in production with HTTPS
		CookieHTTPOnly: true,
	})

	// Initialize storage layers
	users, err := storage.NewUserStorage(cfg.Storage.Root)
	if err != nil {
		utils.Log.Fatal("Failed to initialize user storage: %v", err)
	}

	tokens, err := storage.NewTokenStorage(cfg.Storage.Root, cfg.Encryption.Key)
	if err != nil {
		utils.Log.Fatal("Failed to initialize token storage: %v", err)
	}

	campaigns, err := storage.NewCampaignStorage(cfg.Storage.Root, db)
	if err != nil {
		utils.Log.Fatal("Failed to initialize campaign storage: %v", err)
	}

	// Initialize template engine with custom functions
	engine := html.New("./templates", ".html")
	engine.AddFunc("split", strings.Split)
	engine.AddFunc("join", strings.Join)
	engine.AddFunc("lower", strings.ToLower)
	engine.AddFunc("trim", strings.TrimSpace)

	engine.AddFunc("formatDate", func(t time.Time) string {
		return t.Format("Jan 02, 2006 15:04")
	})

	engine.Reload(true)

	// Initialize Fiber with template engine
	app := fiber.New(fiber.Config{
		Views:       engine,
		ViewsLayout: "layouts/main", // Default layout
		BodyLimit:   int(cfg.Mail.MaxAttachmentBytes()) * (cfg.Mail.MaxAttachments + 2),
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError

			// Check for AppError
			if appErr, ok := err.(*utils.AppError); ok {
				code = appErr.Code
				utils.Log.Error("Application error: %v", appErr)
			} else if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			// Handle API requests differently
			if isAPIRequest(c) {
				return c.Status(code).JSON(fiber.Map{
					"error": err.Error(),
				})
			}

			// Render error page for regular requests
			return c.Status(code).Render("error", fiber.Map{
				"Error": err.Error(),
				"Code":  code,
			})
		},
	})

	// Add global middleware
	app.Use(recover.New())  // Recover from panics
	app.Use(logger.New())   // Request logging
	app.Use(compress.New()) // Response compression
	app.Use(helmet.New(helmet.Config{ // Security headers
		XSSProtection:         "1; mode=block",
		ContentTypeNosniff:    "nosniff",
		XFrameOptions:         "SAMEORIGIN",
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'self'; script-src 'self' 'unsafe-inline'; style-src 'self' 'unsafe-inline';",
	}))

	app.Use(middleware.RateLimiter(cfg.RateLimit))

	// CSRF: verified on mutating routes, token minted on page renders
	app.Use(middleware.CSRFProtection(middleware.CSRFConfig{
		TokenLength:  32,
		CookieName:   "csrf_token",
		HeaderName:   "X-CSRF-Token",
		FormField:    "csrf_token",
		ContextKey:   "csrf",
		CookieMaxAge: 3600,
		Skipper: func(c *fiber.Ctx) bool {
			// OAuth callback is driven by Google, not our form
			return c.Path() == "/auth/google/callback"
		},
	}))
	app.Use(func(c *fiber.Ctx) error {
		if c.Method() == fiber.MethodGet {
			middleware.GenerateCSRFToken(c)
		}
		return c.Next()
	})

	// Serve static files
	app.Static("/assets", "./assets", fiber.Static{
		Compress:      true,
		CacheDuration: 24 * time.Hour,
	})

	// Initialize handlers
	authHandler := web.NewAuthHandler(store, cfg, users, tokens)
	progressHandler := api.NewProgressHandler(store)
	applyHandler := web.NewApplyHandler(store, cfg, authHandler, users, campaigns, progressHandler)

	// Public routes
	app.Get("/", authHandler.ShowLanding)
	app.Get("/auth/google", authHandler.HandleGoogleLogin)
	app.Get("/auth/google/callback", authHandler.HandleGoogleCallback)
	app.Post("/guest", authHandler.HandleGuest)
	app.Get("/logout", authHandler.HandleLogout)

	// Health check endpoint
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// JSON API (bearer token)
	apiRoutes := app.Group("/api", api.BearerMiddleware(cfg.JWT.Secret))
	{
		apiRoutes.Get("/defaults", applyHandler.HandleDefaults)
	}

	// Protected routes group
	protected := app.Group("", api.SessionMiddleware(store))

	protected.Get("/apply", applyHandler.ShowApply)
	protected.Post("/apply", applyHandler.HandleSubmit)

	// Dispatch progress feed
	protected.Get("/progress", progressHandler.HandleSSE)
	protected.Get("/ws/progress", websocket.New(progressHandler.HandleWebSocket))

	// 404 Handler for undefined routes
	app.Use(func(c *fiber.Ctx) error {
		if isAPIRequest(c) {
			return c.Status(404).JSON(fiber.Map{
				"error": "Not found",
			})
		}
		return c.Status(404).Render("error", fiber.Map{
			"Error": "Page not found",
			"Code":  404,
		})
	})

	// Start server
	utils.Log.Info("Starting server on port %d...", cfg.Server.Port)
	if err := app.Listen(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
		utils.Log.Fatal("Error starting server: %v", err)
	}
}
