package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/middlewares"
	"bitbucket.org/mmdatafocus/distribution_backend/models"
	"bitbucket.org/mmdatafocus/distribution_backend/models/reports"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"bitbucket.org/mmdatafocus/distribution_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
)

const defaultPort = "8080"

var tracer = otel.Tracer("mkitchen-distribution")

// respondError maps the business error taxonomy onto HTTP statuses.
// Shortage conflicts keep their complete per-product list in the body.
func respondError(c *gin.Context, err error) {
	var appErr *utils.AppError
	if errors.As(err, &appErr) {
		status := http.StatusBadRequest
		switch appErr.Kind {
		case utils.ErrorKindAuthorization:
			status = http.StatusForbidden
		case utils.ErrorKindNotFound:
			status = http.StatusNotFound
		case utils.ErrorKindConflict:
			status = http.StatusConflict
		}
		body := gin.H{"error": appErr.Message, "kind": appErr.Kind}
		if len(appErr.Shortages) > 0 {
			body["shortages"] = appErr.Shortages
		}
		c.JSON(status, body)
		return
	}

	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "fields": utils.ProcessValidationErrors(err)})
		return
	}

	logger := config.GetLogger()
	correlationId, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
	config.LogError(logger, "server.go", c.FullPath(), correlationId, nil, err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func intParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}

func loginHandler(c *gin.Context) {
	var input struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	info, err := models.Login(c.Request.Context(), input.Username, input.Password)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func logoutHandler(c *gin.Context) {
	ok, err := models.Logout(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

func meHandler(c *gin.Context) {
	ctx := c.Request.Context()
	userId, _ := utils.GetUserIdFromContext(ctx)
	role, _ := utils.GetRoleFromContext(ctx)
	username, _ := utils.GetUsernameFromContext(ctx)
	c.JSON(http.StatusOK, gin.H{"id": userId, "role": role, "username": username})
}

// listProductsHandler serves two views: admins browse the pool catalog,
// managers browse their own balances joined to the catalog.
func listProductsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	role, _ := utils.GetRoleFromContext(ctx)

	if role == string(models.UserRoleManager) {
		managerId, _ := utils.GetUserIdFromContext(ctx)
		returnBin := strings.EqualFold(c.Query("is_return"), "true")
		stocks, err := models.GetManagerStocks(ctx, managerId, c.Query("q"), returnBin)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stocks)
		return
	}

	products, err := models.SearchPoolProducts(ctx, c.Query("q"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, products)
}

func createProductHandler(c *gin.Context) {
	var input models.NewProduct
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.CreateProduct(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, product)
}

func updateProductHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.ProductUpdate
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	product, err := models.UpdateProduct(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

func deleteProductHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	deleted, err := models.DeleteProduct(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": deleted, "archived": !deleted})
}

func listManagersHandler(c *gin.Context) {
	managers, err := models.GetManagers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, managers)
}

func createManagerHandler(c *gin.Context) {
	var input models.NewManager
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	manager, err := models.CreateManager(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, manager)
}

func updateManagerHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.ManagerUpdate
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	manager, err := models.UpdateManager(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, manager)
}

func listShopsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	role, _ := utils.GetRoleFromContext(ctx)

	var (
		shops []*models.Shop
		err   error
	)
	if role == string(models.UserRoleManager) {
		shops, err = models.GetMyShops(ctx)
	} else {
		shops, err = models.GetShops(ctx, intQuery(c, "manager_id"))
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shops)
}

func myShopsHandler(c *gin.Context) {
	shops, err := models.GetMyShops(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shops)
}

func createShopHandler(c *gin.Context) {
	var input models.NewShop
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	shop, err := models.CreateShop(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, shop)
}

func updateShopHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	var input models.ShopUpdate
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	shop, err := models.UpdateShop(c.Request.Context(), id, &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, shop)
}

func deleteShopHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	if err := models.DeleteShop(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func createIncomingHandler(c *gin.Context) {
	var input models.NewIncoming
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	incoming, err := models.CreateIncoming(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, incoming)
}

func listIncomingHandler(c *gin.Context) {
	incomings, err := models.ListIncoming(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, incomings)
}

func getIncomingHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	info, err := models.GetIncomingDetail(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func createDispatchHandler(c *gin.Context) {
	var input models.NewDispatch
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	info, err := models.CreateDispatch(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func listDispatchesHandler(c *gin.Context) {
	infos, err := models.ListDispatches(c.Request.Context(), models.DispatchFilter{
		ManagerId: intQuery(c, "manager_id"),
		Status:    c.Query("status"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func getDispatchHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	info, err := models.GetDispatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func acceptDispatchHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	info, err := models.AcceptDispatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func createShopOrderHandler(c *gin.Context) {
	var input models.NewShopOrder
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	info, err := models.CreateShopOrder(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func listShopOrdersHandler(c *gin.Context) {
	infos, err := models.ListShopOrders(c.Request.Context(), models.ShopOrderFilter{
		ManagerId: intQuery(c, "manager_id"),
		ShopId:    intQuery(c, "shop_id"),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func createShopReturnHandler(c *gin.Context) {
	var input models.NewShopReturn
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	info, err := models.CreateShopReturn(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func createManagerReturnHandler(c *gin.Context) {
	var input models.NewManagerReturn
	if err := c.ShouldBindJSON(&input); err != nil {
		respondError(c, err)
		return
	}
	info, err := models.CreateManagerReturn(c.Request.Context(), &input)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, info)
}

func listReturnsHandler(c *gin.Context) {
	ctx := c.Request.Context()
	managerId := intQuery(c, "manager_id")

	shopReturns, err := models.ListShopReturns(ctx, managerId)
	if err != nil {
		respondError(c, err)
		return
	}
	managerReturns, err := models.ListManagerReturns(ctx, managerId)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"shop_returns":    shopReturns,
		"manager_returns": managerReturns,
	})
}

func productReportHandler(c *gin.Context) {
	results, err := reports.GetProductBalanceReport(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func managerReportHandler(c *gin.Context) {
	id, ok := intParam(c, "id")
	if !ok {
		return
	}
	results, err := reports.GetManagerStockReport(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// summaryScope resolves which manager the summary covers: managers are
// pinned to themselves, admins pick via query (0 = all).
func summaryScope(c *gin.Context) int {
	ctx := c.Request.Context()
	role, _ := utils.GetRoleFromContext(ctx)
	if role == string(models.UserRoleManager) {
		managerId, _ := utils.GetUserIdFromContext(ctx)
		return managerId
	}
	return intQuery(c, "manager_id")
}

func managerSummaryHandler(c *gin.Context) {
	results, err := reports.GetManagerSummaryReport(c.Request.Context(), summaryScope(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func managerSummaryExportHandler(c *gin.Context) {
	if err := reports.WriteManagerSummaryExcel(c.Request.Context(), c.Writer, summaryScope(c)); err != nil {
		respondError(c, err)
		return
	}
}

func returnsReportHandler(c *gin.Context) {
	results, err := reports.GetReturnsReport(c.Request.Context(), c.Query("from"), c.Query("to"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func reconciliationHandler(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "reconciliation")
	defer span.End()

	report, err := workflow.RunReconciliation(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func registerRoutes(r *gin.Engine) {
	admin := string(models.UserRoleAdmin)
	manager := string(models.UserRoleManager)

	r.POST("/token", loginHandler)

	auth := r.Group("/", middlewares.RequireAuth())
	auth.GET("/me", meHandler)
	auth.POST("/logout", logoutHandler)

	auth.GET("/products", listProductsHandler)
	auth.POST("/products", middlewares.RequireRole(admin), createProductHandler)
	auth.PUT("/products/:id", middlewares.RequireRole(admin), updateProductHandler)
	auth.DELETE("/products/:id", middlewares.RequireRole(admin), deleteProductHandler)

	auth.GET("/managers", middlewares.RequireRole(admin), listManagersHandler)
	auth.POST("/managers", middlewares.RequireRole(admin), createManagerHandler)
	auth.PUT("/managers/:id", middlewares.RequireRole(admin), updateManagerHandler)

	auth.GET("/shops", listShopsHandler)
	auth.GET("/shops/me", middlewares.RequireRole(manager), myShopsHandler)
	auth.POST("/shops", middlewares.RequireRole(manager), createShopHandler)
	auth.PUT("/shops/:id", middlewares.RequireRole(manager), updateShopHandler)
	auth.DELETE("/shops/:id", middlewares.RequireRole(manager), deleteShopHandler)

	auth.POST("/incoming", middlewares.RequireRole(admin), createIncomingHandler)
	auth.GET("/incoming", middlewares.RequireRole(admin), listIncomingHandler)
	auth.GET("/incoming/:id", middlewares.RequireRole(admin), getIncomingHandler)

	auth.POST("/dispatch", middlewares.RequireRole(admin), createDispatchHandler)
	auth.GET("/dispatch", listDispatchesHandler)
	auth.GET("/dispatch/:id", getDispatchHandler)
	auth.POST("/dispatch/:id/accept", middlewares.RequireRole(manager), acceptDispatchHandler)

	auth.POST("/orders", middlewares.RequireRole(manager), createShopOrderHandler)
	auth.GET("/orders", listShopOrdersHandler)

	auth.POST("/returns/shop", middlewares.RequireRole(manager), createShopReturnHandler)
	auth.POST("/returns/manager", middlewares.RequireRole(manager), createManagerReturnHandler)
	auth.GET("/returns", listReturnsHandler)

	auth.GET("/reports/products", middlewares.RequireRole(admin), productReportHandler)
	auth.GET("/reports/manager/:id", middlewares.RequireRole(admin), managerReportHandler)
	auth.GET("/reports/manager-summary", managerSummaryHandler)
	auth.GET("/reports/manager-summary/export", managerSummaryExportHandler)
	auth.GET("/reports/returns", middlewares.RequireRole(admin), returnsReportHandler)
	auth.GET("/reports/reconciliation", middlewares.RequireRole(admin), reconciliationHandler)
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// customErrorLogger logs only requests that accumulated gin errors.
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server before dependencies are ready; app endpoints
	// return 503 until the database connects.
	r := gin.New()
	r.Use(middlewares.CorrelationMiddleware())
	r.Use(func(c *gin.Context) {
		if c.Request.URL.Path == "/health" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		if config.GetDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("token", "Origin", "Content-Type", "Authorization")
	corsConfig.AddExposeHeaders("Content-Length", "Content-Disposition")
	corsConfig.AllowCredentials = true
	r.Use(cors.New(corsConfig))

	r.Use(middlewares.AuthMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())
	registerRoutes(r)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	log.Println("Server started successfully on port " + port)

	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
