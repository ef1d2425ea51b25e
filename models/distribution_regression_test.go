package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/distribution_backend/config"
	"bitbucket.org/mmdatafocus/distribution_backend/models"
	"bitbucket.org/mmdatafocus/distribution_backend/utils"
	"bitbucket.org/mmdatafocus/distribution_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// End-to-end flow against real MySQL + Redis in docker: incoming credits the
// pool, dispatch moves pool -> manager in two phases, a shop order debits the
// manager, returns travel backward, and reconciliation finds no drift.
func TestDistributionFlowEndToEnd(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "distribution_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	// actors
	isActive := true
	admin := models.User{Username: "admin@test", Password: "x", Role: models.UserRoleAdmin, IsActive: &isActive}
	if err := db.Create(&admin).Error; err != nil {
		t.Fatalf("create admin: %v", err)
	}
	manager, err := models.CreateManager(ctx, &models.NewManager{
		Username: "manager@test",
		FullName: "Manager One",
		Password: "secret123",
	})
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}

	adminCtx := utils.SetRoleInContext(utils.SetUserIdInContext(ctx, admin.ID), string(models.UserRoleAdmin))
	managerCtx := utils.SetRoleInContext(utils.SetUserIdInContext(ctx, manager.ID), string(models.UserRoleManager))

	// catalog
	vanilla, err := models.CreateProduct(adminCtx, &models.NewProduct{Name: "Vanilla", Price: dec("1200")})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	chocolate, err := models.CreateProduct(adminCtx, &models.NewProduct{Name: "Chocolate", Price: dec("1500")})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	// incoming: pool 100 vanilla, 50 chocolate
	_, err = models.CreateIncoming(adminCtx, &models.NewIncoming{Items: []models.NewIncomingItem{
		{ProductId: vanilla.ID, Quantity: dec("100"), PriceAtTime: dec("1000")},
		{ProductId: chocolate.ID, Quantity: dec("50"), PriceAtTime: dec("1300")},
	}})
	if err != nil {
		t.Fatalf("create incoming: %v", err)
	}
	if got := poolQty(t, db, vanilla.ID); !got.Equal(dec("100")) {
		t.Fatalf("pool vanilla after incoming = %s, want 100", got)
	}

	// dispatch with duplicate vanilla lines: 30 + 20 must aggregate to 50
	dispatch, err := models.CreateDispatch(adminCtx, &models.NewDispatch{
		ManagerId: manager.ID,
		Items: []models.NewDispatchItem{
			{ProductId: vanilla.ID, Quantity: dec("30"), Price: dec("1100")},
			{ProductId: vanilla.ID, Quantity: dec("20"), Price: dec("1100")},
			{ProductId: chocolate.ID, Quantity: dec("10"), Price: dec("1400")},
		},
	})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	if dispatch.Status != models.DispatchStatusPending {
		t.Fatalf("dispatch status = %s, want pending", dispatch.Status)
	}
	// creation must not move stock
	if got := poolQty(t, db, vanilla.ID); !got.Equal(dec("100")) {
		t.Fatalf("pool vanilla after dispatch create = %s, want 100", got)
	}

	// only the owning manager accepts
	if _, err := models.AcceptDispatch(adminCtx, dispatch.ID); utils.KindOf(err) != utils.ErrorKindAuthorization {
		t.Fatalf("foreign accept: kind = %s, want authorization", utils.KindOf(err))
	}

	accepted, err := models.AcceptDispatch(managerCtx, dispatch.ID)
	if err != nil {
		t.Fatalf("accept dispatch: %v", err)
	}
	if accepted.Status != models.DispatchStatusSent || accepted.AcceptedAt == nil {
		t.Fatalf("accepted dispatch not stamped: %+v", accepted)
	}
	// conservation: pool down by 50/10, manager up by 50/10
	if got := poolQty(t, db, vanilla.ID); !got.Equal(dec("50")) {
		t.Fatalf("pool vanilla after accept = %s, want 50", got)
	}
	if got := managerQty(t, db, manager.ID, vanilla.ID, false); !got.Equal(dec("50")) {
		t.Fatalf("manager vanilla after accept = %s, want 50", got)
	}
	if got := managerQty(t, db, manager.ID, chocolate.ID, false); !got.Equal(dec("10")) {
		t.Fatalf("manager chocolate after accept = %s, want 10", got)
	}

	// accepting twice is a conflict and changes nothing
	if _, err := models.AcceptDispatch(managerCtx, dispatch.ID); utils.KindOf(err) != utils.ErrorKindConflict {
		t.Fatalf("second accept: kind = %s, want conflict", utils.KindOf(err))
	}
	if got := poolQty(t, db, vanilla.ID); !got.Equal(dec("50")) {
		t.Fatalf("pool vanilla after double accept = %s, want 50", got)
	}

	// shop
	shop, err := models.CreateShop(managerCtx, &models.NewShop{Name: "Corner Store", FridgeNumber: "F-12"})
	if err != nil {
		t.Fatalf("create shop: %v", err)
	}

	// short order must report every short line and move nothing
	_, err = models.CreateShopOrder(managerCtx, &models.NewShopOrder{
		ShopId: shop.ID,
		Items: []models.NewShopOrderItem{
			{ProductId: vanilla.ID, Quantity: dec("60")},
			{ProductId: chocolate.ID, Quantity: dec("15")},
		},
	})
	var appErr *utils.AppError
	if !asAppError(err, &appErr) || appErr.Kind != utils.ErrorKindConflict {
		t.Fatalf("short order: expected conflict, got %v", err)
	}
	if len(appErr.Shortages) != 2 {
		t.Fatalf("short order must list both lines: %+v", appErr.Shortages)
	}
	if got := managerQty(t, db, manager.ID, vanilla.ID, false); !got.Equal(dec("50")) {
		t.Fatalf("manager vanilla after failed order = %s, want 50", got)
	}

	// good order: 20 billable + 2 bonus vanilla, price falls back to stock price
	order, err := models.CreateShopOrder(managerCtx, &models.NewShopOrder{
		ShopId:        shop.ID,
		ReturnsAmount: dec("1000"),
		PaidAmount:    dec("10000"),
		Items: []models.NewShopOrderItem{
			{ProductId: vanilla.ID, Quantity: dec("20")},
			{ProductId: vanilla.ID, Quantity: dec("2"), IsBonus: true},
		},
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	// 20 * 1100 (dispatch price on the stock row) = 22000
	if !order.Payment.GoodsTotal.Equal(dec("22000")) {
		t.Fatalf("goods total = %s, want 22000", order.Payment.GoodsTotal)
	}
	if !order.Payment.Payable.Equal(dec("21000")) || !order.Payment.Debt.Equal(dec("11000")) {
		t.Fatalf("payment arithmetic wrong: %+v", order.Payment)
	}
	// bonus lines leave stock too: 50 - 22 = 28
	if got := managerQty(t, db, manager.ID, vanilla.ID, false); !got.Equal(dec("28")) {
		t.Fatalf("manager vanilla after order = %s, want 28", got)
	}

	// shop return: 3 vanilla into the return bin
	_, err = models.CreateShopReturn(managerCtx, &models.NewShopReturn{
		ShopId: shop.ID,
		Items:  []models.NewShopReturnItem{{ProductId: vanilla.ID, Quantity: dec("3")}},
	})
	if err != nil {
		t.Fatalf("create shop return: %v", err)
	}
	if got := managerQty(t, db, manager.ID, vanilla.ID, false); !got.Equal(dec("25")) {
		t.Fatalf("manager vanilla after shop return = %s, want 25", got)
	}
	if got := managerQty(t, db, manager.ID, vanilla.ID, true); !got.Equal(dec("3")) {
		t.Fatalf("return bin vanilla = %s, want 3", got)
	}

	// manager return: bin goods and regular chocolate go back to the pool
	_, err = models.CreateManagerReturn(managerCtx, &models.NewManagerReturn{
		Items: []models.NewManagerReturnItem{
			{ProductId: vanilla.ID, Quantity: dec("3"), FromReturnBin: true},
			{ProductId: chocolate.ID, Quantity: dec("10")},
		},
	})
	if err != nil {
		t.Fatalf("create manager return: %v", err)
	}
	if got := poolQty(t, db, vanilla.ID); !got.Equal(dec("53")) {
		t.Fatalf("pool vanilla after manager return = %s, want 53", got)
	}
	if got := poolQty(t, db, chocolate.ID); !got.Equal(dec("50")) {
		t.Fatalf("pool chocolate after manager return = %s, want 50", got)
	}
	if got := managerQty(t, db, manager.ID, vanilla.ID, true); !got.IsZero() {
		t.Fatalf("return bin vanilla after manager return = %s, want 0", got)
	}

	// the list endpoints resolve names from the preloaded documents
	shopReturns, err := models.ListShopReturns(managerCtx, 0)
	if err != nil {
		t.Fatalf("list shop returns: %v", err)
	}
	if len(shopReturns) != 1 || len(shopReturns[0].Items) != 1 {
		t.Fatalf("shop return list: %+v", shopReturns)
	}
	if shopReturns[0].Items[0].ProductName != "Vanilla" {
		t.Fatalf("shop return item name = %q, want Vanilla", shopReturns[0].Items[0].ProductName)
	}
	managerReturns, err := models.ListManagerReturns(managerCtx, 0)
	if err != nil {
		t.Fatalf("list manager returns: %v", err)
	}
	if len(managerReturns) != 1 || len(managerReturns[0].Items) != 2 {
		t.Fatalf("manager return list: %+v", managerReturns)
	}

	// documents and live ledger must agree
	report, err := workflow.RunReconciliation(adminCtx)
	if err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if len(report.PoolMismatches) != 0 || len(report.ScopeMismatches) != 0 {
		t.Fatalf("reconciliation found drift: %+v", report)
	}
}

// Accepting a dispatch and returning the same product to the pool both lock
// a products row and a manager_stocks row. Both flows must take those locks
// in the same order (pool first); this hammers the pair concurrently and
// fails if either side surfaces a storage-kind error, which is how an
// InnoDB deadlock kill (error 1213) would show up.
func TestConcurrentAcceptAndReturnDoNotDeadlock(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "distribution_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()
	db := config.GetDB()

	isActive := true
	admin := models.User{Username: "admin@test", Password: "x", Role: models.UserRoleAdmin, IsActive: &isActive}
	if err := db.Create(&admin).Error; err != nil {
		t.Fatalf("create admin: %v", err)
	}
	manager, err := models.CreateManager(ctx, &models.NewManager{
		Username: "manager@test",
		FullName: "Manager One",
		Password: "secret123",
	})
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	adminCtx := utils.SetRoleInContext(utils.SetUserIdInContext(ctx, admin.ID), string(models.UserRoleAdmin))
	managerCtx := utils.SetRoleInContext(utils.SetUserIdInContext(ctx, manager.ID), string(models.UserRoleManager))

	product, err := models.CreateProduct(adminCtx, &models.NewProduct{Name: "Vanilla", Price: dec("1200")})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}
	_, err = models.CreateIncoming(adminCtx, &models.NewIncoming{Items: []models.NewIncomingItem{
		{ProductId: product.ID, Quantity: dec("1000"), PriceAtTime: dec("1000")},
	}})
	if err != nil {
		t.Fatalf("create incoming: %v", err)
	}

	// seed the manager scope so returns always have stock to debit
	seed, err := models.CreateDispatch(adminCtx, &models.NewDispatch{
		ManagerId: manager.ID,
		Items:     []models.NewDispatchItem{{ProductId: product.ID, Quantity: dec("400"), Price: dec("1100")}},
	})
	if err != nil {
		t.Fatalf("create seed dispatch: %v", err)
	}
	if _, err := models.AcceptDispatch(managerCtx, seed.ID); err != nil {
		t.Fatalf("accept seed dispatch: %v", err)
	}

	for i := 0; i < 10; i++ {
		dispatch, err := models.CreateDispatch(adminCtx, &models.NewDispatch{
			ManagerId: manager.ID,
			Items:     []models.NewDispatchItem{{ProductId: product.ID, Quantity: dec("10"), Price: dec("1100")}},
		})
		if err != nil {
			t.Fatalf("iteration %d: create dispatch: %v", i, err)
		}

		errCh := make(chan error, 2)
		go func() {
			_, err := models.AcceptDispatch(managerCtx, dispatch.ID)
			errCh <- err
		}()
		go func() {
			_, err := models.CreateManagerReturn(managerCtx, &models.NewManagerReturn{
				Items: []models.NewManagerReturnItem{{ProductId: product.ID, Quantity: dec("10")}},
			})
			errCh <- err
		}()
		for j := 0; j < 2; j++ {
			if err := <-errCh; err != nil {
				if utils.KindOf(err) == utils.ErrorKindStorage {
					t.Fatalf("iteration %d: storage-kind error under contention: %v", i, err)
				}
				t.Fatalf("iteration %d: unexpected error: %v", i, err)
			}
		}
	}

	// conservation across all the interleavings
	total := poolQty(t, db, product.ID).
		Add(managerQty(t, db, manager.ID, product.ID, false)).
		Add(managerQty(t, db, manager.ID, product.ID, true))
	if !total.Equal(dec("1000")) {
		t.Fatalf("total quantity = %s, want 1000", total)
	}

	report, err := workflow.RunReconciliation(adminCtx)
	if err != nil {
		t.Fatalf("reconciliation: %v", err)
	}
	if len(report.PoolMismatches) != 0 || len(report.ScopeMismatches) != 0 {
		t.Fatalf("reconciliation found drift: %+v", report)
	}
}

func asAppError(err error, target **utils.AppError) bool {
	if err == nil {
		return false
	}
	appErr, ok := err.(*utils.AppError)
	if !ok {
		return false
	}
	*target = appErr
	return true
}

func poolQty(t *testing.T, db *gorm.DB, productId int) decimal.Decimal {
	t.Helper()
	var qty decimal.Decimal
	err := db.Raw("SELECT quantity FROM products WHERE id = ?", productId).Scan(&qty).Error
	if err != nil {
		t.Fatalf("read pool quantity: %v", err)
	}
	return qty
}

func managerQty(t *testing.T, db *gorm.DB, managerId int, productId int, returnBin bool) decimal.Decimal {
	t.Helper()
	var qty decimal.Decimal
	err := db.Raw(
		"SELECT COALESCE(SUM(quantity), 0) FROM manager_stocks WHERE manager_id = ? AND product_id = ? AND is_return_bin = ?",
		managerId, productId, returnBin,
	).Scan(&qty).Error
	if err != nil {
		t.Fatalf("read manager quantity: %v", err)
	}
	return qty
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("distribution-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("distribution-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=distribution_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
