package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/distribution_backend/models"
	"github.com/mmdatafocus/distribution_backend/utils"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func TestGormTxBeginnerAgainstMySQL(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	name, port := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(name) })

	db := openMySQL(t, port)
	require.NoError(t, models.AutoMigrate(db))
	beginner := models.NewGormTxBeginner(db, models.MySQLDialect{})
	ctx := context.Background()

	seed := func(t *testing.T, onHand int64) int {
		t.Helper()
		b := models.Batch{Sku: "SKU-IT", OnHandQty: decimal.NewFromInt(onHand), Status: models.BatchStatusLive}
		require.NoError(t, db.Create(&b).Error)
		return b.ID
	}
	onHand := func(t *testing.T, id int) decimal.Decimal {
		t.Helper()
		var b models.Batch
		require.NoError(t, db.First(&b, id).Error)
		return b.OnHandQty
	}

	t.Run("concurrent allocations never oversell", func(t *testing.T) {
		id := seed(t, 100)
		var wg sync.WaitGroup
		errs := make([]error, 25)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = beginner.InTransaction(ctx, 10*time.Second, func(tx models.Tx) error {
					_, err := models.AllocateFromBatch(tx, models.AllocationRequest{BatchId: id, Quantity: 5, UserId: 1}, models.AllocateOptions{})
					return err
				})
			}(i)
		}
		wg.Wait()

		succeeded, conflicts := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case utils.HasCode(err, utils.CodeConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 20, succeeded)
		assert.Equal(t, 5, conflicts)
		assert.True(t, decimal.Zero.Equal(onHand(t, id)))

		report, err := models.VerifyBatchLedger(ctx, db, id)
		require.NoError(t, err)
		assert.True(t, report.Consistent(), "%+v", report.Issues)
		assert.Equal(t, 20, report.Movements)
	})

	t.Run("opposite orders do not deadlock", func(t *testing.T) {
		a, b := seed(t, 1000), seed(t, 1000)
		var wg sync.WaitGroup
		errs := make([]error, 20)
		for i := range errs {
			pair := []models.BatchAllocation{{BatchId: a, Quantity: 1}, {BatchId: b, Quantity: 1}}
			if i%2 == 1 {
				pair[0], pair[1] = pair[1], pair[0]
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = beginner.InTransaction(ctx, 10*time.Second, func(tx models.Tx) error {
					_, err := models.AllocateFromMultipleBatches(tx, pair, models.MultiAllocationOptions{UserId: 1})
					return err
				})
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			assert.NoError(t, err)
		}
		assert.True(t, decimal.NewFromInt(980).Equal(onHand(t, a)))
		assert.True(t, decimal.NewFromInt(980).Equal(onHand(t, b)))
	})

	t.Run("failed unit of work rolls back", func(t *testing.T) {
		id := seed(t, 50)
		boom := errors.New("boom")
		err := beginner.InTransaction(ctx, 5*time.Second, func(tx models.Tx) error {
			if _, err := models.AllocateFromBatch(tx, models.AllocationRequest{BatchId: id, Quantity: 10, UserId: 1}, models.AllocateOptions{}); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.True(t, decimal.NewFromInt(50).Equal(onHand(t, id)))

		var count int64
		require.NoError(t, db.Model(&models.InventoryMovement{}).Where("batch_id = ?", id).Count(&count).Error)
		assert.Zero(t, count)
	})

	t.Run("held row lock times out as transient", func(t *testing.T) {
		id := seed(t, 10)
		holder := db.Begin()
		require.NoError(t, holder.Error)
		var held models.Batch
		require.NoError(t, holder.Clauses(clause.Locking{Strength: "UPDATE"}).First(&held, id).Error)
		defer holder.Rollback()

		start := time.Now()
		err := beginner.InTransaction(ctx, time.Second, func(tx models.Tx) error {
			_, err := models.AllocateFromBatch(tx, models.AllocationRequest{BatchId: id, Quantity: 1, UserId: 1}, models.AllocateOptions{})
			return err
		})
		require.Error(t, err)
		assert.True(t, models.IsTransient(err), "got %v", err)
		assert.Equal(t, models.TransientLockTimeout, models.ClassifyError(err))
		assert.Less(t, time.Since(start), 8*time.Second)
	})

	t.Run("order status and line items", func(t *testing.T) {
		id := seed(t, 30)
		order := models.Order{OrderNumber: fmt.Sprintf("SO-%d", time.Now().UnixNano()), FulfillmentStatus: models.FulfillmentStatusDraft}
		require.NoError(t, db.Create(&order).Error)
		require.NoError(t, db.Create(&models.OrderLineItem{OrderId: order.ID, BatchId: id, Quantity: decimal.NewFromInt(4)}).Error)

		err := beginner.InTransaction(ctx, 5*time.Second, func(tx models.Tx) error {
			o, err := tx.SelectOrderForUpdate(order.ID)
			if err != nil {
				return err
			}
			lines, err := tx.OrderLineItems(o.ID)
			if err != nil {
				return err
			}
			require.Len(t, lines, 1)
			return tx.UpdateOrderStatus(o.ID, models.FulfillmentStatusConfirmed)
		})
		require.NoError(t, err)

		got, err := models.GetOrder(ctx, db, order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.FulfillmentStatusConfirmed, got.FulfillmentStatus)
		assert.Len(t, got.LineItems, 1)

		_, err = models.GetOrder(ctx, db, order.ID+1000)
		assert.True(t, utils.HasCode(err, utils.CodeNotFound))
	})
}

func openMySQL(t *testing.T, port string) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("root:testpw@tcp(127.0.0.1:%s)/inventory_test?charset=utf8mb4&parseTime=True&loc=UTC", port)
	deadline := time.Now().Add(60 * time.Second)
	for {
		db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, _ := db.DB()
			if err = sqlDB.Ping(); err == nil {
				return db
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("connect mysql: %v", err)
		}
		time.Sleep(time.Second)
	}
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("inventory-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=inventory_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
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
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
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
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
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
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
