package main

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yeremiapane/course-settlement/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setCLIEnv(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "settlement.db")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("DB_DSN", dsn)
	t.Setenv("GIN_MODE", "test")
	t.Setenv("JWT_SECRET", "cli-test-secret-0123456789")
	t.Setenv("VNPAY_TMN_CODE", "TESTTMN1")
	t.Setenv("VNPAY_HASH_SECRET", "secret")
	t.Setenv("VNPAY_URL", "https://sandbox.vnpayment.vn/paymentv2/vpcpay.html")
	t.Setenv("VNPAY_RETURN_URL", "https://api.example.com/webhooks/vnpay/return")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("KAFKA_BROKERS", "")
	return dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestMigrateAndStatus(t *testing.T) {
	dsn := setCLIEnv(t)

	out, err := run(t, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	created := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)
	require.NoError(t, db.Create(&models.Payment{
		ID:             "0b6f3c52-3f7e-4c1e-9f77-8d0c2b8f4a11",
		TransactionID:  "TXN-CLI1",
		PayerID:        "student-1",
		ProductID:      "go-101",
		Amount:         decimal.NewFromInt(999000),
		DiscountAmount: decimal.Zero,
		FinalAmount:    decimal.NewFromInt(999000),
		Currency:       "VND",
		Status:         models.PaymentStatusPending,
		GatewayName:    "vnpay",
		ExpiresAt:      created.Add(15 * time.Minute),
		CreatedAt:      created,
		UpdatedAt:      created,
	}).Error)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	out, err = run(t, "status", "TXN-CLI1")
	require.NoError(t, err)
	assert.Contains(t, out, `"transaction_id": "TXN-CLI1"`)
	assert.Contains(t, out, `"status": "pending"`)

	_, err = run(t, "status", "TXN-MISSING")
	assert.Error(t, err)
}

func TestReconcileExpiresOverduePayments(t *testing.T) {
	dsn := setCLIEnv(t)
	t.Setenv("RECONCILE_QUERY_GATEWAY", "false")

	_, err := run(t, "migrate")
	require.NoError(t, err)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	created := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, db.Create(&models.Payment{
		ID:             "5c1d0b7e-8c44-4a8e-b0b9-3f4f0a6d2c10",
		TransactionID:  "TXN-CLI2",
		PayerID:        "student-1",
		ProductID:      "go-101",
		Amount:         decimal.NewFromInt(999000),
		DiscountAmount: decimal.Zero,
		FinalAmount:    decimal.NewFromInt(999000),
		Currency:       "VND",
		Status:         models.PaymentStatusPending,
		GatewayName:    "vnpay",
		ExpiresAt:      created.Add(15 * time.Minute),
		CreatedAt:      created,
		UpdatedAt:      created,
	}).Error)
	sqlDB, _ := db.DB()
	sqlDB.Close()

	out, err := run(t, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, `"expired": 1`)
}
