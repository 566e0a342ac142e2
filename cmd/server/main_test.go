package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/booking"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/ledger"
)

// TestOpenStore_Wiring drives each embedded store through the same wiring
// run uses: one value serves the manager, the controller and the handler.
func TestOpenStore_Wiring(t *testing.T) {
	drivers := []config.Config{
		{StoreDriver: config.DriverMemory},
		{StoreDriver: config.DriverSQLite, SQLitePath: ":memory:"},
	}

	for _, cfg := range drivers {
		t.Run(cfg.StoreDriver, func(t *testing.T) {
			ctx := context.Background()

			// GIVEN: A store opened from configuration
			store, ping, closeStore, err := openStore(ctx, cfg)
			require.NoError(t, err)
			t.Cleanup(closeStore)
			if ping != nil {
				require.NoError(t, ping(ctx))
			}

			mgr := ledger.NewManager(store)
			ctrl := booking.NewController(store, booking.WithLocker(mgr.Locker()))
			h := api.NewHandler(mgr, ctrl, store, api.WithHealthCheck(ping))

			// WHEN: A funded user books a flight
			w, err := mgr.OpenWallet(ctx, ledger.OwnerUser, "u-1")
			require.NoError(t, err)
			_, err = mgr.Deposit(ctx, w.ID, "IRR", decimal.NewFromInt(1_000_000), "")
			require.NoError(t, err)

			b, err := ctrl.Create(ctx, booking.CreateInput{
				UserID:        "u-1",
				FlightID:      "IR-712",
				TotalPrice:    decimal.NewFromInt(300_000),
				Currency:      "IRR",
				DepartureTime: time.Now().Add(48 * time.Hour),
			})
			require.NoError(t, err)

			// THEN: The hold is visible through the manager and the API is up
			assert.Equal(t, booking.StatusSuspended, b.Status)
			bal, err := mgr.Balance(ctx, w.ID, "IRR")
			require.NoError(t, err)
			assert.True(t, decimal.NewFromInt(700_000).Equal(bal.Available))

			rec := httptest.NewRecorder()
			api.NewRouter(h, api.RouterOptions{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestOpenStore_SQLiteBadPath(t *testing.T) {
	_, _, _, err := openStore(context.Background(), config.Config{
		StoreDriver: config.DriverSQLite,
		SQLitePath:  "/nonexistent/dir/settlement.db",
	})
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		logger, err := newLogger(level)
		require.NoError(t, err, level)
		want, _ := zapcore.ParseLevel(level)
		assert.True(t, logger.Core().Enabled(want), level)
	}

	_, err := newLogger("loud")
	assert.Error(t, err)
}
