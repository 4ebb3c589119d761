package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/mainctx"
	"github.com/amia-team/AmiaReforged-sub001/internal/adapter/storage"
	"github.com/amia-team/AmiaReforged-sub001/internal/core/domain"
	"github.com/amia-team/AmiaReforged-sub001/internal/core/service"
	"github.com/amia-team/AmiaReforged-sub001/internal/platform/logger"
)

const (
	defaultDSN    = "root:root@tcp(localhost:3306)/market?parseTime=true&multiStatements=true"
	areaResRef    = "stress_market"
	stallTag      = "stress_stall"
	totalClaims   = 50
	dailyRent     = 100
	rentInterval  = 24 * time.Hour
	claimDeadline = 10 * time.Second
)

// Races many characters for one stall; exactly one lease must win.
func main() {
	ctx := context.Background()

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = defaultDSN
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("failed to connect mysql: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(totalClaims)
	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}

	// Clear previous test data
	db.ExecContext(ctx, `DELETE l FROM stall_ledger_entries l JOIN stalls s ON s.id = l.stall_id WHERE s.area_resref = ?`, areaResRef)
	db.ExecContext(ctx, `DELETE FROM stalls WHERE area_resref = ?`, areaResRef)

	res, err := db.ExecContext(ctx, `
		INSERT INTO stalls (tag, area_resref, settlement_tag, daily_rent, updated_utc)
		VALUES (?, ?, 'cordor', ?, ?)`, stallTag, areaResRef, dailyRent, time.Now().UTC())
	if err != nil {
		log.Fatalf("failed to seed stall: %v", err)
	}
	stallID, _ := res.LastInsertId()

	gameCtx := mainctx.NewExecutor(totalClaims, logger.Nop())
	defer gameCtx.Stop()
	stalls := service.NewStallService(storage.NewMySQLAdapter(db), nil, nil, gameCtx, logger.Nop(), nil, rentInterval)

	var successCount atomic.Int32
	var failCount atomic.Int32
	failures := make(map[domain.ErrorCode]int)
	var mu sync.Mutex

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < totalClaims; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, claimDeadline)
			defer cancel()

			id := uuid.New()
			result := stalls.ClaimStall(cctx, service.ClaimStallRequest{
				StallID: stallID,
				Owner: domain.OwnerIdentity{
					CharacterID: id,
					Persona:     domain.CharacterPersona(id),
					DisplayName: fmt.Sprintf("racer-%d", n),
				},
				AreaResRef:    areaResRef,
				PlaceableTag:  stallTag,
				PaymentSource: "stress",
				AmountPaid:    dailyRent,
			})
			if result.Success {
				successCount.Add(1)
				return
			}
			failCount.Add(1)
			mu.Lock()
			failures[result.Code]++
			mu.Unlock()
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	success := successCount.Load()
	fail := failCount.Load()

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Stall:            %s (#%d)\n", stallTag, stallID)
	fmt.Printf("Total Claims:     %d\n", totalClaims)
	fmt.Printf("Successful:       %d\n", success)
	fmt.Printf("Failed:           %d\n", fail)
	for code, n := range failures {
		fmt.Printf("  %-22s %d\n", code, n)
	}
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	if success == 1 && fail == totalClaims-1 {
		fmt.Printf("PASS: Exactly 1 claim succeeded, %d failed\n", totalClaims-1)
	} else {
		fmt.Printf("FAIL: Expected 1 success/%d fail, got %d/%d\n", totalClaims-1, success, fail)
	}

	// Verify the row and the ledger agree with the winner
	var owner sql.NullString
	var version int
	if err := db.QueryRowContext(ctx, `SELECT owner_persona, version FROM stalls WHERE id = ?`, stallID).Scan(&owner, &version); err != nil {
		log.Fatalf("failed to read stall: %v", err)
	}
	var payments int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stall_ledger_entries WHERE stall_id = ?`, stallID).Scan(&payments); err != nil {
		log.Fatalf("failed to read ledger: %v", err)
	}
	fmt.Printf("Owner:            %s (version %d)\n", owner.String, version)

	if owner.Valid && owner.String != "" && payments == 1 {
		fmt.Println("PASS: One owner, one lease payment")
	} else {
		fmt.Printf("FAIL: Expected one owner and one payment, got owner=%q payments=%d\n", owner.String, payments)
	}
}
