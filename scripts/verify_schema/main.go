// Command verify_schema checks that a signal-core sqlite file carries every
// table and the late-added order columns.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

var tables = []string{"orders", "candles", "rate_buckets", "pair_leases", "capital_state", "order_events"}

var orderColumns = []string{"external_ref", "failure_reason", "result_value"}

func main() {
	dbPath := flag.String("db", "./data/signal.db", "sqlite file to check")
	flag.Parse()
	fmt.Printf("Verifying database at: %s\n", *dbPath)

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	missing := 0
	for _, name := range tables {
		var found string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", name).Scan(&found)
		switch {
		case err == sql.ErrNoRows:
			fmt.Printf("MISSING table %s\n", name)
			missing++
		case err != nil:
			log.Fatalf("query %s: %v", name, err)
		default:
			fmt.Printf("ok table %s\n", name)
		}
	}

	var ordersSQL string
	if err := db.QueryRow("SELECT sql FROM sqlite_master WHERE type='table' AND name='orders'").Scan(&ordersSQL); err == nil {
		for _, col := range orderColumns {
			if strings.Contains(ordersSQL, col) {
				fmt.Printf("ok column orders.%s\n", col)
			} else {
				fmt.Printf("MISSING column orders.%s\n", col)
				missing++
			}
		}
	}

	if missing > 0 {
		os.Exit(1)
	}
}
