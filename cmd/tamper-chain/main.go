// Command tamper-chain corrupts a block in a bolt-backed ledger so that
// detection can be exercised end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/smarthealth/auditchain/internal/chain"
	"github.com/smarthealth/auditchain/internal/storage"
)

func main() {
	dbPath := flag.String("db", "auditchain.db", "path to the bolt ledger file")
	index := flag.Int64("index", 1, "index of the block to corrupt")
	field := flag.String("field", "data", "what to corrupt: data, nonce, prev_hash, hash or delete")
	value := flag.String("value", "tampered", "replacement value for data.patient_id")
	flag.Parse()

	switch *field {
	case "data", "nonce", "prev_hash", "hash", "delete":
	default:
		fmt.Fprintf(os.Stderr, "Unknown field %q\n", *field)
		os.Exit(2)
	}

	fmt.Printf("Opening ledger: %s\n", *dbPath)
	fmt.Printf("Target block: %d (%s)\n", *index, *field)

	store, err := storage.NewBoltStore(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open ledger: %v\n", err)
		os.Exit(1)
	}
	defer store.Close(context.Background())

	if *field == "delete" {
		if err := store.Delete(*index); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✓ Deleted block %d\n", *index)
		return
	}

	err = store.Rewrite(*index, func(b *chain.Block) {
		fmt.Printf("  Original Hash: %s\n", b.Hash)

		switch *field {
		case "data":
			b.Data["patient_id"] = *value
		case "nonce":
			b.Nonce++
		case "prev_hash":
			b.PreviousHash = flip(b.PreviousHash)
		case "hash":
			b.Hash = flip(b.Hash)
		}

		fmt.Printf("  Stored Hash:   %s\n", b.Hash)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("✓ Successfully corrupted block; run `auditchain verify` to detect it")
}

// flip changes the first character of a hex string.
func flip(s string) string {
	if s == "" {
		return "a"
	}
	if s[0] == 'a' {
		return "b" + s[1:]
	}
	return "a" + s[1:]
}
