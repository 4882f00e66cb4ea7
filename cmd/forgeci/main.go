package main

import (
	"encoding/json"
	"fmt"
	"os"

	"forgeci/internal/audit"
)

func main() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: forgeci <inspect|verify|tamper> <journal.jsonl> [entryIndex]")
		os.Exit(1)
	}

	cmd := os.Args[1]
	journalPath := os.Args[2]

	journal, err := audit.Open(journalPath)
	if err != nil {
		fmt.Printf("Failed to open journal: %v\n", err)
		os.Exit(1)
	}

	switch cmd {

	case "inspect":
		for _, e := range journal.Entries() {
			fmt.Printf("Index=%d Job=%s State=%s Reason=%s Hash=%s\n",
				e.Index, e.JobID, e.State, e.Reason, e.Hash[:16])
		}

	case "verify":
		if err := journal.VerifyChain(); err != nil {
			fmt.Printf("Verification FAILED: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Journal verification OK")

	case "tamper":
		// Deliberately corrupt an entry to exercise verification.
		if len(os.Args) < 4 {
			fmt.Println("Usage: forgeci tamper <journal.jsonl> <entryIndex>")
			os.Exit(1)
		}

		var idx int
		fmt.Sscanf(os.Args[3], "%d", &idx)

		entries := journal.Entries()
		if idx < 0 || idx >= len(entries) {
			fmt.Printf("Invalid entry index %d\n", idx)
			os.Exit(1)
		}

		entries[idx].OutputHash = "FAKE_HASH_TAMPERED"

		f, err := os.Create(journalPath)
		if err != nil {
			fmt.Printf("Failed to reopen journal for tampering: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		enc := json.NewEncoder(f)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				fmt.Printf("Failed to rewrite journal: %v\n", err)
				os.Exit(1)
			}
		}

		fmt.Printf("Tampered entry %d (OutputHash corrupted)\n", idx)

	default:
		fmt.Println("Unknown command:", cmd)
		os.Exit(1)
	}
}
