package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"forgeci/internal/audit"
)

func main() {
	dir := flag.String("dir", "", "write journal.pub/journal.priv into this directory instead of printing")
	flag.Parse()

	pub, priv, err := audit.GenerateKeyPair()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keygen error: %v\n", err)
		os.Exit(2)
	}

	if *dir != "" {
		if err := os.MkdirAll(*dir, 0o700); err != nil {
			fmt.Fprintf(os.Stderr, "cannot create %s: %v\n", *dir, err)
			os.Exit(2)
		}
		pubPath := filepath.Join(*dir, "journal.pub")
		privPath := filepath.Join(*dir, "journal.priv")
		if err := audit.SaveKeyPair(pub, priv, pubPath, privPath); err != nil {
			fmt.Fprintf(os.Stderr, "cannot save keypair: %v\n", err)
			os.Exit(2)
		}
		fmt.Printf("wrote %s and %s\n", pubPath, privPath)
		return
	}

	fmt.Println("# ======= Ed25519 Keypair (hex) =======")
	fmt.Println()
	fmt.Println("PRIVATE_KEY_HEX:")
	fmt.Println(hex.EncodeToString(priv))
	fmt.Println()
	fmt.Println("PUBLIC_KEY_HEX:")
	fmt.Println(hex.EncodeToString(pub))
	fmt.Println()
	fmt.Println("# =====================================")
}
