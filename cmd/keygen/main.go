package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
)

// keygen generates the 32-byte AES-256 master key §6 requires as
// ENCRYPTION_KEY, base64-encoded the same way internal/tenantcrypto.New
// expects to decode it.
func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("--- COPY BELOW TO .env.local ---")
	fmt.Printf("ENCRYPTION_KEY=%s\n", base64.StdEncoding.EncodeToString(key))
	fmt.Println("--------------------------------")
}
