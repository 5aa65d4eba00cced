// Command admin-passwd hashes an admin password the same way the engine
// stores it (salted SHA-256 per spec §6), for operators who need to seed
// meta.admin_password_hash without going through a running engine.
package main

import (
	"fmt"
	"log"
	"os"

	"melodee/audiotag/internal/orchestrator"
)

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("usage: %s <password>", os.Args[0])
	}

	hash, err := orchestrator.HashPassword(os.Args[1])
	if err != nil {
		log.Fatalf("failed to hash password: %v", err)
	}

	fmt.Println(hash)
}
