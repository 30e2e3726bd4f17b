// Command akdauditctl registers directory signing keys with an akdwitness
// database and inspects its current state.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/mod/sumdb/note"

	"github.com/novifinancial/akd/quorum"
)

func usage() {
	fmt.Printf("Usage: %s <command> [options]\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("    register-key -db <path> -azksid <hex-encoded AzksID> -key <base64-encoded Ed25519 public key>")
	fmt.Println("    list-directories -db <path>")
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "register-key":
		fs := flag.NewFlagSet("register-key", flag.ExitOnError)
		dbFlag := fs.String("db", "akdwitness.db", "path to sqlite database")
		azksIDFlag := fs.String("azksid", "", "hex-encoded AzksID")
		keyFlag := fs.String("key", "", "base64-encoded Ed25519 public key")
		fs.Parse(os.Args[2:])

		azksID, err := hex.DecodeString(*azksIDFlag)
		if err != nil || len(azksID) != 32 {
			log.Fatal("azksid must be 32 hex-encoded bytes")
		}
		pub, err := base64.StdEncoding.DecodeString(*keyFlag)
		if err != nil {
			log.Fatal(err)
		}

		_ = azksID // validated above; origin is its hex encoding
		db := openDB(*dbFlag)
		registerKey(db, *azksIDFlag, pub)

	case "list-directories":
		fs := flag.NewFlagSet("list-directories", flag.ExitOnError)
		dbFlag := fs.String("db", "akdwitness.db", "path to sqlite database")
		fs.Parse(os.Args[2:])
		db := openDB(*dbFlag)
		listDirectories(db)

	default:
		usage()
	}
}

func openDB(dbPath string) *sqlite.Conn {
	db, err := quorum.OpenDB(dbPath)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	return db
}

func registerKey(db *sqlite.Conn, origin string, pubKey []byte) {
	k, err := note.NewEd25519VerifierKey(origin, pubKey)
	if err != nil {
		log.Fatal(err)
	}
	if err := sqlitex.Exec(db, "INSERT INTO key (origin, key) VALUES (?, ?)", nil, origin, k); err != nil {
		log.Fatal(err)
	}
	log.Printf("Registered key for directory %q.", origin)
}

func listDirectories(db *sqlite.Conn) {
	if err := sqlitex.Exec(db, `
	SELECT json_object(
		'origin', directory.origin,
		'epoch', directory.epoch,
		'root', directory.root,
		'keys', json_group_array(key.key))
	FROM
		key
		LEFT JOIN directory on key.origin = directory.origin
	GROUP BY
		key.origin
	ORDER BY
		key.origin
	`, func(stmt *sqlite.Stmt) error {
		_, err := fmt.Printf("%s\n", stmt.ColumnText(0))
		return err
	}); err != nil {
		log.Fatal(err)
	}
}
