// Command akdwitness runs an HTTP service that cosigns epoch commitments
// for one or more directories, after independently re-verifying each
// submitted append-only proof.
package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"github.com/novifinancial/akd/quorum"
)

var nameFlag = flag.String("name", "", "name of this witness, used in its cosignatures")
var dbFlag = flag.String("db", "akdwitness.db", "path to sqlite database")
var listenFlag = flag.String("listen", "localhost:7381", "address to listen for HTTP requests")
var keyFlag = flag.String("key", "", "path to a file containing a hex-encoded Ed25519 seed")

func main() {
	flag.Parse()

	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGUSR1)
	go func() {
		for range c {
			slog.Info("received USR1 signal, toggling log level")
			if level.Level() == slog.LevelDebug {
				level.Set(slog.LevelInfo)
			} else {
				level.Set(slog.LevelDebug)
			}
		}
	}()

	signer := loadSigner()

	w, err := quorum.NewWitness(*dbFlag, *nameFlag, signer, slog.Default())
	if err != nil {
		fatal("creating witness", "err", err)
	}
	slog.Info("verifier key", "vkey", w.VerifierKey())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/", w)
	mux.Handle("/{$}", indexHandler(w))

	srv := &http.Server{
		Addr:         *listenFlag,
		Handler:      http.MaxBytesHandler(mux, 10*1024),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	e := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", *listenFlag)
		e <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	case err := <-e:
		fatal("server error", "err", err)
	}
}

func loadSigner() ed25519.PrivateKey {
	if *keyFlag == "" {
		fatal("missing -key")
	}
	raw, err := os.ReadFile(*keyFlag)
	if err != nil {
		fatal("reading key file", "err", err)
	}
	seed, err := hex.DecodeString(string(bytes.TrimSpace(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		fatal("key file does not contain a hex-encoded Ed25519 seed", "path", *keyFlag)
	}
	return ed25519.NewKeyFromSeed(seed)
}

const indexHeader = `
<!DOCTYPE html>
<title>akdwitness</title>
<style>
pre {
	font-family: ui-monospace, 'Cascadia Code', 'Source Code Pro',
		Menlo, Consolas, 'DejaVu Sans Mono', monospace;
}
:root {
	color-scheme: light dark;
}
.container {
	max-width: 800px;
	margin: 100px auto;
}
</style>
<div class="container">
<pre>
`

func indexHandler(w *quorum.Witness) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		db, err := quorum.OpenDB(*dbFlag)
		if err != nil {
			http.Error(rw, "internal error", http.StatusInternalServerError)
			return
		}
		defer db.Close()

		rw.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(rw, indexHeader)
		fmt.Fprintf(rw, "# akdwitness %s\n\n", html.EscapeString(*nameFlag))
		fmt.Fprintf(rw, "%s\n\n", html.EscapeString(w.VerifierKey()))
		fmt.Fprintf(rw, "## Directories\n\n")
		sqlitex.Exec(db, "SELECT origin, epoch, root FROM directory",
			func(stmt *sqlite.Stmt) error {
				fmt.Fprintf(rw, "- %s\n  (epoch %d, root %s)\n\n",
					html.EscapeString(stmt.ColumnText(0)),
					stmt.ColumnInt64(1), stmt.ColumnText(2))
				return nil
			},
		)
	}
}

func fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	os.Exit(1)
}
