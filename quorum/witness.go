package quorum

import (
	"bytes"
	"context"
	"crypto"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/mod/sumdb/note"

	"github.com/novifinancial/akd/auditor"
	"github.com/novifinancial/akd/azks"
)

// Witness is an HTTP service that cosigns epoch commitments, but only after
// independently re-verifying the submitted append-only proof for the
// (PrevRoot, CurrRoot) transition through the auditor package. It refuses
// to cosign anything it cannot verify itself, so its cosignature is a
// statement about history, not just about a signature it was shown.
//
// Writes are serialized per process with a single mutex, the way the
// teacher's Witness serializes around its own database connection:
// concurrent HTTP requests are a real concern here even though the core
// AZKS algorithm assumes single-writer access to any one Azks.
type Witness struct {
	s   *CommitmentSigner
	mux *http.ServeMux
	log *slog.Logger

	dmMu sync.Mutex
	db   *sqlite.Conn

	// testingOnlyStallRequest is called after checking a commitment but
	// before persisting it, to let tests exercise a race between two
	// concurrent requests for the same AzksID.
	testingOnlyStallRequest func()
}

// OpenDB opens (creating if necessary) the SQLite database a Witness
// persists its per-directory cosigned state and registered verifier keys
// into.
func OpenDB(dbPath string) (*sqlite.Conn, error) {
	db, err := sqlite.OpenConn(dbPath, 0)
	if err != nil {
		return nil, fmt.Errorf("opening database: %v", err)
	}

	return db, sqlitex.ExecScript(db, `
		PRAGMA strict_types = ON;
		PRAGMA foreign_keys = ON;
		CREATE TABLE IF NOT EXISTS directory (
			origin TEXT PRIMARY KEY, -- AzksID, hex
			epoch INTEGER NOT NULL,
			root TEXT NOT NULL -- base64-encoded
		);
		CREATE TABLE IF NOT EXISTS key (
			origin TEXT NOT NULL,
			key TEXT NOT NULL, -- note verifier key
			FOREIGN KEY(origin) REFERENCES directory(origin)
		);
	`)
}

// NewWitness constructs a Witness backed by the database at dbPath, signing
// its own cosignatures as name with key.
func NewWitness(dbPath, name string, key crypto.Signer, log *slog.Logger) (*Witness, error) {
	db, err := OpenDB(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing database: %v", err)
	}

	s, err := NewCommitmentSigner(name, key)
	if err != nil {
		return nil, fmt.Errorf("preparing signer: %v", err)
	}

	w := &Witness{
		db:  db,
		s:   s,
		log: log,
		mux: http.NewServeMux(),
	}
	w.mux.Handle("POST /add-commitment", http.HandlerFunc(w.serveAddCommitment))
	return w, nil
}

func (w *Witness) Close() error {
	w.dmMu.Lock()
	defer w.dmMu.Unlock()
	return w.db.Close()
}

func (w *Witness) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.mux.ServeHTTP(rw, r)
}

func (w *Witness) VerifierKey() string {
	return w.s.Verifier().String()
}

type conflictError struct {
	knownEpoch uint64
}

func (*conflictError) Error() string { return "known epoch doesn't match the commitment's PrevRoot epoch" }

var errUnknownDirectory = errors.New("unknown directory")
var errInvalidSignature = errors.New("invalid signature")
var errBadRequest = errors.New("invalid input")
var errProof = errors.New("append-only proof did not verify")

func (w *Witness) serveAddCommitment(rw http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.log.DebugContext(r.Context(), "error reading request body", "error", err)
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	cosig, err := w.processAddCommitmentRequest(r.Context(), body)
	if err, ok := err.(*conflictError); ok {
		rw.Header().Set("Content-Type", "text/x.akd.epoch")
		rw.WriteHeader(http.StatusConflict)
		fmt.Fprintf(rw, "%d\n", err.knownEpoch)
		return
	}
	switch err {
	case errUnknownDirectory, errInvalidSignature:
		http.Error(rw, err.Error(), http.StatusForbidden)
		return
	case errBadRequest:
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	case errProof:
		http.Error(rw, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	if _, err := rw.Write(cosig); err != nil {
		w.log.DebugContext(r.Context(), "error writing response", "error", err)
	}
}

// processAddCommitmentRequest parses a request body shaped like:
//
//	proof <base64 of an azks.AppendOnlyProof.MarshalBinary()>
//
//	<a note.Note whose Text is an EpochCommitment.String()>
//
// verifies the commitment's signature against the keys registered for its
// AzksID, re-derives the append-only proof through the auditor package, and
// on success persists the new (epoch, root) and returns the Witness's own
// cosignature bytes.
func (w *Witness) processAddCommitmentRequest(ctx context.Context, body []byte) (cosig []byte, err error) {
	l := w.log.With("request", string(body))
	defer func() {
		if err != nil {
			l = l.With("error", err)
		}
		l.Debug("processed add-commitment request")
	}()

	body, noteBytes, ok := bytes.Cut(body, []byte("\n\n"))
	if !ok {
		return nil, errBadRequest
	}
	lines := strings.Split(string(body), "\n")
	if len(lines) < 1 {
		return nil, errBadRequest
	}
	proofB64, ok := strings.CutPrefix(lines[0], "proof ")
	if !ok {
		return nil, errBadRequest
	}
	proofBytes, err := base64.StdEncoding.DecodeString(proofB64)
	if err != nil {
		return nil, errBadRequest
	}
	var proof azks.AppendOnlyProof
	if err := proof.UnmarshalBinary(proofBytes); err != nil {
		return nil, errBadRequest
	}

	// The first line of a commitment is its version header; the AzksID the
	// keys are registered under is on the second.
	_, rest, _ := strings.Cut(string(noteBytes), "\n")
	origin, _, _ := strings.Cut(rest, "\n")
	l = l.With("origin", origin)
	verifiers, err := w.getKeys(origin)
	if err != nil {
		return nil, err
	}
	n, err := note.Open(noteBytes, verifiers)
	switch err.(type) {
	case *note.UnverifiedNoteError, *note.InvalidSignatureError:
		return nil, errInvalidSignature
	}
	if err != nil {
		return nil, err
	}
	c, err := ParseEpochCommitment(n.Text)
	if err != nil {
		return nil, errBadRequest
	}
	l = l.With("epoch", c.Epoch)

	if err := w.checkConsistency(ctx, c, &proof); err != nil {
		return nil, err
	}
	if w.testingOnlyStallRequest != nil {
		w.testingOnlyStallRequest()
	}
	if err := w.persistDirectoryHead(c); err != nil {
		return nil, err
	}

	signed, err := note.Sign(&note.Note{Text: n.Text}, w.s)
	if err != nil {
		return nil, err
	}
	return splitSignatures(signed)
}

func splitSignatures(n []byte) ([]byte, error) {
	sigSplit := []byte("\n\n")
	split := bytes.LastIndex(n, sigSplit)
	if split < 0 {
		return nil, errors.New("invalid note")
	}
	_, sigs := n[:split+1], n[split+2:]
	if len(sigs) == 0 || sigs[len(sigs)-1] != '\n' {
		return nil, errors.New("invalid note")
	}
	return sigs, nil
}

// checkConsistency looks up the last epoch this Witness cosigned for c's
// AzksID. If this is the first commitment ever seen for that directory, it
// is accepted unconditionally, the same way the teacher accepts a log's
// first tree head without a consistency proof. Otherwise the known epoch
// must equal c.Epoch-1, and the proof must verify c's PrevRoot and CurrRoot
// against the two hashes the proof covers.
func (w *Witness) checkConsistency(ctx context.Context, c EpochCommitment, proof *azks.AppendOnlyProof) error {
	origin := fmt.Sprintf("%x", c.AzksID)
	knownEpoch, knownRoot, err := w.getDirectory(origin)
	if err == errUnknownDirectory {
		return nil
	}
	if err != nil {
		return err
	}
	if knownEpoch != c.Epoch-1 || knownRoot != c.PrevRoot {
		return &conflictError{knownEpoch}
	}
	if err := auditor.Verify(ctx, []azks.Digest{c.PrevRoot, c.CurrRoot}, proof); err != nil {
		return errProof
	}
	return nil
}

func (w *Witness) persistDirectoryHead(c EpochCommitment) error {
	origin := fmt.Sprintf("%x", c.AzksID)
	root := base64.StdEncoding.EncodeToString(c.CurrRoot[:])

	// Guard the update with the previous epoch, to detect a race between
	// two requests for the same directory rather than silently letting
	// one clobber the other.
	changes, err := w.dbExecWithChanges(`
			UPDATE directory SET epoch = ?, root = ?
			WHERE origin = ? AND epoch = ?`,
		nil, c.Epoch, root, origin, c.Epoch-1)
	if err == nil && changes == 0 {
		knownEpoch, _, getErr := w.getDirectory(origin)
		if getErr == errUnknownDirectory {
			return w.dbExec(`INSERT INTO directory (origin, epoch, root) VALUES (?, ?, ?)`,
				nil, origin, c.Epoch, root)
		}
		if getErr != nil {
			return getErr
		}
		return &conflictError{knownEpoch}
	}
	return err
}

func (w *Witness) getDirectory(origin string) (epoch uint64, root azks.Digest, err error) {
	found := false
	err = w.dbExec("SELECT epoch, root FROM directory WHERE origin = ?",
		func(stmt *sqlite.Stmt) error {
			found = true
			epoch = uint64(stmt.GetInt64("epoch"))
			decoded, derr := base64.StdEncoding.DecodeString(stmt.GetText("root"))
			if derr != nil || len(decoded) != len(root) {
				return errBadRequest
			}
			copy(root[:], decoded)
			return nil
		}, origin)
	if err == nil && !found {
		err = errUnknownDirectory
	}
	return
}

func (w *Witness) getKeys(origin string) (note.Verifiers, error) {
	var keys []string
	err := w.dbExec("SELECT key FROM key WHERE origin = ?",
		func(stmt *sqlite.Stmt) error {
			keys = append(keys, stmt.GetText("key"))
			return nil
		}, origin)
	if err == nil && keys == nil {
		err = errUnknownDirectory
	}
	if err != nil {
		return nil, err
	}
	var verifiers []note.Verifier
	for _, k := range keys {
		v, err := note.NewVerifier(k)
		if err != nil {
			w.log.Warn("invalid key in database", "key", k, "error", err)
			return nil, fmt.Errorf("invalid key %q: %v", k, err)
		}
		verifiers = append(verifiers, v)
	}
	return note.VerifierList(verifiers...), nil
}

// RegisterKey authorizes key (a note verifier key string, e.g. from
// CommitmentVerifier.String) to sign commitments for the given AzksID.
func (w *Witness) RegisterKey(azksID [32]byte, key string) error {
	origin := fmt.Sprintf("%x", azksID)
	return w.dbExec(`INSERT INTO key (origin, key) VALUES (?, ?)`, nil, origin, key)
}

func (w *Witness) dbExec(query string, resultFn func(stmt *sqlite.Stmt) error, args ...interface{}) error {
	w.dmMu.Lock()
	defer w.dmMu.Unlock()
	err := sqlitex.Exec(w.db, query, resultFn, args...)
	if err != nil {
		w.log.Error("database error", "error", err)
	}
	return err
}

func (w *Witness) dbExecWithChanges(query string, resultFn func(stmt *sqlite.Stmt) error, args ...interface{}) (int, error) {
	w.dmMu.Lock()
	defer w.dmMu.Unlock()
	err := sqlitex.Exec(w.db, query, resultFn, args...)
	if err != nil {
		w.log.Error("database error", "error", err)
		return 0, err
	}
	return w.db.Changes(), nil
}
