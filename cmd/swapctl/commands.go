package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"htlcswap/core/hashlock"
	"htlcswap/native/orders"
	"htlcswap/services/swapd/audit"
)

// runSecret hands the maker's secret to swapd for a session whose hashlock was
// supplied at announce time.
func runSecret(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(secretCommand, flag.ContinueOnError)
	connect := remoteFlags(fs)
	id := fs.String("id", "", "session identifier")
	secret := fs.String("secret", "", "hex secret; prompted for when omitted")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("-id is required")
	}
	raw, err := readSecret(*secret)
	if err != nil {
		return err
	}
	var result json.RawMessage
	body := map[string]string{"secret": "0x" + hex.EncodeToString(raw)}
	if err := connect().do(ctx, http.MethodPost, "/v1/sessions/"+url.PathEscape(*id)+"/secret", body, &result); err != nil {
		return err
	}
	return printJSON(out, result)
}

// runHashlock derives a commitment locally. Without -secret a fresh secret is
// drawn and printed alongside the commitment.
func runHashlock(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(hashlockCommand, flag.ContinueOnError)
	algorithm := fs.String("algorithm", "sha256", "digest: sha256, keccak256 or blake3")
	secretHex := fs.String("secret", "", "hex secret to commit to")
	if err := fs.Parse(args); err != nil {
		return err
	}
	algo, err := hashlock.ParseAlgorithm(*algorithm)
	if err != nil {
		return err
	}
	var secret []byte
	if *secretHex != "" {
		secret, err = hashlock.ParseSecret(*secretHex)
	} else {
		secret, err = hashlock.NewSecret()
	}
	if err != nil {
		return err
	}
	codec := hashlock.Codec{Algorithm: algo}
	result := map[string]string{
		"algorithm": algo.String(),
		"secret":    "0x" + hex.EncodeToString(secret),
		"hashlock":  codec.Commit(secret).Hex(),
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return printJSON(out, raw)
}

func runExport(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(exportCommand, flag.ContinueOnError)
	dsn := fs.String("dsn", os.Getenv("SWAPD_AUDIT_DSN"), "audit database DSN")
	path := fs.String("out", "", "destination parquet file")
	eventType := fs.String("type", "", "only events of this type")
	chain := fs.String("chain", "", "only events from this chain")
	session := fs.String("session", "", "only events for this session")
	since := fs.String("since", "", "RFC3339 lower bound")
	until := fs.String("until", "", "RFC3339 upper bound")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return errors.New("-dsn is required")
	}
	if strings.TrimSpace(*path) == "" {
		return errors.New("-out is required")
	}
	q := audit.Query{Type: *eventType, Chain: *chain, SessionID: *session}
	var err error
	if q.Since, err = parseBound(*since); err != nil {
		return fmt.Errorf("-since: %w", err)
	}
	if q.Until, err = parseBound(*until); err != nil {
		return fmt.Errorf("-until: %w", err)
	}

	db, err := audit.Open(*dsn)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	dest, err := filepath.Abs(*path)
	if err != nil {
		return err
	}
	n, err := audit.ExportParquet(ctx, db, q, dest)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Exported %d events to %s\n", n, dest)
	return nil
}

func parseBound(value string) (int64, error) {
	if strings.TrimSpace(value) == "" {
		return 0, nil
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return 0, err
	}
	return ts.Unix(), nil
}

// loadOrder reads an order file. JSON documents parse as YAML, so both
// encodings share the yaml field names.
func loadOrder(path string) (orders.Order, error) {
	var order orders.Order
	raw, err := os.ReadFile(path)
	if err != nil {
		return order, fmt.Errorf("read order: %w", err)
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &order); err != nil {
			return order, fmt.Errorf("decode order: %w", err)
		}
		return order, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&order); err != nil {
		return order, fmt.Errorf("decode order: %w", err)
	}
	return order, nil
}

func printJSON(out io.Writer, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
