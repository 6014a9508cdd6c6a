package main

import (
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
	"os/signal"
	"strconv"
	"syscall"

	"htlcswap/core/hashlock"
)

const (
	sessionCommand  = "session"
	escrowCommand   = "escrow"
	secretCommand   = "secret"
	hashlockCommand = "hashlock"
	exportCommand   = "export-audit"

	defaultEndpoint = "http://localhost:7074"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case sessionCommand:
		err = runSession(ctx, os.Args[2:], os.Stdout)
	case escrowCommand:
		err = runEscrow(ctx, os.Args[2:], os.Stdout)
	case secretCommand:
		err = runSecret(ctx, os.Args[2:], os.Stdout)
	case hashlockCommand:
		err = runHashlock(os.Args[2:], os.Stdout)
	case exportCommand:
		err = runExport(ctx, os.Args[2:], os.Stdout)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: swapctl <command> [flags]

Commands:
  session announce -order FILE [-hashlock HEX] [-src-withdraw D -src-cancel D -dst-withdraw D -dst-cancel D -buffer D]
  session get|deposit|withdraw|recover|step -id ID
  session list [-active]
  escrow create -chain C -role source|destination -maker M -resolver R -asset T -amount N -hashlock H -withdraw-after TS -cancel-after TS
  escrow get|deposit|refund -chain C -id ID
  escrow list -chain C [-state S] [-role R] [-limit N]
  escrow claim -chain C -id ID [-secret HEX]
  escrow reconcile -chain C -id ID -confirmed=true|false [-reference REF]
  secret -id SESSION [-secret HEX]
  hashlock [-algorithm sha256|keccak256|blake3] [-secret HEX]
  export-audit -dsn DSN -out FILE [-type T] [-chain C] [-session S] [-since RFC3339] [-until RFC3339]

Remote commands read the endpoint from -endpoint or SWAPCTL_ENDPOINT and the
bearer token from -token or SWAPCTL_TOKEN.`)
}

// remoteFlags registers the connection flags shared by every remote command.
func remoteFlags(fs *flag.FlagSet) func() *client {
	endpoint := fs.String("endpoint", envOr("SWAPCTL_ENDPOINT", defaultEndpoint), "swapd HTTP endpoint")
	token := fs.String("token", os.Getenv("SWAPCTL_TOKEN"), "bearer token")
	caller := fs.String("caller", os.Getenv("SWAPCTL_CALLER"), "caller principal when swapd runs with optional auth")
	return func() *client { return newClient(*endpoint, *token, *caller) }
}

func runSession(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("session requires a subcommand")
	}
	action, rest := args[0], args[1:]
	fs := flag.NewFlagSet("session "+action, flag.ContinueOnError)
	connect := remoteFlags(fs)
	id := fs.String("id", "", "session identifier")
	active := fs.Bool("active", false, "list only unfinished sessions")
	orderPath := fs.String("order", "", "order file (YAML or JSON)")
	lock := fs.String("hashlock", "", "hashlock to use instead of a generated secret")
	srcWithdraw := fs.String("src-withdraw", "", "source withdraw delay")
	srcCancel := fs.String("src-cancel", "", "source cancel delay")
	dstWithdraw := fs.String("dst-withdraw", "", "destination withdraw delay")
	dstCancel := fs.String("dst-cancel", "", "destination cancel delay")
	buffer := fs.String("buffer", "", "minimum gap between destination and source cancellation")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	c := connect()

	var result json.RawMessage
	switch action {
	case "announce":
		if *orderPath == "" {
			return errors.New("-order is required")
		}
		order, err := loadOrder(*orderPath)
		if err != nil {
			return err
		}
		body := map[string]interface{}{"order": order}
		if *lock != "" {
			h, err := hashlock.ParseHash(*lock)
			if err != nil {
				return err
			}
			body["hashlock"] = h
		}
		timelocks := map[string]string{}
		for key, value := range map[string]string{
			"srcWithdraw": *srcWithdraw, "srcCancel": *srcCancel,
			"dstWithdraw": *dstWithdraw, "dstCancel": *dstCancel, "buffer": *buffer,
		} {
			if value != "" {
				timelocks[key] = value
			}
		}
		if len(timelocks) > 0 {
			body["timelocks"] = timelocks
		}
		if err := c.do(ctx, http.MethodPost, "/v1/sessions", body, &result); err != nil {
			return err
		}
	case "list":
		path := "/v1/sessions"
		if *active {
			path += "?active=true"
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
			return err
		}
	case "get":
		if *id == "" {
			return errors.New("-id is required")
		}
		if err := c.do(ctx, http.MethodGet, "/v1/sessions/"+url.PathEscape(*id), nil, &result); err != nil {
			return err
		}
	case "deposit", "withdraw", "recover", "step":
		if *id == "" {
			return errors.New("-id is required")
		}
		path := "/v1/sessions/" + url.PathEscape(*id) + "/" + action
		if err := c.do(ctx, http.MethodPost, path, nil, &result); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown session subcommand %q", action)
	}
	return printJSON(out, result)
}

func runEscrow(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("escrow requires a subcommand")
	}
	action, rest := args[0], args[1:]
	fs := flag.NewFlagSet("escrow "+action, flag.ContinueOnError)
	connect := remoteFlags(fs)
	chain := fs.String("chain", "", "chain name")
	id := fs.String("id", "", "escrow identifier")
	role := fs.String("role", "", "escrow role")
	maker := fs.String("maker", "", "maker principal")
	resolver := fs.String("resolver", "", "resolver principal")
	asset := fs.String("asset", "", "token identifier on the chain")
	amount := fs.String("amount", "", "amount in base units")
	lock := fs.String("hashlock", "", "hashlock commitment")
	withdrawAfter := fs.Int64("withdraw-after", 0, "unix time after which claims are accepted")
	cancelAfter := fs.Int64("cancel-after", 0, "unix time after which refunds are accepted")
	salt := fs.String("salt", "", "hex salt for a reproducible identifier")
	state := fs.String("state", "", "filter by state")
	limit := fs.Int("limit", 0, "maximum results")
	secret := fs.String("secret", "", "hex secret")
	confirmed := fs.Bool("confirmed", false, "whether the pending transfer landed")
	reference := fs.String("reference", "", "transfer reference observed on chain")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *chain == "" {
		return errors.New("-chain is required")
	}
	c := connect()
	base := "/v1/chains/" + url.PathEscape(*chain) + "/escrows"

	needID := func() (string, error) {
		if *id == "" {
			return "", errors.New("-id is required")
		}
		return base + "/" + url.PathEscape(*id), nil
	}

	var result json.RawMessage
	switch action {
	case "create":
		body := map[string]interface{}{
			"role":          *role,
			"maker":         *maker,
			"resolver":      *resolver,
			"token":         *asset,
			"amount":        *amount,
			"hashlock":      *lock,
			"withdrawAfter": *withdrawAfter,
			"cancelAfter":   *cancelAfter,
		}
		if *salt != "" {
			body["salt"] = *salt
		}
		if err := c.do(ctx, http.MethodPost, base, body, &result); err != nil {
			return err
		}
	case "list":
		q := url.Values{}
		if *state != "" {
			q.Set("state", *state)
		}
		if *role != "" {
			q.Set("role", *role)
		}
		if *limit > 0 {
			q.Set("limit", strconv.Itoa(*limit))
		}
		path := base
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
			return err
		}
	case "get":
		path, err := needID()
		if err != nil {
			return err
		}
		if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
			return err
		}
	case "deposit", "refund":
		path, err := needID()
		if err != nil {
			return err
		}
		if err := c.do(ctx, http.MethodPost, path+"/"+action, nil, &result); err != nil {
			return err
		}
	case "claim":
		path, err := needID()
		if err != nil {
			return err
		}
		raw, err := readSecret(*secret)
		if err != nil {
			return err
		}
		body := map[string]string{"secret": "0x" + hex.EncodeToString(raw)}
		if err := c.do(ctx, http.MethodPost, path+"/claim", body, &result); err != nil {
			return err
		}
	case "reconcile":
		path, err := needID()
		if err != nil {
			return err
		}
		body := map[string]interface{}{"confirmed": *confirmed, "reference": *reference}
		if err := c.do(ctx, http.MethodPost, path+"/reconcile", body, &result); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown escrow subcommand %q", action)
	}
	return printJSON(out, result)
}
