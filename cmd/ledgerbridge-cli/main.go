package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"

	"ledgerbridge/cmd/internal/passphrase"
	"ledgerbridge/core/events"
	"ledgerbridge/crypto"
	"ledgerbridge/services/ledgerbridge"
	"ledgerbridge/services/ledgerbridge/config"
	"ledgerbridge/services/ledgerbridge/identity"
	"ledgerbridge/services/ledgerbridge/models"
)

const defaultConfig = "services/ledgerbridge/config.yaml"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	var err error
	switch os.Args[1] {
	case "users":
		err = runUsers(os.Args[2:], os.Stdout)
	case "replay":
		err = runReplay(os.Args[2:], os.Stdout)
	case "call":
		err = runCall(os.Args[2:], os.Stdout)
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage:
  ledgerbridge-cli users add -username NAME (-keystore PATH | -address 0x...) [-bank]
  ledgerbridge-cli users list
  ledgerbridge-cli replay <txHash>
  ledgerbridge-cli call -keystore PATH [-pass-env VAR] <function> [json-args]

All commands accept -config (default ` + defaultConfig + `).`)
}

func runUsers(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New("users requires a subcommand (add, list)")
	}
	switch args[0] {
	case "add":
		fs := flag.NewFlagSet("users add", flag.ExitOnError)
		configPath := fs.String("config", defaultConfig, "Path to the ledgerbridge config file")
		username := fs.String("username", "", "Local username")
		keystorePath := fs.String("keystore", "", "Keystore file whose address the user owns")
		address := fs.String("address", "", "Address the user owns, when no keystore is at hand")
		bank := fs.Bool("bank", false, "Mark the user as a bank")
		_ = fs.Parse(args[1:])
		db, err := openDB(*configPath)
		if err != nil {
			return err
		}
		user, err := addUser(db, *username, *keystorePath, *address, *bank)
		if err != nil {
			return err
		}
		return printJSON(out, user)
	case "list":
		fs := flag.NewFlagSet("users list", flag.ExitOnError)
		configPath := fs.String("config", defaultConfig, "Path to the ledgerbridge config file")
		_ = fs.Parse(args[1:])
		db, err := openDB(*configPath)
		if err != nil {
			return err
		}
		var users []models.User
		if err := db.Order("id").Find(&users).Error; err != nil {
			return fmt.Errorf("list users: %w", err)
		}
		return printJSON(out, users)
	default:
		return fmt.Errorf("unknown users subcommand %q", args[0])
	}
}

// addUser seeds a local user bound to an on-chain address.
func addUser(db *gorm.DB, username, keystorePath, address string, bank bool) (models.User, error) {
	username = identity.NormalizeUsername(username)
	if username == "" {
		return models.User{}, errors.New("-username is required")
	}
	var owner common.Address
	switch {
	case strings.TrimSpace(keystorePath) != "":
		addr, err := crypto.KeystoreAddress(keystorePath)
		if err != nil {
			return models.User{}, err
		}
		owner = addr
	case common.IsHexAddress(strings.TrimSpace(address)):
		owner = common.HexToAddress(strings.TrimSpace(address))
	default:
		return models.User{}, errors.New("one of -keystore or a valid -address is required")
	}
	user := models.User{Username: username, Address: owner.Hex(), IsBank: bank}
	if err := db.Create(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.User{}, fmt.Errorf("username %q or address %s already registered", username, owner.Hex())
		}
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func runReplay(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerbridge config file")
	timeout := fs.Duration("timeout", 30*time.Second, "Overall deadline")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("replay requires exactly one transaction hash")
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	rt, err := ledgerbridge.OpenRuntime(ctx, cfg, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	result, err := rt.Bridge.Replay(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	outcomes := make([]map[string]any, 0, len(result.Reconciliation))
	for _, o := range result.Reconciliation {
		entry := map[string]any{"event": o.Event, "status": o.Status, "effects": o.Effects}
		if o.Err != nil {
			entry["error"] = o.Err.Error()
		}
		outcomes = append(outcomes, entry)
	}
	return printJSON(out, map[string]any{
		"tx_hash":        result.TxHash.Hex(),
		"events":         result.Events,
		"reconciliation": outcomes,
	})
}

func runCall(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("call", flag.ExitOnError)
	configPath := fs.String("config", defaultConfig, "Path to the ledgerbridge config file")
	keystorePath := fs.String("keystore", "", "Keystore of the calling account")
	passEnv := fs.String("pass-env", "", "Environment variable holding the keystore passphrase")
	timeout := fs.Duration("timeout", 15*time.Second, "Overall deadline")
	_ = fs.Parse(args)
	if fs.NArg() < 1 || fs.NArg() > 2 {
		return errors.New("call requires a function name and optional JSON argument array")
	}
	if strings.TrimSpace(*keystorePath) == "" {
		return errors.New("-keystore is required")
	}
	fnArgs, err := parseArgs(fs.Arg(1))
	if err != nil {
		return err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	pass, err := passphrase.NewSource(*passEnv, *keystorePath).Get()
	if err != nil {
		return err
	}
	account, err := crypto.LoadAccount(*keystorePath, pass)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	rt, err := ledgerbridge.OpenRuntime(ctx, cfg, nil, false)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ret, err := rt.Bridge.Call(ctx, account, fs.Arg(0), fnArgs)
	if err != nil {
		return err
	}
	return printJSON(out, map[string]any{"result": events.NormalizeValue(ret.Single())})
}

// parseArgs decodes a JSON array of function arguments, keeping numbers exact.
func parseArgs(raw string) ([]any, error) {
	if strings.TrimSpace(raw) == "" {
		return []any{}, nil
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var out []any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON array: %w", err)
	}
	return out, nil
}

func openDB(configPath string) (*gorm.DB, error) {
	dsn, err := config.LoadDatabase(configPath)
	if err != nil {
		return nil, err
	}
	db, err := models.Open(dsn)
	if err != nil {
		return nil, err
	}
	if err := models.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
